package vm

import "github.com/daimatz/linkvm/pkg/klass"

// Object represents an instance. Class is nil for the built-in throwables
// that are created without a loaded class.
type Object struct {
	Class     *klass.Klass
	ClassName string
	Fields    map[string]Value
}

// NewObject allocates an instance of k with every declared instance field,
// inherited ones included, set to its default value.
func NewObject(k *klass.Klass) *Object {
	obj := &Object{Class: k, ClassName: k.Name(), Fields: make(map[string]Value)}
	for c := k; c != nil; c = c.Super() {
		for _, f := range c.Fields() {
			if f.IsStatic() {
				continue
			}
			if _, ok := obj.Fields[f.Name()]; !ok {
				obj.Fields[f.Name()] = ValueOf(klass.ZeroValue(f.Descriptor()))
			}
		}
	}
	return obj
}

// IsInstanceOf reports whether obj's class is name or a subtype of it.
func (obj *Object) IsInstanceOf(name string) bool {
	if obj.Class != nil {
		for c := obj.Class; c != nil; c = c.Super() {
			if c.Name() == name {
				return true
			}
		}
		for _, i := range obj.Class.TransitiveInterfaces() {
			if i.Name() == name {
				return true
			}
		}
		return name == "java/lang/Object"
	}
	return isBuiltinSubclass(obj.ClassName, name)
}

// Array represents an array of any element type.
type Array struct {
	Elements []Value
}
