package native

import "fmt"

// HashMap is a java.util.HashMap.
type HashMap struct {
	Data map[any]any
}

// NewHashMap returns an empty map.
func NewHashMap() *HashMap {
	return &HashMap{Data: make(map[any]any)}
}

// mapKey compares boxed integers by value.
func mapKey(key any) any {
	if i, ok := key.(*Integer); ok {
		return i.Value
	}
	return key
}

// Get returns the value for key, or nil.
func (m *HashMap) Get(key any) any {
	return m.Data[mapKey(key)]
}

// Put stores value under key and returns the previous value.
func (m *HashMap) Put(key, value any) any {
	k := mapKey(key)
	old := m.Data[k]
	m.Data[k] = value
	return old
}

func receiver(name string, v any) (*HashMap, error) {
	m, ok := v.(*HashMap)
	if !ok {
		return nil, fmt.Errorf("HashMap.%s: receiver is %T", name, v)
	}
	return m, nil
}

func init() {
	creators["java/util/HashMap"] = func() any { return NewHashMap() }
	register("java/util/HashMap", "<init>", "()V", func(_ *Env, args []any) (any, error) {
		_, err := receiver("<init>", args[0])
		return nil, err
	})
	register("java/util/HashMap", "get", "(Ljava/lang/Object;)Ljava/lang/Object;", func(_ *Env, args []any) (any, error) {
		m, err := receiver("get", args[0])
		if err != nil {
			return nil, err
		}
		return m.Get(args[1]), nil
	})
	register("java/util/HashMap", "put", "(Ljava/lang/Object;Ljava/lang/Object;)Ljava/lang/Object;", func(_ *Env, args []any) (any, error) {
		m, err := receiver("put", args[0])
		if err != nil {
			return nil, err
		}
		return m.Put(args[1], args[2]), nil
	})
	register("java/lang/Object", "<init>", "()V", func(*Env, []any) (any, error) { return nil, nil })
}
