package vm

import "fmt"

// builtinSupers gives the superclass of the throwables the interpreter can
// raise without loading java.base.
var builtinSupers = map[string]string{
	"java/lang/Throwable":                      "java/lang/Object",
	"java/lang/Exception":                      "java/lang/Throwable",
	"java/lang/Error":                          "java/lang/Throwable",
	"java/lang/RuntimeException":               "java/lang/Exception",
	"java/lang/ArithmeticException":            "java/lang/RuntimeException",
	"java/lang/NullPointerException":           "java/lang/RuntimeException",
	"java/lang/ClassCastException":             "java/lang/RuntimeException",
	"java/lang/IllegalStateException":          "java/lang/RuntimeException",
	"java/lang/IllegalArgumentException":       "java/lang/RuntimeException",
	"java/lang/IndexOutOfBoundsException":      "java/lang/RuntimeException",
	"java/lang/ArrayIndexOutOfBoundsException": "java/lang/IndexOutOfBoundsException",
	"java/lang/NegativeArraySizeException":     "java/lang/RuntimeException",
	"java/lang/UnsupportedOperationException":  "java/lang/RuntimeException",
	"java/lang/AssertionError":                 "java/lang/Error",
	"java/lang/VirtualMachineError":            "java/lang/Error",
	"java/lang/StackOverflowError":             "java/lang/VirtualMachineError",
	"java/lang/OutOfMemoryError":               "java/lang/VirtualMachineError",
}

func isBuiltin(name string) bool {
	_, ok := builtinSupers[name]
	return ok
}

func isBuiltinSubclass(class, name string) bool {
	for c := class; c != ""; c = builtinSupers[c] {
		if c == name {
			return true
		}
		if c == "java/lang/Object" {
			break
		}
	}
	return false
}

// JavaException represents a JVM exception being thrown.
type JavaException struct {
	Object *Object
}

func (e *JavaException) Error() string {
	if msg, ok := e.Object.Fields["message"]; ok && !msg.IsNull() {
		return fmt.Sprintf("%s: %v", e.Object.ClassName, msg.Ref)
	}
	return e.Object.ClassName
}

// IsError reports whether the exception is a java.lang.Error. Errors thrown
// by a static initializer are not wrapped in ExceptionInInitializerError.
func (e *JavaException) IsError() bool {
	return e.Object.IsInstanceOf("java/lang/Error")
}

// NewJavaException returns a built-in throwable of the given class.
func NewJavaException(className string) *JavaException {
	return &JavaException{
		Object: &Object{
			ClassName: className,
			Fields:    make(map[string]Value),
		},
	}
}

// throwf returns a built-in throwable carrying a message.
func throwf(className, format string, args ...any) *JavaException {
	e := NewJavaException(className)
	e.Object.Fields["message"] = RefValue(fmt.Sprintf(format, args...))
	return e
}
