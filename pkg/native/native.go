// Package native implements the few java.base classes static initializers
// commonly touch: System.out, Integer boxing and HashMap.
package native

import (
	"io"
	"os"
)

// Env is the environment intrinsics run in.
type Env struct {
	Stdout io.Writer
}

// DefaultEnv writes to the process's stdout.
func DefaultEnv() *Env { return &Env{Stdout: os.Stdout} }

// Func implements one method. For instance methods args[0] is the receiver.
// A nil result is returned for void methods.
type Func func(env *Env, args []any) (any, error)

type methodKey struct {
	class, name, descriptor string
}

var (
	methods  = map[methodKey]Func{}
	statics  = map[[2]string]func(env *Env) any{}
	creators = map[string]func() any{}
)

func register(class, name, descriptor string, fn Func) {
	methods[methodKey{class, name, descriptor}] = fn
}

// Lookup returns the native implementation of class.name descriptor.
func Lookup(class, name, descriptor string) (Func, bool) {
	fn, ok := methods[methodKey{class, name, descriptor}]
	return fn, ok
}

// StaticField returns the value of a natively provided static field.
func StaticField(env *Env, class, name string) (any, bool) {
	fn, ok := statics[[2]string{class, name}]
	if !ok {
		return nil, false
	}
	return fn(env), true
}

// New allocates an instance of a natively backed class.
func New(class string) (any, bool) {
	fn, ok := creators[class]
	if !ok {
		return nil, false
	}
	return fn(), true
}

// IsNative reports whether class is implemented here rather than loaded.
func IsNative(class string) bool {
	if _, ok := creators[class]; ok {
		return true
	}
	for k := range statics {
		if k[0] == class {
			return true
		}
	}
	for k := range methods {
		if k.class == class {
			return true
		}
	}
	return false
}
