package rewriter

import "github.com/daimatz/linkvm/pkg/classfile"

var methodHandleIntrinsics = map[string]bool{
	"invoke":          true,
	"invokeExact":     true,
	"invokeBasic":     true,
	"linkToVirtual":   true,
	"linkToStatic":    true,
	"linkToSpecial":   true,
	"linkToInterface": true,
	"linkToNative":    true,
}

var varHandleAccessModes = func() map[string]bool {
	names := []string{
		"get", "set",
		"getVolatile", "setVolatile",
		"getAcquire", "setRelease",
		"getOpaque", "setOpaque",
		"compareAndSet",
		"compareAndExchange", "compareAndExchangeAcquire", "compareAndExchangeRelease",
		"weakCompareAndSetPlain", "weakCompareAndSet", "weakCompareAndSetAcquire", "weakCompareAndSetRelease",
		"getAndSet", "getAndSetAcquire", "getAndSetRelease",
		"getAndAdd", "getAndAddAcquire", "getAndAddRelease",
	}
	for _, op := range []string{"Or", "And", "Xor"} {
		base := "getAndBitwise" + op
		names = append(names, base, base+"Acquire", base+"Release")
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// IsSignaturePolymorphic reports whether name on class is a method whose
// call sites each carry their own signature.
func IsSignaturePolymorphic(class, name string) bool {
	switch class {
	case classfile.MethodHandleClass:
		return methodHandleIntrinsics[name]
	case classfile.VarHandleClass:
		return varHandleAccessModes[name]
	}
	return false
}
