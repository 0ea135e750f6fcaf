package native

import "fmt"

// Integer is a boxed java.lang.Integer.
type Integer struct {
	Value int32
}

// IntegerValueOf boxes v.
func IntegerValueOf(v int32) *Integer {
	return &Integer{Value: v}
}

func (i *Integer) String() string { return fmt.Sprint(i.Value) }

func init() {
	register("java/lang/Integer", "valueOf", "(I)Ljava/lang/Integer;", func(_ *Env, args []any) (any, error) {
		v, ok := args[0].(int32)
		if !ok {
			return nil, fmt.Errorf("Integer.valueOf: argument is %T", args[0])
		}
		return IntegerValueOf(v), nil
	})
	register("java/lang/Integer", "intValue", "()I", func(_ *Env, args []any) (any, error) {
		i, ok := args[0].(*Integer)
		if !ok {
			return nil, fmt.Errorf("Integer.intValue: receiver is %T", args[0])
		}
		return i.Value, nil
	})
}
