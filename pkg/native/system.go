package native

import (
	"fmt"
	"io"
)

// PrintStream is a java.io.PrintStream.
type PrintStream struct {
	Writer io.Writer
}

// Println prints a value followed by a newline.
func (ps *PrintStream) Println(args ...any) {
	if len(args) == 0 {
		fmt.Fprintln(ps.Writer)
		return
	}
	fmt.Fprintln(ps.Writer, args[0])
}

func printLine(env *Env, args []any) (any, error) {
	ps, ok := args[0].(*PrintStream)
	if !ok {
		return nil, fmt.Errorf("println: receiver is %T, not a PrintStream", args[0])
	}
	switch v := args[1:]; {
	case len(v) == 0:
		ps.Println()
	case v[0] == nil:
		ps.Println("null")
	default:
		ps.Println(v[0])
	}
	return nil, nil
}

func init() {
	statics[[2]string{"java/lang/System", "out"}] = func(env *Env) any {
		return &PrintStream{Writer: env.Stdout}
	}
	for _, desc := range []string{"()V", "(I)V", "(J)V", "(Ljava/lang/String;)V", "(Ljava/lang/Object;)V"} {
		register("java/io/PrintStream", "println", desc, printLine)
	}
	register("java/io/PrintStream", "println", "(Z)V", func(env *Env, args []any) (any, error) {
		if v, ok := args[1].(int32); ok {
			args = []any{args[0], v != 0}
		}
		return printLine(env, args)
	})
}
