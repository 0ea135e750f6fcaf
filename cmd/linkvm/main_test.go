package main

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/daimatz/linkvm/pkg/classfile"
)

// writeJmod writes a java.base jmod holding only java/lang/Object.
func writeJmod(t *testing.T, path string) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("JM\x01\x00")
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("classes/java/lang/Object.class")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(classfile.NewBuilder(classfile.ObjectClass, "").Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

// writeClass writes p/C, whose initializer prints 42.
func writeClass(t *testing.T, dir string) {
	t.Helper()
	b := classfile.NewBuilder("p/C", classfile.ObjectClass)
	out := b.Fieldref("java/lang/System", "out", "Ljava/io/PrintStream;")
	printInt := b.Methodref("java/io/PrintStream", "println", "(I)V")
	b.Method(classfile.AccStatic, classfile.ClinitName, "()V", 2, 0, []byte{
		0xB2, byte(out >> 8), byte(out),
		0x10, 42,
		0xB6, byte(printInt >> 8), byte(printInt),
		0xB1,
	})
	path := filepath.Join(dir, "p", "C.class")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, b.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	RootCmd.SetOut(&out)
	RootCmd.SetErr(&out)
	RootCmd.SetArgs(args)
	err := RootCmd.Execute()
	return out.String(), err
}

func TestCommands(t *testing.T) {
	dir := t.TempDir()
	jmod := filepath.Join(dir, "java.base.jmod")
	writeJmod(t, jmod)
	classes := filepath.Join(dir, "classes")
	writeClass(t, classes)
	t.Setenv("LINKVM_JMOD", jmod)
	t.Setenv("LINKVM_CLASSPATH", classes)
	t.Setenv("LINKVM_LOG_LEVEL", "error")

	lva := filepath.Join(dir, "app.lva")
	list := filepath.Join(dir, "classlist.toml")
	if err := os.WriteFile(list, []byte("classes = [\"p/C\"]\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	// restore sets the archive for the rest of the process, so it runs last.
	steps := []struct {
		args    []string
		want    []string
		wantErr bool
	}{
		{args: []string{"version"}, want: []string{"linkvm v" + Version}},
		{args: []string{"link", "p/C"}, want: []string{"p/C linked (loader app)"}},
		{args: []string{"init", "p/C", "--threads", "4"}, want: []string{"42\n", "p/C fully_initialized (loader app)"}},
		{args: []string{"init", "p/C", "--threads", "0"}, wantErr: true},
		{args: []string{"link", "p/Missing"}, wantErr: true},
		{args: []string{"stats", "p/C"}, want: []string{"linkvm_classes_initialized_total"}},
		{args: []string{"dump", list}, wantErr: true},
		{args: []string{"dump", list, "-o", lva}, want: []string{"dumped 1 classes to " + lva}},
		{args: []string{"restore", lva}, want: []string{"p/C linked (loader app shared)", "restored 1 classes"}},
	}
	for _, s := range steps {
		t.Run(strings.Join(s.args, " "), func(t *testing.T) {
			got, err := run(t, s.args...)
			if s.wantErr {
				if err == nil {
					t.Errorf("expected an error, output:\n%s", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("%v, output:\n%s", err, got)
			}
			for _, w := range s.want {
				if !strings.Contains(got, w) {
					t.Errorf("output missing %q:\n%s", w, got)
				}
			}
		})
	}
}
