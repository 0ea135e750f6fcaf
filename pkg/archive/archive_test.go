package archive

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/daimatz/linkvm/pkg/classfile"
	"github.com/daimatz/linkvm/pkg/klass"
	"github.com/daimatz/linkvm/pkg/lifecycle"
	"github.com/daimatz/linkvm/pkg/loader"
	"github.com/daimatz/linkvm/pkg/thread"
	"github.com/daimatz/linkvm/pkg/verifier"
)

type env struct {
	ctrl   *lifecycle.Controller
	app    *loader.Loader
	thread *thread.Thread
}

// newEnv builds a boot loader with java/lang/Object and an application
// loader over sources, verifying application classes.
func newEnv(sources ...loader.Source) *env {
	dict := loader.NewDictionary()
	ctrl := lifecycle.New(lifecycle.Options{Verifier: verifier.New(false, true)})
	boot := loader.New(dict, ctrl, loader.Options{Name: verifier.BootLoaderName, Sources: []loader.Source{loader.MemorySource{
		classfile.ObjectClass: classfile.NewBuilder(classfile.ObjectClass, "").Bytes(),
	}}})
	app := loader.New(dict, ctrl, loader.Options{Name: "app", Parent: boot, Sources: sources})
	return &env{ctrl: ctrl, app: app, thread: ctrl.Threads().Attach("main")}
}

func appClasses() loader.MemorySource {
	a := classfile.NewBuilder("p/A", classfile.ObjectClass).Field(classfile.AccStatic, "X", "I")
	x := a.Fieldref("p/A", "X", "I")
	a.Method(classfile.AccStatic, classfile.ClinitName, "()V", 1, 0, []byte{0x08, 0xB3, byte(x >> 8), byte(x), 0xB1})
	return loader.MemorySource{
		"p/A": a.Bytes(),
		"p/B": classfile.NewBuilder("p/B", "p/A").Bytes(),
	}
}

func TestDumpAndRestore(t *testing.T) {
	src := newEnv(appClasses())
	im, err := Dump(src.thread, src.app, src.ctrl, &ClassList{Classes: []string{"p/A", "p/B"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(im.Entries) != 2 {
		t.Fatalf("%d entries", len(im.Entries))
	}
	for _, e := range im.Entries {
		if !e.Verified || e.Loader != "app" {
			t.Errorf("entry %s: verified=%t loader=%s", e.Name, e.Verified, e.Loader)
		}
	}
	// p/A was linked again as the superclass of p/B.
	last, err := src.app.LoadClass(src.thread, "p/B")
	if err != nil {
		t.Fatal(err)
	}
	if last.State() != klass.Loaded || last.IsRewritten() {
		t.Errorf("p/B left %s (rewritten=%t) after dump", last.State(), last.IsRewritten())
	}

	var buf bytes.Buffer
	if err := Write(&buf, im); err != nil {
		t.Fatal(err)
	}
	restored, err := Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Header.ID != im.Header.ID {
		t.Errorf("id = %s, want %s", restored.Header.ID, im.Header.ID)
	}

	dst := newEnv(NewSource(restored))
	b, err := dst.app.LoadClass(dst.thread, "p/B")
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsShared() || !b.IsVerified() || b.State() != klass.Loaded {
		t.Errorf("p/B: shared=%t verified=%t state=%s", b.IsShared(), b.IsVerified(), b.State())
	}
	if err := dst.ctrl.Initialize(dst.thread, b); err != nil {
		t.Fatal(err)
	}
	if n := dst.ctrl.Perf().ClassesVerified.Get(); n != 0 {
		t.Errorf("%d shared classes verified again", n)
	}
}

func TestRestoreUnverified(t *testing.T) {
	im := NewImage()
	im.Add(Entry{Name: "p/A", Loader: "app", Data: appClasses()["p/A"]})
	dst := newEnv(NewSource(im))
	a, err := dst.app.LoadClass(dst.thread, "p/A")
	if err != nil {
		t.Fatal(err)
	}
	if !a.IsShared() || a.IsVerified() {
		t.Fatalf("shared=%t verified=%t", a.IsShared(), a.IsVerified())
	}
	if err := dst.ctrl.Link(dst.thread, a); err != nil {
		t.Fatal(err)
	}
	if n := dst.ctrl.Perf().ClassesVerified.Get(); n != 1 {
		t.Errorf("verified %d classes, want 1", n)
	}
}

func TestSourceMiss(t *testing.T) {
	_, err := NewSource(NewImage()).Find("p/Missing")
	if !errors.Is(err, loader.ErrClassNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestDumpFailure(t *testing.T) {
	src := newEnv(appClasses())
	_, err := Dump(src.thread, src.app, src.ctrl, &ClassList{Classes: []string{"p/A", "p/Missing"}})
	if !errors.Is(err, loader.ErrClassNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	data := []byte{0xCA, 0xFE}
	tests := []struct {
		name   string
		modify func(im *Image)
		ok     bool
	}{
		{"valid", func(*Image) {}, true},
		{"magic", func(im *Image) { im.Header.Magic = "zip" }, false},
		{"version", func(im *Image) { im.Header.Version = FormatVersion + 1 }, false},
		{"id", func(im *Image) { im.Header.ID = "not-a-uuid" }, false},
		{"duplicate", func(im *Image) { im.Entries = append(im.Entries, im.Entries[0]) }, false},
		{"empty data", func(im *Image) { im.Entries[0].Data = nil }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := NewImage()
			im.Add(Entry{Name: "p/A", Data: data})
			tt.modify(im)
			var buf bytes.Buffer
			if err := Write(&buf, im); err != nil {
				t.Fatal(err)
			}
			_, err := Read(&buf)
			if tt.ok && err != nil {
				t.Errorf("Read: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrBadImage) {
				t.Errorf("Read: %v, want ErrBadImage", err)
			}
		})
	}
}

func TestReadGarbage(t *testing.T) {
	if _, err := Read(strings.NewReader("not cbor")); err == nil {
		t.Error("expected an error")
	}
}

func TestDecodeClassList(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    []string
		archive string
		wantErr bool
	}{
		{
			name:    "classes and archive",
			input:   "archive = \"app.lva\"\nclasses = [\"p/A\", \"p/B\"]\n",
			want:    []string{"p/A", "p/B"},
			archive: "app.lva",
		},
		{
			name:  "duplicates removed",
			input: "classes = [\"p/A\", \"p/B\", \"p/A\"]\n",
			want:  []string{"p/A", "p/B"},
		},
		{name: "empty name", input: "classes = [\"\"]\n", wantErr: true},
		{name: "not toml", input: "classes = [", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cl, err := DecodeClassList(strings.NewReader(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Error("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if strings.Join(cl.Classes, ",") != strings.Join(tt.want, ",") || cl.Archive != tt.archive {
				t.Errorf("got %+v", cl)
			}
		})
	}
}

func TestSourceOnly(t *testing.T) {
	im := NewImage()
	im.Add(Entry{Name: "p/A", Loader: "app", Data: []byte{1}})
	im.Add(Entry{Name: "p/Boot", Loader: "boot", Data: []byte{2}})
	s := NewSource(im).Only("boot")
	if _, err := s.Find("p/A"); !errors.Is(err, loader.ErrClassNotFound) {
		t.Errorf("p/A from the boot view: %v", err)
	}
	def, err := s.Find("p/Boot")
	if err != nil || !def.Shared || def.Data[0] != 2 {
		t.Errorf("p/Boot = %+v, %v", def, err)
	}
}
