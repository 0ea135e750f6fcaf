package archive

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
)

// ClassList names the classes a dump archives, in dump order.
//
//	archive = "app.lva"
//	classes = ["com/example/Main", "com/example/Util"]
type ClassList struct {
	Archive string   `toml:"archive"`
	Classes []string `toml:"classes"`
}

// DecodeClassList parses a class list.
func DecodeClassList(r io.Reader) (*ClassList, error) {
	var cl ClassList
	if _, err := toml.NewDecoder(r).Decode(&cl); err != nil {
		return nil, fmt.Errorf("class list: %w", err)
	}
	seen := make(map[string]bool, len(cl.Classes))
	names := cl.Classes[:0]
	for _, name := range cl.Classes {
		if name == "" {
			return nil, fmt.Errorf("class list: empty class name")
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	cl.Classes = names
	return &cl, nil
}

// ReadClassList reads the class list at path.
func ReadClassList(path string) (*ClassList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}
	defer f.Close()
	cl, err := DecodeClassList(f)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	return cl, nil
}
