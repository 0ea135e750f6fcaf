package verifier

import "fmt"

// ArgSlots returns the number of local-variable slots the parameters of a
// method descriptor occupy, counting long and double twice.
func ArgSlots(desc string) (int, error) {
	if len(desc) == 0 || desc[0] != '(' {
		return 0, fmt.Errorf("malformed method descriptor %q", desc)
	}
	slots := 0
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, width, err := fieldType(desc, i)
		if err != nil {
			return 0, err
		}
		slots += width
		i = n
	}
	if i >= len(desc) {
		return 0, fmt.Errorf("malformed method descriptor %q", desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		if n, _, err := fieldType(ret, 0); err != nil || n != len(ret) {
			return 0, fmt.Errorf("malformed return type in %q", desc)
		}
	}
	return slots, nil
}

// fieldType parses one field type starting at i and returns the index after
// it and its slot width.
func fieldType(desc string, i int) (int, int, error) {
	if i >= len(desc) {
		return 0, 0, fmt.Errorf("truncated descriptor %q", desc)
	}
	switch desc[i] {
	case 'B', 'C', 'F', 'I', 'S', 'Z':
		return i + 1, 1, nil
	case 'J', 'D':
		return i + 1, 2, nil
	case 'L':
		for j := i + 1; j < len(desc); j++ {
			if desc[j] == ';' {
				if j == i+1 {
					break
				}
				return j + 1, 1, nil
			}
		}
		return 0, 0, fmt.Errorf("unterminated class name in %q", desc)
	case '[':
		j := i
		for j < len(desc) && desc[j] == '[' {
			j++
		}
		n, _, err := fieldType(desc, j)
		if err != nil {
			return 0, 0, err
		}
		return n, 1, nil
	}
	return 0, 0, fmt.Errorf("bad type %q in %q", desc[i], desc)
}
