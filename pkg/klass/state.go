package klass

import "fmt"

// State is a class's position in the lifecycle. States only move forward,
// except through Unlink and redefinition.
type State uint32

const (
	Allocated State = iota
	Loaded
	Linked
	BeingInitialized
	FullyInitialized
	InitializationError
)

var stateNames = [...]string{
	Allocated:           "allocated",
	Loaded:              "loaded",
	Linked:              "linked",
	BeingInitialized:    "being_initialized",
	FullyInitialized:    "fully_initialized",
	InitializationError: "initialization_error",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint32(s))
}

// IsLinked reports whether s is linked or beyond.
func (s State) IsLinked() bool { return s >= Linked }

// IsInitialized reports whether initialization completed successfully.
func (s State) IsInitialized() bool { return s == FullyInitialized }
