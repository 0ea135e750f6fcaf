package bytecodes

import (
	"encoding/binary"
	"fmt"
)

// Operands in class files are big-endian ("Java order"). Cache indices the
// rewriter writes are in the machine's order so the interpreter can load them
// directly; this implementation fixes that order to little-endian.

// JavaU2 reads a big-endian u2.
func JavaU2(b []byte) uint16 { return binary.BigEndian.Uint16(b) }

// JavaU4 reads a big-endian u4.
func JavaU4(b []byte) uint32 { return binary.BigEndian.Uint32(b) }

// PutJavaU2 writes a big-endian u2.
func PutJavaU2(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }

// PutJavaU4 writes a big-endian u4.
func PutJavaU4(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }

// NativeU2 reads a native-order u2.
func NativeU2(b []byte) uint16 { return binary.LittleEndian.Uint16(b) }

// NativeU4 reads a native-order u4.
func NativeU4(b []byte) uint32 { return binary.LittleEndian.Uint32(b) }

// PutNativeU2 writes a native-order u2.
func PutNativeU2(b []byte, v uint16) { binary.LittleEndian.PutUint16(b, v) }

// PutNativeU4 writes a native-order u4.
func PutNativeU4(b []byte, v uint32) { binary.LittleEndian.PutUint32(b, v) }

// Stream iterates over the instructions of a method body.
type Stream struct {
	code []byte
	bci  int
	next int
	err  error
}

// NewStream returns a stream positioned before the first instruction.
func NewStream(code []byte) *Stream {
	return &Stream{code: code, bci: -1}
}

// Next advances to the next instruction. It returns false at the end of the
// code or on a malformed instruction; Err distinguishes the two.
func (s *Stream) Next() bool {
	if s.err != nil || s.next >= len(s.code) {
		return false
	}
	n, err := LengthAt(s.code, s.next)
	if err != nil {
		s.err = err
		return false
	}
	s.bci = s.next
	s.next += n
	return true
}

// BCI returns the offset of the current instruction.
func (s *Stream) BCI() int { return s.bci }

// NextBCI returns the offset just past the current instruction.
func (s *Stream) NextBCI() int { return s.next }

// Opcode returns the raw opcode of the current instruction.
func (s *Stream) Opcode() byte { return s.code[s.bci] }

// IsWide reports whether the current instruction is a wide-prefixed one.
func (s *Stream) IsWide() bool { return s.code[s.bci] == OpWide }

// Err returns the first decoding error.
func (s *Stream) Err() error { return s.err }

// Operands returns the bytes of the current instruction after its opcode.
func (s *Stream) Operands() []byte { return s.code[s.bci+1 : s.next] }

// String formats the current instruction for diagnostics.
func (s *Stream) String() string {
	return fmt.Sprintf("%d: %s", s.bci, Name(s.Opcode()))
}
