package vm

// mem.go contains the machine's memory.

import (
	"encoding/binary"
	"fmt"
)

// FaultError is a wrapped error returned when guest code touches memory outside the
// mapped region.
type FaultError struct {
	Addr int64
	Size int64
}

func (fe *FaultError) Error() string {
	return fmt.Sprintf("memory fault: addr=%#x size=%d", fe.Addr, fe.Size)
}

func (fe *FaultError) Is(err error) bool {
	_, ok := err.(*FaultError)
	return ok
}

// Memory is the machine's single flat address space. The data segment occupies the
// bottom, the heap is bump-allocated above it, and the stack grows down from the
// top. Addresses are byte offsets; words are little-endian.
type Memory struct {
	buf   []byte
	brk   int64 // next free heap byte
	limit int64 // heap may not grow past this; the stack lives above
}

// NewMemory maps a memory of the given size with the data segment loaded at address
// zero. The top stackSize bytes are reserved for the stack; the heap may not grow
// into them.
func NewMemory(size, stackSize int, data []byte) (*Memory, error) {
	if len(data)+stackSize > size {
		return nil, fmt.Errorf("data segment (%d bytes) exceeds memory size (%d)", len(data), size)
	}

	m := &Memory{
		buf:   make([]byte, size),
		limit: int64(size - stackSize),
	}
	copy(m.buf, data)
	m.brk = align(int64(len(data)))

	return m, nil
}

// Size returns the number of mapped bytes.
func (m *Memory) Size() int64 {
	return int64(len(m.buf))
}

func (m *Memory) check(addr, size int64) error {
	if addr < 0 || size < 0 || addr+size > int64(len(m.buf)) {
		return &FaultError{Addr: addr, Size: size}
	}

	return nil
}

// LoadWord reads the word at a byte address.
func (m *Memory) LoadWord(addr int64) (int64, error) {
	if err := m.check(addr, WordSize); err != nil {
		return 0, err
	}

	return int64(binary.LittleEndian.Uint64(m.buf[addr:])), nil
}

// StoreWord writes a word at a byte address.
func (m *Memory) StoreWord(addr, val int64) error {
	if err := m.check(addr, WordSize); err != nil {
		return err
	}

	binary.LittleEndian.PutUint64(m.buf[addr:], uint64(val))

	return nil
}

// LoadByte reads the byte at an address, zero-extended.
func (m *Memory) LoadByte(addr int64) (int64, error) {
	if err := m.check(addr, 1); err != nil {
		return 0, err
	}

	return int64(m.buf[addr]), nil
}

// StoreByte writes the low byte of val at an address.
func (m *Memory) StoreByte(addr, val int64) error {
	if err := m.check(addr, 1); err != nil {
		return err
	}

	m.buf[addr] = byte(val)

	return nil
}

// Bytes returns the n bytes at addr as a mutable slice of the backing buffer.
func (m *Memory) Bytes(addr, n int64) ([]byte, error) {
	if err := m.check(addr, n); err != nil {
		return nil, err
	}

	return m.buf[addr : addr+n], nil
}

// CString reads the zero-terminated string at addr.
func (m *Memory) CString(addr int64) (string, error) {
	if err := m.check(addr, 0); err != nil {
		return "", err
	}

	for end := addr; end < int64(len(m.buf)); end++ {
		if m.buf[end] == 0 {
			return string(m.buf[addr:end]), nil
		}
	}

	return "", &FaultError{Addr: addr}
}

// Alloc reserves n heap bytes and returns their address. The heap is never freed;
// guest programs own their allocations for the life of the run.
func (m *Memory) Alloc(n int64) (int64, error) {
	if n < 0 {
		return 0, &FaultError{Addr: m.brk, Size: n}
	}

	addr := m.brk
	next := align(addr + n)

	if next > m.limit {
		return 0, &FaultError{Addr: addr, Size: n}
	}

	m.brk = next

	return addr, nil
}

func align(addr int64) int64 {
	return (addr + WordSize - 1) &^ (WordSize - 1)
}
