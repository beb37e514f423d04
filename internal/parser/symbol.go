package parser

// symbol.go contains the compiler's symbol tables.

import (
	"github.com/patricklaux/mcc/internal/vm"
)

// DataType encodes a base type plus a pointer indirection count: each level of
// indirection adds Ptr, so int** is Int + 2*Ptr. A value above Ptr is therefore
// always a pointer type.
type DataType int

const (
	Char DataType = iota
	Int
	Ptr
)

// Class tells how a symbol's Value is interpreted.
type Class int

const (
	Global    Class = iota // Value is a byte offset into the data segment
	Local                  // Value is the parameter/local ordinal within the frame
	Sys                    // Value is the system-call opcode
	Func                   // Value is the code-arena index of the function's ENT
	EnumConst              // Value is the constant itself
)

// Symbol is one entry in a symbol table. The hash is a cheap first-pass filter for
// the linear scan; (hash, name) pairs are unique within a table.
type Symbol struct {
	hash  uint32
	Name  string
	Type  DataType
	Class Class
	Value int64
}

type symtab struct {
	syms []Symbol
}

func (t *symtab) find(name string, hash uint32) *Symbol {
	for i := range t.syms {
		s := &t.syms[i]
		if s.hash == hash && s.Name == name {
			return s
		}
	}

	return nil
}

func (t *symtab) add(s Symbol) {
	t.syms = append(t.syms, s)
}

func (t *symtab) reset() {
	t.syms = t.syms[:0]
}

func hashName(name string) uint32 {
	if name == "" {
		return 0
	}

	h := uint32(name[0])
	for i := 0; i < len(name); i++ {
		h = h*147 + uint32(name[i])
	}

	return h
}

// sysCalls are the host functions pre-seeded into the global table.
var sysCalls = []struct {
	name string
	op   vm.Opcode
}{
	{"open", vm.OPEN},
	{"read", vm.READ},
	{"close", vm.CLOS},
	{"printf", vm.PRTF},
	{"malloc", vm.MALC},
	{"memset", vm.MSET},
	{"memcmp", vm.MCMP},
	{"exit", vm.EXIT},
}
