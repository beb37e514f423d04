package parser

// listing.go writes the annotated bytecode listing for compile-only mode.

import (
	"fmt"

	"github.com/patricklaux/mcc/internal/vm"
)

// flushListing prints the instructions emitted since the last flush, grouped under
// the source line that produced them. advance calls it whenever the token stream
// crosses into a new line; Parse calls it once more at the end.
func (p *Parser) flushListing() {
	if p.listing == nil {
		return
	}

	fmt.Fprintf(p.listing, "%d:\n", p.line)

	for p.listed < len(p.text) {
		op := vm.Opcode(p.text[p.listed])
		p.listed++

		if op.HasOperand() && p.listed < len(p.text) {
			fmt.Fprintf(p.listing, "%8s %d\n", op, p.text[p.listed])
			p.listed++
		} else {
			fmt.Fprintf(p.listing, "%8s\n", op)
		}
	}
}
