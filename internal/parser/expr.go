package parser

// expr.go contains the precedence-climbing expression parser.
//
// parseExpr parses a unary production, then keeps absorbing operators whose kind is
// at or above the requested level. Token kinds double as precedence levels (see
// lexer.Kind). Emission is interleaved: the value of every subexpression is left in
// RAX, with the left operand of a binary operator saved on the stack by a PUSH
// emitted before the right operand is parsed.
//
// Lvalue discipline is encoded in the emitted code. Loading a variable always ends
// with LI or LC, so assignment, address-of and the increment operators recover the
// address by rewriting or dropping that trailing load.

import (
	"fmt"

	"github.com/patricklaux/mcc/internal/lexer"
	"github.com/patricklaux/mcc/internal/vm"
)

func (p *Parser) parseExpr(level lexer.Kind, bp int64) {
	p.parseUnary(bp)

	for {
		tok := p.cur()

		// Colon and closing bracket terminate the production that opened them.
		if tok.Kind < level || tok.Kind == lexer.Colon || tok.Kind == lexer.RBracket {
			return
		}

		// The type of the left operand, as left by the previous operator.
		tmp := p.exprType

		switch tok.Kind {
		case lexer.Assign:
			tok = p.advance()

			if op := p.lastOp(); op == vm.LC || op == vm.LI {
				p.rewriteLast(vm.PUSH) // keep the lvalue's address
			} else {
				p.fatal(tok.Line, ErrBadLvalue, "in assignment")
			}

			p.parseExpr(lexer.Assign, bp)

			p.exprType = tmp
			p.emitStore(tmp)

		case lexer.Cond:
			p.advance()

			p.emit(vm.JZ)
			then := p.hole()

			p.parseExpr(lexer.Assign, bp)

			if p.cur().Kind != lexer.Colon {
				p.fatal(p.cur().Line, ErrUnexpectedToken, "missing colon in conditional")
			}

			p.advance()

			p.patchTo(then, len(p.text)+2)
			p.emit(vm.JMP)
			done := p.hole()

			p.parseExpr(lexer.Cond, bp)
			p.patch(done)

		case lexer.Lor:
			p.advance()
			p.emit(vm.JNZ)
			slot := p.hole()
			p.parseExpr(lexer.Land, bp)
			p.patch(slot)
			p.exprType = Int

		case lexer.Land:
			p.advance()
			p.emit(vm.JZ)
			slot := p.hole()
			p.parseExpr(lexer.Or, bp)
			p.patch(slot)
			p.exprType = Int

		case lexer.Or:
			p.binary(lexer.Xor, vm.OR, bp)
		case lexer.Xor:
			p.binary(lexer.And, vm.XOR, bp)
		case lexer.And:
			p.binary(lexer.Eq, vm.AND, bp)
		case lexer.Eq:
			p.binary(lexer.Ne, vm.EQ, bp)
		case lexer.Ne:
			p.binary(lexer.Lt, vm.NE, bp)
		case lexer.Lt:
			p.binary(lexer.Shl, vm.LT, bp)
		case lexer.Gt:
			p.binary(lexer.Shl, vm.GT, bp)
		case lexer.Le:
			p.binary(lexer.Shl, vm.LE, bp)
		case lexer.Ge:
			p.binary(lexer.Shl, vm.GE, bp)
		case lexer.Shl:
			p.binary(lexer.Add, vm.SHL, bp)
		case lexer.Shr:
			p.binary(lexer.Add, vm.SHR, bp)

		case lexer.Add:
			p.advance()
			p.emit(vm.PUSH)
			p.parseExpr(lexer.Mul, bp)

			p.exprType = tmp
			if p.exprType > Ptr {
				// Pointer arithmetic: scale the addend by the word size. Only char
				// pointers step by one byte.
				p.emit(vm.PUSH)
				p.emitImm(vm.IMM, vm.WordSize)
				p.emit(vm.MUL)
			}

			p.emit(vm.ADD)

		case lexer.Sub:
			p.advance()
			p.emit(vm.PUSH)
			p.parseExpr(lexer.Mul, bp)

			switch {
			case tmp > Ptr && tmp == p.exprType:
				// Pointer difference: subtract, then divide by the word size.
				p.emit(vm.SUB)
				p.emit(vm.PUSH)
				p.emitImm(vm.IMM, vm.WordSize)
				p.emit(vm.DIV)
				p.exprType = Int
			case tmp > Ptr:
				// Pointer minus integer: scale, then subtract.
				p.emit(vm.PUSH)
				p.emitImm(vm.IMM, vm.WordSize)
				p.emit(vm.MUL)
				p.emit(vm.SUB)
				p.exprType = tmp
			default:
				p.emit(vm.SUB)
				p.exprType = tmp
			}

		case lexer.Mul:
			p.binary(lexer.Inc, vm.MUL, bp)
			p.exprType = tmp
		case lexer.Div:
			p.binary(lexer.Inc, vm.DIV, bp)
			p.exprType = tmp
		case lexer.Mod:
			p.binary(lexer.Inc, vm.MOD, bp)
			p.exprType = tmp

		case lexer.Inc, lexer.Dec:
			// Postfix form: update in place, then undo the step in RAX so the
			// expression yields the value before the update.
			p.reloadLvalue(tok, "in increment")

			step := p.stepSize()

			p.emit(vm.PUSH)
			p.emitImm(vm.IMM, step)
			p.emitArith(tok.Kind == lexer.Inc)
			p.emitStore(p.exprType)
			p.emit(vm.PUSH)
			p.emitImm(vm.IMM, step)
			p.emitArith(tok.Kind != lexer.Inc)
			p.advance()

		case lexer.LBracket:
			p.advance()
			p.emit(vm.PUSH)
			p.parseExpr(lexer.Assign, bp)

			tok = p.cur()
			p.want(lexer.RBracket, tok)
			p.advance()

			if tmp > Ptr {
				// A word pointer: scale the index.
				p.emit(vm.PUSH)
				p.emitImm(vm.IMM, vm.WordSize)
				p.emit(vm.MUL)
			} else if tmp < Ptr {
				p.fatal(tok.Line, ErrNotPointer, "array index on non-pointer")
			}

			p.exprType = tmp - Ptr
			p.emit(vm.ADD)
			p.emitLoad(p.exprType)

		default:
			p.fatal(tok.Line, ErrBadExpression,
				fmt.Sprintf("cannot continue expression at %s", tok.Kind))
		}
	}
}

// binary emits the common shape of a binary operator: save the left value, parse
// the right side one level up, combine. The result type is int.
func (p *Parser) binary(next lexer.Kind, op vm.Opcode, bp int64) {
	p.advance()
	p.emit(vm.PUSH)
	p.parseExpr(next, bp)
	p.emit(op)
	p.exprType = Int
}

// emitLoad appends the load matching a type: bytes for char, words otherwise.
func (p *Parser) emitLoad(t DataType) {
	if t == Char {
		p.emit(vm.LC)
	} else {
		p.emit(vm.LI)
	}
}

// emitStore appends the store matching a type.
func (p *Parser) emitStore(t DataType) {
	if t == Char {
		p.emit(vm.SC)
	} else {
		p.emit(vm.SI)
	}
}

func (p *Parser) emitArith(add bool) {
	if add {
		p.emit(vm.ADD)
	} else {
		p.emit(vm.SUB)
	}
}

// stepSize is the increment applied by ++ and --: a word for word pointers, one for
// everything else (integers and char pointers).
func (p *Parser) stepSize() int64 {
	if p.exprType > Ptr {
		return vm.WordSize
	}

	return 1
}

// reloadLvalue converts a trailing load into PUSH followed by the same load, so the
// stack keeps the operand's address while RAX holds its value.
func (p *Parser) reloadLvalue(tok lexer.Token, context string) {
	op := p.lastOp()
	if op != vm.LC && op != vm.LI {
		p.fatal(tok.Line, ErrBadLvalue, context)
	}

	p.rewriteLast(vm.PUSH)
	p.emit(op)
}

// parseUnary parses a primary or prefix production.
func (p *Parser) parseUnary(bp int64) {
	tok := p.cur()

	switch tok.Kind {
	case lexer.Number:
		val := p.toInteger(tok)
		p.advance()
		p.emitImm(vm.IMM, val)
		p.exprType = Int

	case lexer.String:
		addr := p.internString(tok.Lexeme)
		p.advance()
		p.emitImm(vm.IMM, addr)
		p.exprType = Char + Ptr

	case lexer.Sizeof:
		p.advance()

		tok = p.expect(lexer.LParen)
		p.exprType = p.datatype(p.basetype(tok))
		p.expect(lexer.RParen)

		size := int64(vm.WordSize)
		if p.exprType == Char {
			size = 1
		}

		p.emitImm(vm.IMM, size)
		p.exprType = Int

	case lexer.Ident:
		id := tok
		hash := hashName(id.Lexeme)

		if p.advance().Kind == lexer.LParen {
			p.parseCall(id, hash, bp)
		} else {
			p.parseVariable(id, hash, bp)
		}

	case lexer.LParen:
		tok = p.advance()

		if tok.Kind == lexer.Int || tok.Kind == lexer.Char {
			// A cast: only int and char base types are accepted here.
			datatype := p.datatype(p.basetype(tok))
			p.expect(lexer.RParen)
			p.parseExpr(lexer.Inc, bp)
			p.exprType = datatype
		} else {
			p.parseExpr(lexer.Assign, bp)
			p.expect(lexer.RParen)
		}

	case lexer.Mul:
		p.advance()
		p.parseExpr(lexer.Inc, bp)

		if p.exprType < Ptr {
			p.fatal(p.cur().Line, ErrNotPointer, "bad dereference")
		}

		p.exprType -= Ptr
		p.emitLoad(p.exprType)

	case lexer.And:
		tok = p.advance()
		p.parseExpr(lexer.Inc, bp)

		// The subexpression must have ended in a load; dropping it leaves the
		// address, not the value, in RAX.
		if op := p.lastOp(); op == vm.LC || op == vm.LI {
			p.dropLast()
		} else {
			p.fatal(tok.Line, ErrBadLvalue, "bad address of")
		}

		p.exprType += Ptr

	case lexer.Not:
		p.advance()
		p.parseExpr(lexer.Inc, bp)
		p.emit(vm.PUSH)
		p.emitImm(vm.IMM, 0)
		p.emit(vm.EQ)
		p.exprType = Int

	case lexer.Tilde:
		p.advance()
		p.parseExpr(lexer.Inc, bp)
		p.emit(vm.PUSH)
		p.emitImm(vm.IMM, -1)
		p.emit(vm.XOR)
		p.exprType = Int

	case lexer.Add:
		p.advance()
		p.parseExpr(lexer.Inc, bp)
		p.exprType = Int

	case lexer.Sub:
		tok = p.advance()

		if tok.Kind == lexer.Number {
			p.emitImm(vm.IMM, -p.toInteger(tok))
			p.advance()
		} else {
			p.emitImm(vm.IMM, -1)
			p.emit(vm.PUSH)
			p.parseExpr(lexer.Inc, bp)
			p.emit(vm.MUL)
		}

		p.exprType = Int

	case lexer.Inc, lexer.Dec:
		kind := tok.Kind
		tok = p.advance()

		p.parseExpr(lexer.Inc, bp)
		p.reloadLvalue(tok, "of pre-increment")

		p.emit(vm.PUSH)
		p.emitImm(vm.IMM, p.stepSize())
		p.emitArith(kind == lexer.Inc)
		p.emitStore(p.exprType)

	default:
		p.fatal(tok.Line, ErrBadExpression, tok.Kind.String())
	}
}

// parseCall parses a function or system call. The callee is resolved in the global
// table only; arguments are pushed left to right.
func (p *Parser) parseCall(id lexer.Token, hash uint32, bp int64) {
	sym := p.globals.find(id.Lexeme, hash)
	if sym == nil {
		p.fatal(id.Line, ErrUndefined, fmt.Sprintf("function %s", id.Lexeme))
	}

	var argc int64

	tok := p.advance()
	for tok.Kind != lexer.RParen {
		p.parseExpr(lexer.Assign, bp)
		p.emit(vm.PUSH)
		argc++

		tok = p.cur()
		if tok.Kind == lexer.Comma {
			tok = p.advance()
		}
	}

	p.expect(lexer.RParen)

	variadic := false

	if sym.Class == Sys {
		p.emit(vm.Opcode(sym.Value))
		variadic = vm.Opcode(sym.Value) == vm.PRTF
	} else {
		p.emitImm(vm.JSR, sym.Value)
	}

	// The caller pops its own arguments. PRTF locates its argument count through
	// the immediate of the following ADJ, so for it the ADJ is emitted even when
	// nothing was pushed.
	if argc > 0 || variadic {
		p.emitImm(vm.ADJ, argc)
	}

	p.exprType = sym.Type
}

// parseVariable emits a load for an identifier: an enum constant is an immediate,
// a local is frame-relative, a global is an absolute data address.
func (p *Parser) parseVariable(id lexer.Token, hash uint32, bp int64) {
	sym := p.locals.find(id.Lexeme, hash)
	if sym == nil {
		sym = p.globals.find(id.Lexeme, hash)
	}

	if sym == nil {
		p.fatal(id.Line, ErrUndefined, fmt.Sprintf("variable %s", id.Lexeme))
	}

	switch sym.Class {
	case EnumConst:
		p.emitImm(vm.IMM, sym.Value)
		p.exprType = Int
		return
	case Local:
		p.emitImm(vm.LEA, bp-sym.Value)
	case Global:
		p.emitImm(vm.IMM, sym.Value)
	default:
		p.fatal(id.Line, ErrUndefined, fmt.Sprintf("variable %s", id.Lexeme))
	}

	p.exprType = sym.Type
	p.emitLoad(p.exprType)
}

// internString copies a string literal into the data segment and returns its
// address. Only the \n escape is translated; any other backslash pair is kept
// verbatim. The literal is padded with zeros to the next word boundary, which also
// terminates it.
func (p *Parser) internString(lexeme string) int64 {
	addr := int64(len(p.data))

	for i := 0; i < len(lexeme); i++ {
		c := lexeme[i]

		if c == '\\' && i+1 < len(lexeme) {
			if lexeme[i+1] == 'n' {
				p.data = append(p.data, '\n')
				i++
				continue
			}

			p.data = append(p.data, '\\', lexeme[i+1])
			i++

			continue
		}

		p.data = append(p.data, c)
	}

	pad := vm.WordSize - len(p.data)%vm.WordSize
	p.data = append(p.data, make([]byte, pad)...)

	return addr
}
