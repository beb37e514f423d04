package parser

// parser.go contains the parser state, declarations and statements; expressions
// live in expr.go.

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/patricklaux/mcc/internal/lexer"
	"github.com/patricklaux/mcc/internal/log"
	"github.com/patricklaux/mcc/internal/vm"
)

var (
	// ErrUnexpectedToken is a wrapped error for token-kind mismatches.
	ErrUnexpectedToken = errors.New("unexpected token")

	// ErrDuplicateSymbol is a wrapped error for redeclared names.
	ErrDuplicateSymbol = errors.New("duplicate definition")

	// ErrUndefined is a wrapped error for references to unknown names.
	ErrUndefined = errors.New("undefined identifier")

	// ErrBadLvalue is a wrapped error for assignment, address-of or increment
	// applied to something without an address.
	ErrBadLvalue = errors.New("bad lvalue")

	// ErrNotPointer is a wrapped error for dereferencing or indexing a non-pointer.
	ErrNotPointer = errors.New("pointer type expected")

	// ErrBadType is a wrapped error for unsupported base types.
	ErrBadType = errors.New("unsupported datatype")

	// ErrBadNumber is a wrapped error for numeric literals with no integer value.
	ErrBadNumber = errors.New("bad number")

	// ErrBadExpression is a wrapped error for tokens that start no expression.
	ErrBadExpression = errors.New("bad expression")
)

// CompileError is the error type for all fatal compile failures.
type CompileError struct {
	Line   int
	Detail string
	Err    error
}

func (ce *CompileError) Error() string {
	if ce.Detail == "" {
		return fmt.Sprintf("line:%d: %s", ce.Line, ce.Err)
	}

	return fmt.Sprintf("line:%d: %s: %s", ce.Line, ce.Err, ce.Detail)
}

func (ce *CompileError) Unwrap() error {
	return ce.Err
}

// Parser holds the compilation state: the token stream, the two symbol tables and
// the growing code and data arenas.
type Parser struct {
	tokens []lexer.Token
	idx    int

	text []int64
	data []byte
	last int // index of the most recently emitted opcode

	entry    int
	globals  symtab
	locals   symtab
	exprType DataType

	line    int
	listing io.Writer
	listed  int

	log *log.Logger
}

// An Option adjusts the parser during construction.
type Option func(*Parser)

// WithListing makes the parser write an annotated bytecode listing to w, grouped by
// the source line that produced each instruction.
func WithListing(w io.Writer) Option {
	return func(p *Parser) { p.listing = w }
}

// WithLogger configures the parser's diagnostic logger.
func WithLogger(l *log.Logger) Option {
	return func(p *Parser) { p.log = l }
}

// New creates a parser over a token sequence.
func New(tokens []lexer.Token, opts ...Option) *Parser {
	p := &Parser{
		tokens: tokens,
		entry:  vm.NoEntry,
		line:   1,
		last:   -1,
		data:   make([]byte, vm.DataOrigin),
		log:    log.DefaultLogger(),
	}

	for _, sc := range sysCalls {
		p.globals.add(Symbol{
			hash:  hashName(sc.name),
			Name:  sc.name,
			Type:  Int,
			Class: Sys,
			Value: int64(sc.op),
		})
	}

	for _, fn := range opts {
		fn(p)
	}

	return p
}

// Parse consumes the whole token sequence and returns the compiled image. All
// errors are fatal: parsing stops at the first one.
func (p *Parser) Parse() (img *vm.Image, err error) {
	defer func() {
		if r := recover(); r != nil {
			ce, ok := r.(*CompileError)
			if !ok {
				panic(r)
			}

			err = ce
		}
	}()

	for p.idx < len(p.tokens) {
		if p.cur().Kind == lexer.Enum {
			p.parseEnum()
			continue
		}

		base := p.basetype(p.cur())
		datatype := p.datatype(base)

		id := p.cur()
		p.want(lexer.Ident, id)

		if p.peek(1).Kind == lexer.LParen {
			p.parseFunction(datatype)
		} else {
			p.parseGlobals(base, datatype)
		}
	}

	p.flushListing()

	p.log.Debug("compiled",
		"text", len(p.text),
		"data", len(p.data),
		"globals", len(p.globals.syms),
		"entry", p.entry,
	)

	return &vm.Image{Text: p.text, Data: p.data, Entry: p.entry}, nil
}

// fatal aborts compilation; Parse recovers it into the returned error.
func (p *Parser) fatal(line int, err error, detail string) {
	panic(&CompileError{Line: line, Err: err, Detail: detail})
}

// cur returns the current token, or a synthetic EOF token past the end.
func (p *Parser) cur() lexer.Token {
	if p.idx >= len(p.tokens) {
		return lexer.Token{Line: p.line, Kind: lexer.EOF}
	}

	return p.tokens[p.idx]
}

// peek returns the token off tokens ahead of the current one.
func (p *Parser) peek(off int) lexer.Token {
	if p.idx+off >= len(p.tokens) {
		return lexer.Token{Line: p.line, Kind: lexer.EOF}
	}

	return p.tokens[p.idx+off]
}

// advance moves to the next token and returns it. Crossing into a new source line
// flushes the pending listing group.
func (p *Parser) advance() lexer.Token {
	p.idx++

	tok := p.cur()
	if tok.Line > p.line {
		p.flushListing()
		p.line = tok.Line
	}

	return tok
}

// want asserts a token's kind.
func (p *Parser) want(expected lexer.Kind, tok lexer.Token) {
	if tok.Kind != expected {
		p.fatal(tok.Line, ErrUnexpectedToken,
			fmt.Sprintf("expected %s, but got %s", expected, tok.Kind))
	}
}

// expect asserts the current token's kind and moves past it, returning the new
// current token.
func (p *Parser) expect(expected lexer.Kind) lexer.Token {
	p.want(expected, p.cur())
	return p.advance()
}

// Emission helpers. last tracks the start of the most recent instruction so the
// expression parser can rewrite or drop a trailing load.

func (p *Parser) emit(op vm.Opcode) {
	p.last = len(p.text)
	p.text = append(p.text, int64(op))
}

func (p *Parser) emitImm(op vm.Opcode, imm int64) {
	p.last = len(p.text)
	p.text = append(p.text, int64(op), imm)
}

// hole emits a placeholder jump-target word and returns its slot index.
func (p *Parser) hole() int {
	p.text = append(p.text, 0)
	return len(p.text) - 1
}

// patch points a jump slot at the next instruction to be emitted.
func (p *Parser) patch(slot int) {
	p.text[slot] = int64(len(p.text))
}

func (p *Parser) patchTo(slot, target int) {
	p.text[slot] = int64(target)
}

// lastOp returns the opcode of the most recently emitted instruction.
func (p *Parser) lastOp() vm.Opcode {
	if p.last < 0 {
		return vm.Opcode(-1)
	}

	return vm.Opcode(p.text[p.last])
}

// dropLast removes the most recently emitted instruction. Only load instructions
// are ever dropped; they carry no immediate.
func (p *Parser) dropLast() {
	p.text = p.text[:p.last]
	p.last = -1
}

// rewriteLast replaces the opcode of the most recent instruction in place.
func (p *Parser) rewriteLast(op vm.Opcode) {
	p.text[p.last] = int64(op)
}

// toInteger converts a numeric lexeme. There is no floating-point path: a literal
// containing a dot is fatal. Conversion is base 10 unless the 0x prefix is present,
// so a leading zero never flips a literal to octal.
func (p *Parser) toInteger(tok lexer.Token) int64 {
	lx := tok.Lexeme

	if strings.ContainsRune(lx, '.') {
		p.fatal(tok.Line, ErrBadNumber, lx)
	}

	var (
		n   int64
		err error
	)

	if strings.HasPrefix(lx, "0x") || strings.HasPrefix(lx, "0X") {
		n, err = strconv.ParseInt(lx[2:], 16, 64)
	} else {
		n, err = strconv.ParseInt(lx, 10, 64)
	}

	if err != nil {
		p.fatal(tok.Line, ErrBadNumber, lx)
	}

	return n
}

// basetype maps a datatype keyword to its base type. void is represented as char:
// void* is char* internally and sizeof(void) is 1.
func (p *Parser) basetype(tok lexer.Token) DataType {
	switch tok.Kind {
	case lexer.Int:
		return Int
	case lexer.Char, lexer.Void:
		return Char
	default:
		p.fatal(tok.Line, ErrBadType, tok.Kind.String())
		return 0
	}
}

// datatype consumes the base-type token (or the comma of a declarator list) and any
// following stars, each adding one level of indirection.
func (p *Parser) datatype(base DataType) DataType {
	datatype := base
	for p.advance().Kind == lexer.Mul {
		datatype += Ptr
	}

	return datatype
}

func (p *Parser) checkDuplicate(t *symtab, tok lexer.Token, hash uint32) {
	if t.find(tok.Lexeme, hash) != nil {
		p.fatal(tok.Line, ErrDuplicateSymbol, tok.Lexeme)
	}
}

// parseEnum handles an enum declaration: enum [Id]? { Id [= NUMBER]? , ... } ;
// A counter assigns successive values; an explicit initializer resets it.
func (p *Parser) parseEnum() {
	tok := p.advance()
	if tok.Kind == lexer.Ident {
		tok = p.advance() // the tag is accepted and ignored
	}

	var next int64

	tok = p.expect(lexer.LBrace)
	for tok.Kind != lexer.RBrace {
		p.want(lexer.Ident, tok)

		name := tok.Lexeme
		hash := hashName(name)
		p.checkDuplicate(&p.globals, tok, hash)

		tok = p.advance()
		if tok.Kind == lexer.Assign {
			tok = p.advance()
			if tok.Kind != lexer.Number {
				p.fatal(tok.Line, ErrUnexpectedToken,
					fmt.Sprintf("bad enum initializer: %s", tok.Kind))
			}

			next = p.toInteger(tok)
			tok = p.advance()
		}

		p.globals.add(Symbol{hash: hash, Name: name, Type: Int, Class: EnumConst, Value: next})
		next++

		if tok.Kind == lexer.Comma {
			tok = p.advance()
		}
	}

	p.expect(lexer.RBrace)
	p.expect(lexer.Semicolon)
}

// parseGlobals handles one global declaration list. Each name gets a zero-filled
// word in the data segment; after a comma the pointer depth is re-derived from the
// shared base type.
func (p *Parser) parseGlobals(base, datatype DataType) {
	for {
		tok := p.cur()
		p.want(lexer.Ident, tok)

		name := tok.Lexeme
		hash := hashName(name)
		p.checkDuplicate(&p.globals, tok, hash)

		p.globals.add(Symbol{
			hash:  hash,
			Name:  name,
			Type:  datatype,
			Class: Global,
			Value: int64(len(p.data)),
		})
		p.data = append(p.data, make([]byte, vm.WordSize)...)

		tok = p.advance()

		switch tok.Kind {
		case lexer.Comma:
			datatype = p.datatype(base)
		case lexer.Semicolon:
			p.advance()
			return
		default:
			p.fatal(tok.Line, ErrUnexpectedToken,
				fmt.Sprintf("bad variable declaration: %s", tok.Kind))
		}
	}
}

// parseFunction handles a function definition. The entry address is the index the
// function's ENT will occupy; main's entry is recorded as the image entry point.
func (p *Parser) parseFunction(datatype DataType) {
	tok := p.cur()
	name := tok.Lexeme
	hash := hashName(name)
	entry := len(p.text)

	if name == "main" {
		p.entry = entry
	}

	p.checkDuplicate(&p.globals, tok, hash)
	p.globals.add(Symbol{hash: hash, Name: name, Type: datatype, Class: Func, Value: int64(entry)})

	p.advance()

	bp := p.parseParams()
	p.parseBody(bp)

	p.locals.reset()
}

// parseParams parses the parameter list and returns bp_index, the frame constant
// that converts a parameter ordinal into a LEA offset.
func (p *Parser) parseParams() int64 {
	var count int64

	tok := p.expect(lexer.LParen)
	for tok.Kind != lexer.RParen {
		base := p.basetype(tok)
		datatype := p.datatype(base)

		tok = p.cur()
		p.want(lexer.Ident, tok)

		hash := hashName(tok.Lexeme)
		p.checkDuplicate(&p.locals, tok, hash)
		p.locals.add(Symbol{
			hash:  hash,
			Name:  tok.Lexeme,
			Type:  datatype,
			Class: Local,
			Value: count,
		})
		count++

		tok = p.advance()
		if tok.Kind == lexer.Comma {
			tok = p.advance()
			if tok.Kind == lexer.RParen {
				p.fatal(tok.Line, ErrUnexpectedToken, "parameter expected after comma")
			}
		}
	}

	p.expect(lexer.RParen)

	return count + 1
}

// parseBody parses a function body: local declarations at the head, then
// statements. The ENT immediate is the local count discovered here.
func (p *Parser) parseBody(bp int64) {
	locals := bp

	tok := p.expect(lexer.LBrace)
	for tok.Kind == lexer.Int || tok.Kind == lexer.Char {
		base := p.basetype(tok)

		for tok.Kind != lexer.Semicolon {
			datatype := p.datatype(base)

			tok = p.cur()
			p.want(lexer.Ident, tok)

			hash := hashName(tok.Lexeme)
			p.checkDuplicate(&p.locals, tok, hash)

			locals++
			p.locals.add(Symbol{
				hash:  hash,
				Name:  tok.Lexeme,
				Type:  datatype,
				Class: Local,
				Value: locals,
			})

			tok = p.advance()
			if tok.Kind != lexer.Comma && tok.Kind != lexer.Semicolon {
				p.fatal(tok.Line, ErrUnexpectedToken,
					fmt.Sprintf("bad variable declaration: %s", tok.Kind))
			}
		}

		tok = p.expect(lexer.Semicolon)
	}

	p.emitImm(vm.ENT, locals-bp)

	for tok.Kind != lexer.RBrace {
		p.parseStmt(bp)
		tok = p.cur()
	}

	p.expect(lexer.RBrace)
	p.emit(vm.LEV)
}

// parseStmt parses one statement.
func (p *Parser) parseStmt(bp int64) {
	switch tok := p.cur(); tok.Kind {
	case lexer.If:
		p.advance()
		p.expect(lexer.LParen)
		p.parseExpr(lexer.Assign, bp)
		p.expect(lexer.RParen)

		p.emit(vm.JZ)
		slot := p.hole()

		p.parseStmt(bp)

		if p.cur().Kind == lexer.Else {
			p.advance()
			p.patchTo(slot, len(p.text)+2) // skip the JMP about to be emitted
			p.emit(vm.JMP)
			slot = p.hole()
			p.parseStmt(bp)
		}

		p.patch(slot)

	case lexer.While:
		p.advance()

		top := len(p.text)

		p.expect(lexer.LParen)
		p.parseExpr(lexer.Assign, bp)
		p.expect(lexer.RParen)

		p.emit(vm.JZ)
		slot := p.hole()

		p.parseStmt(bp)

		p.emitImm(vm.JMP, int64(top))
		p.patch(slot)

	case lexer.Return:
		if p.advance().Kind != lexer.Semicolon {
			p.parseExpr(lexer.Assign, bp)
		}

		p.expect(lexer.Semicolon)
		p.emit(vm.LEV)

	case lexer.LBrace:
		tok = p.advance()
		for tok.Kind != lexer.RBrace {
			p.parseStmt(bp)
			tok = p.cur()
		}

		p.expect(lexer.RBrace)

	case lexer.Semicolon:
		p.advance()

	default:
		p.parseExpr(lexer.Assign, bp)
		p.expect(lexer.Semicolon)
	}
}
