// Package vm executes compiled images on a stack machine.
//
// The machine runs a fetch-decode-dispatch loop over the code arena. Jump and call
// immediates are indices into the arena; data pointers held by the guest are byte
// addresses into a single flat Memory holding the data segment, the heap and the
// stack. Host facilities (files, console output, memory allocation) are reached
// through dedicated system-call opcodes.
package vm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/patricklaux/mcc/internal/log"
)

var (
	// ErrNoMain is returned when an image has no entry point.
	ErrNoMain = errors.New("main function is not defined")

	// ErrDivideByZero is a runtime fault raised by DIV and MOD.
	ErrDivideByZero = errors.New("divide by zero")
)

// Default memory geometry. The stack occupies the top of the address space.
const (
	DefaultMemorySize = 1 << 20
	DefaultStackSize  = 256 * 1024
)

// Machine is the virtual machine.
type Machine struct {
	PC  int   // index of the next instruction
	RBP int64 // frame base pointer, a byte address
	RSP int64 // stack pointer, grows downward
	RAX int64 // accumulator

	text   []int64
	mem    *Memory
	cycle  int64
	result int64
	halted bool

	out    io.Writer // guest program output
	trace  io.Writer // per-instruction trace, nil when off
	stdin  io.Reader
	files  map[int64]*os.File
	nextFD int64

	log *log.Logger
}

// An OptionFn adjusts the machine during initialization.
type OptionFn func(*Machine)

// WithOutput directs guest program output (PRTF, the exit banner) to w.
func WithOutput(w io.Writer) OptionFn {
	return func(m *Machine) { m.out = w }
}

// WithTrace enables the per-instruction trace on w.
func WithTrace(w io.Writer) OptionFn {
	return func(m *Machine) { m.trace = w }
}

// WithInput supplies the reader behind guest file descriptor 0.
func WithInput(r io.Reader) OptionFn {
	return func(m *Machine) { m.stdin = r }
}

// WithLogger configures the machine's diagnostic logger.
func WithLogger(l *log.Logger) OptionFn {
	return func(m *Machine) { m.log = l }
}

// New initializes a machine for an image. The args become the guest's argc/argv:
// the argv array of addresses and then each string are allocated on the guest
// heap. A two-word PUSH/EXIT sink is appended to the code arena and
// pushed as main's return address, so returning from main terminates the machine
// with main's value.
func New(img *Image, args []string, opts ...OptionFn) (*Machine, error) {
	if img.Entry < 0 || img.Entry >= len(img.Text) {
		return nil, ErrNoMain
	}

	if Opcode(img.Text[img.Entry]) != ENT {
		return nil, fmt.Errorf("entry %d: %w", img.Entry, ErrNoMain)
	}

	mem, err := NewMemory(DefaultMemorySize, DefaultStackSize, img.Data)
	if err != nil {
		return nil, err
	}

	text := make([]int64, len(img.Text), len(img.Text)+2)
	copy(text, img.Text)

	sink := len(text)
	text = append(text, int64(PUSH), int64(EXIT))

	m := &Machine{
		PC:     img.Entry,
		RSP:    mem.Size(),
		text:   text,
		mem:    mem,
		out:    os.Stdout,
		stdin:  os.Stdin,
		files:  make(map[int64]*os.File),
		nextFD: 3,
		log:    log.DefaultLogger(),
	}

	for _, fn := range opts {
		fn(m)
	}

	argv, err := m.writeArgs(args)
	if err != nil {
		return nil, err
	}

	// Bootstrap frame: argc and argv are main's parameters; the sink is the fake
	// return address.
	if err := m.push(int64(len(args))); err != nil {
		return nil, err
	}

	if err := m.push(argv); err != nil {
		return nil, err
	}

	if err := m.push(int64(sink)); err != nil {
		return nil, err
	}

	return m, nil
}

// writeArgs copies the argument strings into guest memory and returns the address
// of the argv array, or zero when there are no arguments.
func (m *Machine) writeArgs(args []string) (int64, error) {
	if len(args) == 0 {
		return 0, nil
	}

	argv, err := m.mem.Alloc(int64(len(args)) * WordSize)
	if err != nil {
		return 0, err
	}

	for i, arg := range args {
		addr, err := m.mem.Alloc(int64(len(arg)) + 1)
		if err != nil {
			return 0, err
		}

		buf, err := m.mem.Bytes(addr, int64(len(arg)))
		if err != nil {
			return 0, err
		}

		copy(buf, arg)

		if err := m.mem.StoreWord(argv+int64(i)*WordSize, addr); err != nil {
			return 0, err
		}
	}

	return argv, nil
}

// Cycles returns the number of instructions executed so far.
func (m *Machine) Cycles() int64 {
	return m.cycle
}

func (m *Machine) String() string {
	return fmt.Sprintf("PC: %d RBP: %#x RSP: %#x RAX: %d", m.PC, m.RBP, m.RSP, m.RAX)
}

func (m *Machine) LogValue() log.Value {
	return log.GroupValue(
		log.Int("PC", m.PC),
		log.Int64("RBP", m.RBP),
		log.Int64("RSP", m.RSP),
		log.Int64("RAX", m.RAX),
		log.Int64("CYCLE", m.cycle),
	)
}

// Run executes the machine until the guest exits or a runtime fault occurs. It
// returns the guest's result value.
func (m *Machine) Run(ctx context.Context) (int64, error) {
	m.log.Debug("START", log.Any("STATE", m))

	defer m.closeFiles()

	for !m.halted {
		select {
		case <-ctx.Done():
			m.log.Warn("CANCELLED")
			return -1, ctx.Err()
		default:
		}

		if err := m.Step(); err != nil {
			m.log.Error("FAULT", "ERR", err, log.Any("STATE", m))
			return -1, err
		}
	}

	m.log.Debug("HALTED", log.Any("STATE", m))

	return m.result, nil
}

func (m *Machine) push(v int64) error {
	m.RSP -= WordSize
	return m.mem.StoreWord(m.RSP, v)
}

func (m *Machine) pop() (int64, error) {
	v, err := m.mem.LoadWord(m.RSP)
	if err != nil {
		return 0, err
	}

	m.RSP += WordSize

	return v, nil
}

// Step executes a single instruction.
func (m *Machine) Step() error {
	if m.halted {
		return nil
	}

	if m.PC < 0 || m.PC >= len(m.text) {
		return fmt.Errorf("code fault: pc=%d", m.PC)
	}

	op := Opcode(m.text[m.PC])
	m.PC++
	m.cycle++

	if m.trace != nil {
		if op.HasOperand() && m.PC < len(m.text) {
			fmt.Fprintf(m.trace, "%d> %-4s %d\n", m.cycle, op, m.text[m.PC])
		} else {
			fmt.Fprintf(m.trace, "%d> %-4s\n", m.cycle, op)
		}
	}

	var imm int64

	if op.HasOperand() {
		if m.PC >= len(m.text) {
			return fmt.Errorf("code fault: truncated %s at pc=%d", op, m.PC-1)
		}

		imm = m.text[m.PC]
		m.PC++
	}

	switch op {
	case IMM:
		m.RAX = imm
	case LEA:
		m.RAX = m.RBP + imm*WordSize
	case LI:
		v, err := m.mem.LoadWord(m.RAX)
		if err != nil {
			return err
		}

		m.RAX = v
	case LC:
		v, err := m.mem.LoadByte(m.RAX)
		if err != nil {
			return err
		}

		m.RAX = v
	case SI:
		addr, err := m.pop()
		if err != nil {
			return err
		}

		if err := m.mem.StoreWord(addr, m.RAX); err != nil {
			return err
		}
	case SC:
		addr, err := m.pop()
		if err != nil {
			return err
		}

		if err := m.mem.StoreByte(addr, m.RAX); err != nil {
			return err
		}

		m.RAX = int64(byte(m.RAX))
	case PUSH:
		if err := m.push(m.RAX); err != nil {
			return err
		}
	case JMP:
		m.PC = int(imm)
	case JZ:
		if m.RAX == 0 {
			m.PC = int(imm)
		}
	case JNZ:
		if m.RAX != 0 {
			m.PC = int(imm)
		}
	case JSR:
		if err := m.push(int64(m.PC)); err != nil {
			return err
		}

		m.PC = int(imm)
	case ENT:
		if err := m.push(m.RBP); err != nil {
			return err
		}

		m.RBP = m.RSP
		m.RSP -= imm * WordSize
	case ADJ:
		m.RSP += imm * WordSize
	case LEV:
		m.RSP = m.RBP

		rbp, err := m.pop()
		if err != nil {
			return err
		}

		ret, err := m.pop()
		if err != nil {
			return err
		}

		m.RBP = rbp
		m.PC = int(ret)
	case OR, XOR, AND, EQ, NE, LT, GT, LE, GE, SHL, SHR, ADD, SUB, MUL, DIV, MOD:
		lhs, err := m.pop()
		if err != nil {
			return err
		}

		v, err := binop(op, lhs, m.RAX)
		if err != nil {
			return err
		}

		m.RAX = v
	case OPEN, READ, CLOS, PRTF, MALC, MSET, MCMP:
		if err := m.syscall(op); err != nil {
			return err
		}
	case EXIT:
		v, err := m.mem.LoadWord(m.RSP)
		if err != nil {
			return err
		}

		fmt.Fprintf(m.out, "exit(%d) cycle = %d\n", v, m.cycle)
		m.result = v
		m.halted = true
	default:
		fmt.Fprintf(m.out, "unknown instruction:%d\n", int64(op))
		m.result = -1
		m.halted = true
	}

	return nil
}

// binop applies a binary arithmetic or logic opcode. The left operand is the popped
// stack word, the right operand is RAX.
func binop(op Opcode, a, b int64) (int64, error) {
	switch op {
	case OR:
		return a | b, nil
	case XOR:
		return a ^ b, nil
	case AND:
		return a & b, nil
	case EQ:
		return btoi(a == b), nil
	case NE:
		return btoi(a != b), nil
	case LT:
		return btoi(a < b), nil
	case GT:
		return btoi(a > b), nil
	case LE:
		return btoi(a <= b), nil
	case GE:
		return btoi(a >= b), nil
	case SHL:
		return a << uint64(b), nil
	case SHR:
		return a >> uint64(b), nil
	case ADD:
		return a + b, nil
	case SUB:
		return a - b, nil
	case MUL:
		return a * b, nil
	case DIV:
		if b == 0 {
			return 0, ErrDivideByZero
		}

		return a / b, nil
	case MOD:
		if b == 0 {
			return 0, ErrDivideByZero
		}

		return a % b, nil
	}

	return 0, fmt.Errorf("not a binary opcode: %s", op)
}

func btoi(b bool) int64 {
	if b {
		return 1
	}

	return 0
}

func (m *Machine) closeFiles() {
	for fd, f := range m.files {
		_ = f.Close()
		delete(m.files, fd)
	}
}
