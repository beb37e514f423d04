package vm

// syscall.go implements the host system calls. Arguments were pushed left to right
// by the caller, so argument i counts words up from RSP in reverse push order.

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
)

// arg reads the i-th word above the stack pointer.
func (m *Machine) arg(i int64) (int64, error) {
	return m.mem.LoadWord(m.RSP + i*WordSize)
}

func (m *Machine) syscall(op Opcode) error {
	switch op {
	case OPEN:
		return m.sysOpen()
	case READ:
		return m.sysRead()
	case CLOS:
		return m.sysClose()
	case PRTF:
		return m.sysPrintf()
	case MALC:
		return m.sysMalloc()
	case MSET:
		return m.sysMemset()
	case MCMP:
		return m.sysMemcmp()
	}

	return fmt.Errorf("not a system call: %s", op)
}

func (m *Machine) sysOpen() error {
	pathAddr, err := m.arg(1)
	if err != nil {
		return err
	}

	flags, err := m.arg(0)
	if err != nil {
		return err
	}

	path, err := m.mem.CString(pathAddr)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, int(flags), 0o644)
	if err != nil {
		m.RAX = -1
		return nil
	}

	fd := m.nextFD
	m.nextFD++
	m.files[fd] = f
	m.RAX = fd

	return nil
}

func (m *Machine) sysRead() error {
	fd, err := m.arg(2)
	if err != nil {
		return err
	}

	bufAddr, err := m.arg(1)
	if err != nil {
		return err
	}

	n, err := m.arg(0)
	if err != nil {
		return err
	}

	buf, err := m.mem.Bytes(bufAddr, n)
	if err != nil {
		return err
	}

	var r io.Reader

	switch {
	case fd == 0:
		r = m.stdin
	case m.files[fd] != nil:
		r = m.files[fd]
	default:
		m.RAX = -1
		return nil
	}

	read, err := r.Read(buf)
	if err != nil && err != io.EOF {
		m.RAX = -1
		return nil
	}

	m.RAX = int64(read)

	return nil
}

func (m *Machine) sysClose() error {
	fd, err := m.arg(0)
	if err != nil {
		return err
	}

	f, ok := m.files[fd]
	if !ok {
		m.RAX = -1
		return nil
	}

	delete(m.files, fd)

	if err := f.Close(); err != nil {
		m.RAX = -1
		return nil
	}

	m.RAX = 0

	return nil
}

// sysPrintf handles the variadic PRTF call. The compiler always follows PRTF with an
// ADJ carrying the pushed word count, so the count is read from the immediate of the
// next instruction: PC points at the ADJ opcode, its immediate is one past it.
func (m *Machine) sysPrintf() error {
	if m.PC+1 >= len(m.text) || Opcode(m.text[m.PC]) != ADJ {
		return fmt.Errorf("PRTF not followed by ADJ at pc=%d", m.PC)
	}

	count := m.text[m.PC+1]

	formatAddr, err := m.arg(count - 1)
	if err != nil {
		return err
	}

	format, err := m.mem.CString(formatAddr)
	if err != nil {
		return err
	}

	args := make([]int64, 0, count-1)

	for i := count - 2; i >= 0; i-- {
		v, err := m.arg(i)
		if err != nil {
			return err
		}

		args = append(args, v)
	}

	text, err := m.format(format, args)
	if err != nil {
		return err
	}

	n, err := m.out.Write([]byte(text))
	if err != nil {
		return err
	}

	m.RAX = int64(n)

	return nil
}

// format interprets a guest printf format string. Verbs d, i, u, x, X, c, s and %%
// are supported, with flag/width passthrough; the l length modifiers are accepted
// and ignored. A missing argument formats as zero.
func (m *Machine) format(format string, args []int64) (string, error) {
	var (
		out  strings.Builder
		next int
	)

	pop := func() int64 {
		if next >= len(args) {
			return 0
		}

		v := args[next]
		next++

		return v
	}

	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' {
			out.WriteByte(c)
			continue
		}

		spec := bytes.NewBufferString("%")

		i++
		for i < len(format) && strings.IndexByte("-+ 0123456789.", format[i]) >= 0 {
			spec.WriteByte(format[i])
			i++
		}

		for i < len(format) && format[i] == 'l' {
			i++
		}

		if i >= len(format) {
			out.WriteString(spec.String())
			break
		}

		switch verb := format[i]; verb {
		case 'd', 'i', 'u':
			spec.WriteByte('d')
			fmt.Fprintf(&out, spec.String(), pop())
		case 'x', 'X':
			spec.WriteByte(verb)
			fmt.Fprintf(&out, spec.String(), pop())
		case 'c':
			spec.WriteByte('c')
			fmt.Fprintf(&out, spec.String(), rune(pop()))
		case 's':
			s, err := m.mem.CString(pop())
			if err != nil {
				return "", err
			}

			spec.WriteByte('s')
			fmt.Fprintf(&out, spec.String(), s)
		case '%':
			out.WriteByte('%')
		default:
			// Unknown verb: emit it literally.
			spec.WriteByte(verb)
			out.WriteString(spec.String())
		}
	}

	return out.String(), nil
}

func (m *Machine) sysMalloc() error {
	n, err := m.arg(0)
	if err != nil {
		return err
	}

	addr, err := m.mem.Alloc(n)
	if err != nil {
		// Heap exhaustion reads as a failed malloc, not a machine fault.
		m.RAX = 0
		return nil
	}

	m.RAX = addr

	return nil
}

func (m *Machine) sysMemset() error {
	ptr, err := m.arg(2)
	if err != nil {
		return err
	}

	c, err := m.arg(1)
	if err != nil {
		return err
	}

	n, err := m.arg(0)
	if err != nil {
		return err
	}

	buf, err := m.mem.Bytes(ptr, n)
	if err != nil {
		return err
	}

	for i := range buf {
		buf[i] = byte(c)
	}

	m.RAX = ptr

	return nil
}

func (m *Machine) sysMemcmp() error {
	a, err := m.arg(2)
	if err != nil {
		return err
	}

	b, err := m.arg(1)
	if err != nil {
		return err
	}

	n, err := m.arg(0)
	if err != nil {
		return err
	}

	ab, err := m.mem.Bytes(a, n)
	if err != nil {
		return err
	}

	bb, err := m.mem.Bytes(b, n)
	if err != nil {
		return err
	}

	m.RAX = 0

	for i := int64(0); i < n; i++ {
		if ab[i] != bb[i] {
			m.RAX = int64(ab[i]) - int64(bb[i])
			break
		}
	}

	return nil
}
