package parser

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patricklaux/mcc/internal/lexer"
	"github.com/patricklaux/mcc/internal/vm"
)

// compile lexes and parses a source snippet.
func compile(t *testing.T, src string, opts ...Option) *vm.Image {
	t.Helper()

	img, err := tryCompile(src, opts...)
	require.NoError(t, err)

	return img
}

func tryCompile(src string, opts ...Option) (*vm.Image, error) {
	tokens, err := lexer.Scan([]byte(src))
	if err != nil {
		return nil, err
	}

	return New(tokens, opts...).Parse()
}

// text builds the expected code arena from opcodes and immediates.
func text(words ...int64) []int64 {
	return words
}

func op(o vm.Opcode) int64 {
	return int64(o)
}

func TestEmptyFunction(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { return 0; }")

	assert.Equal(t, 0, img.Entry)
	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 0,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestEntryWithoutMain(t *testing.T) {
	t.Parallel()

	img := compile(t, "int f() { return 0; }")
	assert.Equal(t, vm.NoEntry, img.Entry)
}

func TestLocalFrameOffsets(t *testing.T) {
	t.Parallel()

	// No parameters: bp_index is 1, so the first local sits at LEA -1.
	img := compile(t, "int f() { int x; x = 3; return x; }")

	assert.Equal(t, text(
		op(vm.ENT), 1,
		op(vm.LEA), -1,
		op(vm.PUSH),
		op(vm.IMM), 3,
		op(vm.SI),
		op(vm.LEA), -1,
		op(vm.LI),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestParameterOffsets(t *testing.T) {
	t.Parallel()

	// Two parameters: bp_index is 3; the first argument is the deepest.
	img := compile(t, "int add(int a, int b) { return a + b; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 3,
		op(vm.LI),
		op(vm.PUSH),
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.ADD),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestGlobalOffsets(t *testing.T) {
	t.Parallel()

	// Globals get one zeroed word each, starting past the reserved null word.
	img := compile(t, "int a, b; int main() { a = 1; b = 2; return b; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), vm.DataOrigin,
		op(vm.PUSH),
		op(vm.IMM), 1,
		op(vm.SI),
		op(vm.IMM), vm.DataOrigin+vm.WordSize,
		op(vm.PUSH),
		op(vm.IMM), 2,
		op(vm.SI),
		op(vm.IMM), vm.DataOrigin+vm.WordSize,
		op(vm.LI),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)

	assert.Len(t, img.Data, vm.DataOrigin+2*vm.WordSize)
}

func TestEnumConstants(t *testing.T) {
	t.Parallel()

	img := compile(t, "enum { A, B = 8, C }; int main() { return C; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 9,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestEnumWithTag(t *testing.T) {
	t.Parallel()

	img := compile(t, "enum Color { Red, Green }; int main() { return Green; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 1,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestIfElseEmission(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { if (1) return 2; else return 3; return 0; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 1,
		op(vm.JZ), 11, // over the then branch and the JMP
		op(vm.IMM), 2,
		op(vm.LEV),
		op(vm.JMP), 14,
		op(vm.IMM), 3,
		op(vm.LEV),
		op(vm.IMM), 0,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestWhileEmission(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { while (1) ; return 0; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 1,
		op(vm.JZ), 8,
		op(vm.JMP), 2, // back to the condition
		op(vm.IMM), 0,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestTernaryEmission(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { return 1 ? 2 : 3; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 1,
		op(vm.JZ), 10,
		op(vm.IMM), 2,
		op(vm.JMP), 12,
		op(vm.IMM), 3,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestAddressOfDereferenceCancels(t *testing.T) {
	t.Parallel()

	// &*p drops the load emitted by *, leaving p's own value and type.
	img := compile(t, "int *f(int *p) { return &*p; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestPointerDifference(t *testing.T) {
	t.Parallel()

	// Same-type pointer subtraction divides the byte distance by the word size.
	img := compile(t, "int f(int *p, int *q) { return p - q; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 3,
		op(vm.LI),
		op(vm.PUSH),
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.SUB),
		op(vm.PUSH),
		op(vm.IMM), vm.WordSize,
		op(vm.DIV),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestPointerMinusInteger(t *testing.T) {
	t.Parallel()

	// Pointer minus integer scales the integer and stays a pointer.
	img := compile(t, "int *f(int *p) { return p - 2; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.PUSH),
		op(vm.IMM), 2,
		op(vm.PUSH),
		op(vm.IMM), vm.WordSize,
		op(vm.MUL),
		op(vm.SUB),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestCharPointerIndexingIsUnscaled(t *testing.T) {
	t.Parallel()

	img := compile(t, "char f(char *s) { return s[1]; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.PUSH),
		op(vm.IMM), 1,
		op(vm.ADD),
		op(vm.LC),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestWordPointerIndexingScales(t *testing.T) {
	t.Parallel()

	img := compile(t, "int f(int *p) { return p[1]; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.PUSH),
		op(vm.IMM), 1,
		op(vm.PUSH),
		op(vm.IMM), vm.WordSize,
		op(vm.MUL),
		op(vm.ADD),
		op(vm.LI),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestSizeof(t *testing.T) {
	t.Parallel()

	cases := []struct {
		src  string
		want int64
	}{
		{"int main() { return sizeof(char); }", 1},
		{"int main() { return sizeof(void); }", 1}, // void is char internally
		{"int main() { return sizeof(int); }", vm.WordSize},
		{"int main() { return sizeof(char *); }", vm.WordSize},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.src, func(t *testing.T) {
			t.Parallel()

			img := compile(t, tc.src)
			assert.Equal(t, text(
				op(vm.ENT), 0,
				op(vm.IMM), tc.want,
				op(vm.LEV),
				op(vm.LEV),
			), img.Text)
		})
	}
}

func TestStringLiteral(t *testing.T) {
	t.Parallel()

	img := compile(t, `int main() { printf("hi\n"); return 0; }`)

	// The literal is interned at the start of the data segment, past the null word.
	require.GreaterOrEqual(t, len(img.Data), vm.DataOrigin+vm.WordSize)
	assert.Equal(t, byte('h'), img.Data[vm.DataOrigin])
	assert.Equal(t, byte('i'), img.Data[vm.DataOrigin+1])
	assert.Equal(t, byte('\n'), img.Data[vm.DataOrigin+2])
	assert.Equal(t, byte(0), img.Data[vm.DataOrigin+3])
	assert.Zero(t, len(img.Data)%vm.WordSize, "data segment is word aligned")

	// The call pushes the address, invokes PRTF and always pops with ADJ.
	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), vm.DataOrigin,
		op(vm.PUSH),
		op(vm.PRTF),
		op(vm.ADJ), 1,
		op(vm.IMM), 0,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestPrintfAlwaysFollowedByAdj(t *testing.T) {
	t.Parallel()

	// Even a zero-argument printf keeps its ADJ so the machine can locate the
	// variadic count.
	img := compile(t, "int main() { printf(); return 0; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.PRTF),
		op(vm.ADJ), 0,
		op(vm.IMM), 0,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestCallEmission(t *testing.T) {
	t.Parallel()

	img := compile(t, "int f(int a) { return a; } int main() { return f(7); }")

	assert.Equal(t, text(
		// f at index 0
		op(vm.ENT), 0,
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.LEV),
		op(vm.LEV),
		// main at index 7
		op(vm.ENT), 0,
		op(vm.IMM), 7,
		op(vm.PUSH),
		op(vm.JSR), 0,
		op(vm.ADJ), 1,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
	assert.Equal(t, 7, img.Entry)
}

func TestShortCircuitEmission(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { return 0 && 1; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 0,
		op(vm.JZ), 8, // skips the right operand entirely
		op(vm.IMM), 1,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestPostfixIncrementEmission(t *testing.T) {
	t.Parallel()

	img := compile(t, "int f() { int x; return x++; }")

	assert.Equal(t, text(
		op(vm.ENT), 1,
		op(vm.LEA), -1,
		op(vm.PUSH),
		op(vm.LI),
		op(vm.PUSH),
		op(vm.IMM), 1,
		op(vm.ADD),
		op(vm.SI),
		op(vm.PUSH),
		op(vm.IMM), 1,
		op(vm.SUB),
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestListing(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	_ = compile(t, "int main() {\n  return 0;\n}", WithListing(&buf))

	listing := buf.String()
	assert.Contains(t, listing, "ENT")
	assert.Contains(t, listing, "IMM 0")
	assert.Contains(t, listing, "LEV")

	// Groups are introduced by source line numbers.
	assert.True(t, strings.Contains(listing, "2:\n"), "listing groups by line: %q", listing)
}

func TestCompileErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		src  string
		want error
	}{
		{"duplicate global", "int a; int a; int main() { return 0; }", ErrDuplicateSymbol},
		{"duplicate enum", "enum { A, A }; int main() { return 0; }", ErrDuplicateSymbol},
		{"duplicate local", "int main() { int x; int x; return 0; }", ErrDuplicateSymbol},
		{"undefined variable", "int main() { return x; }", ErrUndefined},
		{"undefined function", "int main() { return f(); }", ErrUndefined},
		{"assign to rvalue", "int main() { 3 = 4; return 0; }", ErrBadLvalue},
		{"address of rvalue", "int main() { return &7; }", ErrBadLvalue},
		{"increment rvalue", "int main() { return ++3; }", ErrBadLvalue},
		{"deref non-pointer", "int main() { int x; return *x; }", ErrNotPointer},
		{"index non-pointer", "int main() { int x; return x[0]; }", ErrNotPointer},
		{"unsupported type", "float f; int main() { return 0; }", ErrBadType},
		{"float literal", "int main() { return 1.5; }", ErrBadNumber},
		{"missing semicolon", "int main() { return 0 }", ErrUnexpectedToken},
		{"stray token", "int main() { return 0; } )", ErrBadType},
		{"unterminated body", "int main() { return 0;", ErrBadExpression},
	}

	for _, tc := range cases {
		tc := tc

		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			_, err := tryCompile(tc.src)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)

			var ce *CompileError
			require.ErrorAs(t, err, &ce)
			assert.Greater(t, ce.Line, 0)
		})
	}
}

func TestLeadingZeroIsDecimal(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { return 010; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 10, // not octal 8
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestHexLiteral(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { return 0x1f; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), 31,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestNegativeLiteralFolds(t *testing.T) {
	t.Parallel()

	img := compile(t, "int main() { return -5; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.IMM), -5,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}

func TestCastEmission(t *testing.T) {
	t.Parallel()

	// A cast changes the tracked type without emitting anything; the following
	// store goes through SC because the target type is char.
	img := compile(t, "int f(char *s, int c) { *s = (char) c; return 0; }")

	assert.Equal(t, text(
		op(vm.ENT), 0,
		op(vm.LEA), 3,
		op(vm.LI),
		op(vm.PUSH),
		op(vm.LEA), 2,
		op(vm.LI),
		op(vm.SC),
		op(vm.IMM), 0,
		op(vm.LEV),
		op(vm.LEV),
	), img.Text)
}
