//go:build !windows

package obfuscate

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/exprtree"
	"github.com/xyproto/veil/internal/rng"
)

func execBuffer(t *testing.T, code []byte) (uintptr, func()) {
	t.Helper()
	mem, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	copy(mem, code)
	addr := uintptr(unsafe.Pointer(&mem[0]))
	return addr, func() { unix.Munmap(mem) }
}

func callUint32Uint32(addr uintptr, a, b uint32) uint32
func callUint32(addr uintptr, a uint32) uint32

func jitBinary(t *testing.T, build func(e *asm.Emitter)) uintptr {
	t.Helper()
	e := asm.NewEmitter()
	build(e)
	e.Ret()
	if err := e.Code.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	addr, cleanup := execBuffer(t, e.Code.Bytes())
	t.Cleanup(cleanup)
	return addr
}

func applyPlain(op exprtree.Op, a, b uint32) uint32 {
	switch op {
	case exprtree.OpAnd:
		return a & b
	case exprtree.OpOr:
		return a | b
	case exprtree.OpXor:
		return a ^ b
	case exprtree.OpSum:
		return a + b
	case exprtree.OpSub:
		return a - b
	default:
		panic("unhandled op")
	}
}

// TestJITObfuscatedEquivalence is spec.md §8's "Obfuscated XOR
// equivalence" scenario, generalized to and/or/xor/sum/sub: build the
// plain instruction and an obfuscated expansion of it, JIT both, and
// check they compute the same result for representative 32-bit inputs.
func TestJITObfuscatedEquivalence(t *testing.T) {
	ops := []exprtree.Op{exprtree.OpAnd, exprtree.OpOr, exprtree.OpXor, exprtree.OpSum, exprtree.OpSub}
	inputs := [][2]uint32{
		{0xDEADBEEF, 0x12345678},
		{0, 0},
		{0xFFFFFFFF, 1},
		{0x80000000, 0x7FFFFFFF},
	}

	for _, op := range ops {
		plainAddr := jitBinary(t, func(e *asm.Emitter) {
			e.MovRegToReg(asm.Reg("rax"), asm.Reg("rdi"))
			switch op {
			case exprtree.OpAnd:
				e.AndRegToReg(asm.Reg("rax"), asm.Reg("rsi"))
			case exprtree.OpOr:
				e.OrRegToReg(asm.Reg("rax"), asm.Reg("rsi"))
			case exprtree.OpXor:
				e.XorRegToReg(asm.Reg("rax"), asm.Reg("rsi"))
			case exprtree.OpSum:
				e.AddRegToReg(asm.Reg("rax"), asm.Reg("rsi"))
			case exprtree.OpSub:
				e.SubRegToReg(asm.Reg("rax"), asm.Reg("rsi"))
			}
		})

		for seed, in := range inputs {
			obfAddr := jitBinary(t, func(e *asm.Emitter) {
				e.MovRegToReg(asm.Reg("rax"), asm.Reg("rdi"))
				tree := NewBinary(op, asm.Reg("rax"), asm.Reg("rsi"))
				src := rng.NewSeeded(int64(seed) + 1)
				Mutate(tree, src, src.Intn(40))
				if err := Linearize(tree, e, asm.Reg("rax")); err != asm.ErrNone {
					t.Fatalf("%s linearize: %v", op, err)
				}
			})

			want := applyPlain(op, in[0], in[1])
			gotPlain := callUint32Uint32(plainAddr, in[0], in[1])
			gotObf := callUint32Uint32(obfAddr, in[0], in[1])
			if gotPlain != want {
				t.Fatalf("%s: plain emitter disagreed with oracle: got 0x%x want 0x%x", op, gotPlain, want)
			}
			if gotObf != want {
				t.Fatalf("%s: obfuscated expansion disagreed with oracle for (0x%x,0x%x): got 0x%x want 0x%x", op, in[0], in[1], gotObf, want)
			}
		}
	}
}

// TestJITObfuscatedNotEquivalence covers the unary `not` op, which has
// no rewrite table entry and always takes the identity path.
func TestJITObfuscatedNotEquivalence(t *testing.T) {
	addr := jitBinary(t, func(e *asm.Emitter) {
		e.MovRegToReg(asm.Reg("rax"), asm.Reg("rdi"))
		tree := NewUnary(exprtree.OpNot, asm.Reg("rax"))
		src := rng.NewSeeded(7)
		Mutate(tree, src, src.Intn(40))
		if err := Linearize(tree, e, asm.Reg("rax")); err != asm.ErrNone {
			t.Fatalf("not linearize: %v", err)
		}
	})

	for _, a := range []uint32{0xDEADBEEF, 0, 0xFFFFFFFF} {
		got := callUint32(addr, a)
		if want := ^a; got != want {
			t.Fatalf("not: got 0x%x want 0x%x", got, want)
		}
	}
}
