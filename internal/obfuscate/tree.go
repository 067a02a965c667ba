// Package obfuscate wraps internal/asm's plain emitter with the two
// finalize-time passes spec.md's Obfuscating Code Emitter names:
// FuncObfPass (expand every not/and/or/xor/add/sub into a randomized,
// semantically-equivalent expression tree) and NopPass (sprinkle single-
// byte nops). Grounded on this project's own optimizer.go tree-rewrite
// passes, generalized from "simplify" rewrites to "expand" rewrites, and
// on internal/exprtree's arena-indexed tree.
package obfuscate

import (
	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/exprtree"
	"github.com/xyproto/veil/internal/rng"
)

// Leaf is one operand at a tree's fringe: either an original instruction
// operand (a register, most commonly) or the literal 2 the xor/sum/sub
// rewrites introduce via their mul(2, ...) subtrees.
type Leaf struct {
	Operand asm.Operand
}

// Tree is an obfuscation expression tree over Leaf operands.
type Tree = exprtree.Tree[Leaf]

// maxNodes caps how large a single instruction's expanded tree may grow.
// Mutating every node on every one of up to 255 traversals (spec.md's
// K ∈ [0,255]) is exponential if taken completely literally; once a
// tree reaches this size, further traversals fall back to the identity
// rewrite at every node, which is already one of the legal per-node
// choices and never shrinks a tree or changes its computed value — so
// this cap doesn't affect the obfuscation-equivalence or
// obfuscation-size Testable Properties, only how far size growth runs.
const maxNodes = 2048

// NewBinary builds the one-node starting tree for a binary instruction
// (and/or/xor/add/sub): a single interior node over two leaves wrapping
// the instruction's original operands.
func NewBinary(op exprtree.Op, a, b asm.Operand) *Tree {
	t := exprtree.New[Leaf]()
	la := t.Leaf(Leaf{a})
	lb := t.Leaf(Leaf{b})
	t.SetRoot(t.Node(op, la, lb))
	return t
}

// NewUnary builds the one-node starting tree for `not`.
func NewUnary(op exprtree.Op, a asm.Operand) *Tree {
	t := exprtree.New[Leaf]()
	la := t.Leaf(Leaf{a})
	t.SetRoot(t.Node(op, la))
	return t
}

// Mutate applies k post-order mutation traversals to t. Each traversal
// rebuilds the tree bottom-up: every interior node it visits is either
// kept as-is (the "simple" rewrite) or replaced per the FuncObfPass
// table below, chosen uniformly at random — the identity option is
// always one of the choices, exactly as spec.md describes.
func Mutate(t *Tree, src *rng.Source, k int) {
	for i := 0; i < k; i++ {
		if t.Size() >= maxNodes {
			return
		}
		t.SetRoot(mutateOnce(t, t.Root(), src))
	}
}

func mutateOnce(t *Tree, idx uint32, src *rng.Source) uint32 {
	if t.IsLeaf(idx) {
		return idx
	}
	children := t.Children(idx)
	newChildren := make([]uint32, len(children))
	for i, c := range children {
		newChildren[i] = mutateOnce(t, c, src)
	}
	return rewrite(t, t.Op(idx), newChildren, src)
}

// rewrite applies spec.md §4.4's rewrite table for op over the already
// recursively mutated children:
//
//	or(a,b)  → sum(xor(a,b), and(a,b))
//	xor(a,b) → sub(sum(a,b), mul(2, and(a,b)))
//	sum(a,b) → sum(xor(a,b), mul(2, and(a,b)))
//	sub(a,b) → sub(xor(a,b), mul(2, and(not(a), b)))
//
// `not` has no applicable rewrite (the table names none), so it always
// takes the identity choice.
func rewrite(t *Tree, op exprtree.Op, children []uint32, src *rng.Source) uint32 {
	identity := func() uint32 { return t.Node(op, children...) }

	var alt func() uint32
	switch op {
	case exprtree.OpOr:
		a, b := children[0], children[1]
		alt = func() uint32 {
			return t.Node(exprtree.OpSum, t.Node(exprtree.OpXor, a, b), t.Node(exprtree.OpAnd, a, b))
		}
	case exprtree.OpXor:
		a, b := children[0], children[1]
		alt = func() uint32 {
			return t.Node(exprtree.OpSub, t.Node(exprtree.OpSum, a, b), mulByTwo(t, t.Node(exprtree.OpAnd, a, b)))
		}
	case exprtree.OpSum:
		a, b := children[0], children[1]
		alt = func() uint32 {
			return t.Node(exprtree.OpSum, t.Node(exprtree.OpXor, a, b), mulByTwo(t, t.Node(exprtree.OpAnd, a, b)))
		}
	case exprtree.OpSub:
		a, b := children[0], children[1]
		alt = func() uint32 {
			notA := t.Node(exprtree.OpNot, a)
			return t.Node(exprtree.OpSub, t.Node(exprtree.OpXor, a, b), mulByTwo(t, t.Node(exprtree.OpAnd, notA, b)))
		}
	default:
		return identity()
	}

	if src.Bool(1, 2) {
		return alt()
	}
	return identity()
}

// mulByTwo wraps idx in an OpMul node against a fresh leaf holding the
// immediate 2, matching the rewrite table's mul(2, ...) subtrees.
func mulByTwo(t *Tree, idx uint32) uint32 {
	two := t.Leaf(Leaf{asm.Imm(2)})
	return t.Node(exprtree.OpMul, two, idx)
}
