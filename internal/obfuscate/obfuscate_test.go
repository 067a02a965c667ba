package obfuscate

import (
	"testing"

	"github.com/xyproto/veil/internal/asm"
	"github.com/xyproto/veil/internal/exprtree"
	"github.com/xyproto/veil/internal/rng"
)

// TestMutateSizeNeverShrinks covers the obfuscation-size property: after
// any number of mutation rounds, the tree never has fewer nodes than it
// started with.
func TestMutateSizeNeverShrinks(t *testing.T) {
	src := rng.NewSeeded(1)
	for trial := 0; trial < 20; trial++ {
		tree := NewBinary(exprtree.OpXor, asm.Reg("rax"), asm.Reg("rbx"))
		before := tree.Size()
		Mutate(tree, src, src.Intn(64))
		if tree.Size() < before {
			t.Fatalf("trial %d: tree shrank from %d to %d nodes", trial, before, tree.Size())
		}
	}
}

// TestMutateIsBounded checks the practical growth cap never produces an
// unusably large tree even at the high end of K.
func TestMutateIsBounded(t *testing.T) {
	src := rng.NewSeeded(2)
	tree := NewBinary(exprtree.OpSub, asm.Reg("rax"), asm.Reg("rbx"))
	Mutate(tree, src, 255)
	if tree.Size() > maxNodes+8 {
		t.Fatalf("tree grew past the documented cap: %d nodes", tree.Size())
	}
}

// TestRewriteGrowsTree spot-checks that a mutation round on each
// rewritable op actually grows the tree at least sometimes across many
// seeds (the rewrite table always has more nodes than the identity
// choice it competes with: identity re-allocates the one interior node,
// so a round that keeps it leaves the arena at exactly 4 nodes).
func TestRewriteGrowsTree(t *testing.T) {
	ops := []exprtree.Op{exprtree.OpOr, exprtree.OpXor, exprtree.OpSum, exprtree.OpSub}
	for _, op := range ops {
		grew := false
		for seed := int64(0); seed < 50; seed++ {
			tree := NewBinary(op, asm.Reg("rax"), asm.Reg("rbx"))
			Mutate(tree, rng.NewSeeded(seed), 1)
			if tree.Size() > 4 {
				grew = true
				break
			}
		}
		if !grew {
			t.Fatalf("%s: no seed in range produced the alternate rewrite", op)
		}
	}
}
