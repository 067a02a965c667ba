package exprtree

import "testing"

func TestLeafTreePostOrder(t *testing.T) {
	tr := NewFromLeaf(5)
	order := tr.PostOrder()
	if len(order) != 1 || tr.LeafValue(order[0]) != 5 {
		t.Fatalf("unexpected post-order for single leaf: %v", order)
	}
}

func TestNodeArityMismatchPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic on arity mismatch")
		}
	}()
	tr := New[int]()
	a := tr.Leaf(1)
	tr.Node(OpAnd, a) // OpAnd needs 2 children
}

func TestPostOrderOrdering(t *testing.T) {
	tr := New[string]()
	a := tr.Leaf("a")
	b := tr.Leaf("b")
	xorNode := tr.Node(OpXor, a, b)
	andNode := tr.Node(OpAnd, a, b)
	sum := tr.Node(OpSum, xorNode, andNode)
	tr.SetRoot(sum)

	order := tr.PostOrder()
	if len(order) != 5 {
		t.Fatalf("expected 5 nodes visited, got %d", len(order))
	}
	if order[len(order)-1] != sum {
		t.Fatalf("root must be visited last in post-order, got %v", order)
	}
	// xorNode and andNode must both appear before sum.
	pos := map[uint32]int{}
	for i, idx := range order {
		pos[idx] = i
	}
	if pos[xorNode] >= pos[sum] || pos[andNode] >= pos[sum] {
		t.Fatalf("children must precede parent in post-order")
	}
}

func TestSizeGrowsWithAllocations(t *testing.T) {
	tr := New[int]()
	if tr.Size() != 0 {
		t.Fatalf("expected empty arena")
	}
	tr.Leaf(1)
	tr.Leaf(2)
	if tr.Size() != 2 {
		t.Fatalf("expected 2 nodes, got %d", tr.Size())
	}
}
