package asm

// RegisterAllocator hands out virtual-register operands and tracks which
// ones are free, live, or permanently untouchable. It does not itself
// decide where a virtual register lives (stack slot vs. physical
// register) — that binding happens at emission time in Emitter — it only
// guarantees the allocator-level invariants:
//
//   - GetVirtualRegister never returns the same id twice without an
//     intervening MarkFree.
//   - After MarkUntouchable(r), MarkFree(r) fails with
//     ErrOperandIsUntouchable, and r never reappears from
//     GetVirtualRegister.
//
// Grounded on this project's own RegisterTracker (reserved/in-use/purpose
// bookkeeping), simplified to the handful of virtual slots a single
// obfuscated instruction ever needs live at once.
type RegisterAllocator struct {
	next        uint32
	free        []uint32
	live        map[uint32]bool
	untouchable map[uint32]bool
}

// NewRegisterAllocator creates an empty allocator.
func NewRegisterAllocator() *RegisterAllocator {
	return &RegisterAllocator{
		live:        make(map[uint32]bool),
		untouchable: make(map[uint32]bool),
	}
}

// GetVirtualRegister allocates a fresh or recycled virtual-register
// operand. Recycled ids are preferred over growing the id space, but a
// recycled id is never one that was ever marked untouchable.
func (ra *RegisterAllocator) GetVirtualRegister() Operand {
	for len(ra.free) > 0 {
		id := ra.free[len(ra.free)-1]
		ra.free = ra.free[:len(ra.free)-1]
		if ra.untouchable[id] {
			continue // permanently retired, skip
		}
		ra.live[id] = true
		return virtualRegister(id)
	}
	id := ra.next
	ra.next++
	ra.live[id] = true
	return virtualRegister(id)
}

// MarkFree releases op back to the pool, making its id eligible for
// reuse by a later GetVirtualRegister call. Returns ErrInvalidOperand if
// op is not a virtual register, ErrOperandIsUntouchable if it was
// previously marked untouchable.
func (ra *RegisterAllocator) MarkFree(op Operand) Error {
	if op.Kind() != KindVirtualRegister {
		return ErrInvalidOperand
	}
	id := op.VirtualID()
	if ra.untouchable[id] {
		return ErrOperandIsUntouchable
	}
	delete(ra.live, id)
	ra.free = append(ra.free, id)
	return ErrNone
}

// MarkUntouchable permanently retires op: it will never again be
// returned by GetVirtualRegister, and any later MarkFree on it fails.
func (ra *RegisterAllocator) MarkUntouchable(op Operand) Error {
	if op.Kind() != KindVirtualRegister {
		return ErrInvalidOperand
	}
	ra.untouchable[op.VirtualID()] = true
	delete(ra.live, op.VirtualID())
	return ErrNone
}

// IsLive reports whether op is currently allocated (neither freed nor
// untouchable).
func (ra *RegisterAllocator) IsLive(op Operand) bool {
	return op.Kind() == KindVirtualRegister && ra.live[op.VirtualID()]
}
