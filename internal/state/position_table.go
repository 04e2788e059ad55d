package state

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// PositionTable stores a market's positions in a slot arena. Freed slots
// are reused so steady-state churn does not allocate per trader.
// Not thread-safe; the owning market lock guards it.
type PositionTable struct {
	slots []Position
	used  []bool
	index map[uuid.UUID]int32
	free  []int32
}

func NewPositionTable(capacity int) *PositionTable {
	return &PositionTable{
		slots: make([]Position, 0, capacity),
		used:  make([]bool, 0, capacity),
		index: make(map[uuid.UUID]int32, capacity),
	}
}

// Get returns a copy of the trader's position.
func (t *PositionTable) Get(trader uuid.UUID) (Position, bool) {
	slot, ok := t.index[trader]
	if !ok {
		return Position{}, false
	}
	return t.slots[slot], true
}

// Put inserts or replaces the trader's position. A zero-size position is
// removed instead.
func (t *PositionTable) Put(pos Position) {
	if pos.Size == 0 {
		t.Delete(pos.Trader)
		return
	}

	if slot, ok := t.index[pos.Trader]; ok {
		t.slots[slot] = pos
		return
	}

	var slot int32
	if n := len(t.free); n > 0 {
		slot = t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[slot] = pos
		t.used[slot] = true
	} else {
		slot = int32(len(t.slots))
		t.slots = append(t.slots, pos)
		t.used = append(t.used, true)
	}
	t.index[pos.Trader] = slot
}

// Delete removes the trader's position. Returns false if none existed.
func (t *PositionTable) Delete(trader uuid.UUID) bool {
	slot, ok := t.index[trader]
	if !ok {
		return false
	}
	delete(t.index, trader)
	t.slots[slot] = Position{}
	t.used[slot] = false
	t.free = append(t.free, slot)
	return true
}

// Len returns the number of open positions.
func (t *PositionTable) Len() int {
	return len(t.index)
}

// Range calls fn for every open position until fn returns false.
// Iteration order is slot order.
func (t *PositionTable) Range(fn func(Position) bool) {
	for i := range t.slots {
		if !t.used[i] {
			continue
		}
		if !fn(t.slots[i]) {
			return
		}
	}
}

// All returns copies of every open position ordered by trader id.
func (t *PositionTable) All() []Position {
	out := make([]Position, 0, len(t.index))
	t.Range(func(p Position) bool {
		out = append(out, p)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Trader[:], out[j].Trader[:]) < 0
	})
	return out
}
