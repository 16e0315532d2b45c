package crdt

// historyLimit caps the undo stack; the oldest entry is dropped when a new
// batch pushes past it.
const historyLimit = 128

// History holds the undo and redo stacks. Each entry is a batch of inverse
// ops, stored in application order. A fresh local mutation invalidates the
// redo stack.
type History struct {
	undo  [][]Op
	redo  [][]Op
	limit int
}

// NewHistory returns a history bounded to limit entries per stack.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = historyLimit
	}
	return &History{limit: limit}
}

// Push records the inverse batch of a new local mutation and clears redo.
func (h *History) Push(batch []Op) {
	if len(batch) == 0 {
		return
	}
	h.redo = nil
	h.pushUndo(batch)
}

// PushUndo records a batch on the undo stack without touching redo; used
// when a redo step produces its own counter-batch.
func (h *History) PushUndo(batch []Op) {
	if len(batch) == 0 {
		return
	}
	h.pushUndo(batch)
}

// PushRedo records the counter-batch captured during an undo step.
func (h *History) PushRedo(batch []Op) {
	if len(batch) == 0 {
		return
	}
	h.redo = append(h.redo, batch)
}

func (h *History) pushUndo(batch []Op) {
	h.undo = append(h.undo, batch)
	if len(h.undo) > h.limit {
		h.undo = h.undo[1:]
	}
}

// PopUndo removes and returns the newest undo batch, or nil.
func (h *History) PopUndo() []Op {
	if len(h.undo) == 0 {
		return nil
	}
	b := h.undo[len(h.undo)-1]
	h.undo = h.undo[:len(h.undo)-1]
	return b
}

// PopRedo removes and returns the newest redo batch, or nil.
func (h *History) PopRedo() []Op {
	if len(h.redo) == 0 {
		return nil
	}
	b := h.redo[len(h.redo)-1]
	h.redo = h.redo[:len(h.redo)-1]
	return b
}

// CanUndo reports whether an undo batch is available.
func (h *History) CanUndo() bool { return len(h.undo) > 0 }

// CanRedo reports whether a redo batch is available.
func (h *History) CanRedo() bool { return len(h.redo) > 0 }

// Clear drops both stacks.
func (h *History) Clear() {
	h.undo = nil
	h.redo = nil
}
