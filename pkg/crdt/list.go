package crdt

import (
	"sort"

	"go.uber.org/zap"
)

// listEntry is one element of a LiveList. Elements are ordered by
// (position key, insertion timestamp): two replicas inserting between the
// same neighbours generate the same fractional key and are then ordered by
// who inserted, which keeps all replicas convergent. The insertion
// timestamp is the element's identity for its whole lifetime; deletes and
// moves address it, and moves reassign only the position key.
type listEntry struct {
	pos  string
	ins  Timestamp
	val  interface{} // primitive or Node
	ts   Timestamp   // last writer of the element value
	mov  Timestamp   // last writer of the position key
	dead bool
}

// LiveList is a positional sequence over dense fractional keys. Iteration
// skips tombstones.
type LiveList struct {
	nodeBase
	elems []*listEntry
}

// NewList creates an unattached list.
func NewList() *LiveList { return &LiveList{} }

func (l *LiveList) Kind() NodeKind  { return KindOrderedList }
func (l *LiveList) base() *nodeBase { return &l.nodeBase }

// visible returns indices of live elements in order.
func (l *LiveList) visible() []int {
	out := make([]int, 0, len(l.elems))
	for i, e := range l.elems {
		if !e.dead {
			out = append(out, i)
		}
	}
	return out
}

// Len returns the number of live elements.
func (l *LiveList) Len() int { return len(l.visible()) }

// Get returns the live value at index.
func (l *LiveList) Get(index int) (interface{}, bool) {
	vis := l.visible()
	if index < 0 || index >= len(vis) {
		return nil, false
	}
	return l.elems[vis[index]].val, true
}

// Values returns the live values in order.
func (l *LiveList) Values() []interface{} {
	vis := l.visible()
	out := make([]interface{}, len(vis))
	for i, idx := range vis {
		out[i] = l.elems[idx].val
	}
	return out
}

// Push appends value at the end of the list.
func (l *LiveList) Push(value interface{}) error {
	return l.Insert(l.Len(), value)
}

// Insert places value so that it lands at the given visible index. The
// assigned position key is strictly between the current neighbours, so the
// element stays put under concurrent edits elsewhere in the list.
func (l *LiveList) Insert(index int, value interface{}) error {
	if l.orphaned {
		return ErrOrphaned
	}
	if n, ok := value.(Node); ok && n.Attached() {
		return ErrAttached
	}
	if l.doc == nil {
		return l.insertUnattached(index, value)
	}
	return l.doc.localMutate(l, func(ts Timestamp) (Op, Op, error) {
		left, right := l.neighbours(index)
		pos, err := PosBetween(left, right)
		if err != nil {
			return Op{}, Op{}, err
		}
		sv, err := serializeValue(value)
		if err != nil {
			return Op{}, Op{}, err
		}
		op := Op{ID: ts, Path: l.path, Kind: OpListInsert, Pos: pos, Value: &sv}
		inv := Op{ID: ts, Path: l.path, Kind: OpListDelete, Pos: pos, Elem: ts}
		l.installElem(pos, ts, value, ts)
		return op, inv, nil
	})
}

// Delete tombstones the element at the given visible index.
func (l *LiveList) Delete(index int) error {
	if l.orphaned {
		return ErrOrphaned
	}
	if l.doc == nil {
		vis := l.visible()
		if index < 0 || index >= len(vis) {
			return ErrPathNotFound
		}
		l.elems = append(l.elems[:vis[index]], l.elems[vis[index]+1:]...)
		return nil
	}
	return l.doc.localMutate(l, func(ts Timestamp) (Op, Op, error) {
		vis := l.visible()
		if index < 0 || index >= len(vis) {
			return Op{}, Op{}, ErrPathNotFound
		}
		e := l.elems[vis[index]]
		sv, err := serializeValue(e.val)
		if err != nil {
			return Op{}, Op{}, err
		}
		op := Op{ID: ts, Path: l.path, Kind: OpListDelete, Pos: e.pos, Elem: e.ins}
		inv := Op{ID: ts, Path: l.path, Kind: OpListInsert, Pos: e.pos, Value: &sv}
		l.removeElem(e)
		return op, inv, nil
	})
}

// Move relocates the live element at from so it lands at visible index to.
// The element keeps its identity; concurrent moves of the same element
// resolve to the latest writer.
func (l *LiveList) Move(from, to int) error {
	if l.orphaned {
		return ErrOrphaned
	}
	if l.doc == nil {
		return ErrPathNotFound
	}
	return l.doc.localMutate(l, func(ts Timestamp) (Op, Op, error) {
		vis := l.visible()
		if from < 0 || from >= len(vis) || to < 0 || to >= len(vis) {
			return Op{}, Op{}, ErrPathNotFound
		}
		e := l.elems[vis[from]]
		left, right := l.neighboursExcluding(to, e)
		newPos, err := PosBetween(left, right)
		if err != nil {
			return Op{}, Op{}, err
		}
		op := Op{ID: ts, Path: l.path, Kind: OpListMove, Pos: e.pos, Elem: e.ins, NewPos: newPos}
		inv := Op{ID: ts, Path: l.path, Kind: OpListMove, Pos: newPos, Elem: e.ins, NewPos: e.pos}
		l.reposition(e, newPos, ts)
		return op, inv, nil
	})
}

func (l *LiveList) insertUnattached(index int, value interface{}) error {
	if index < 0 || index > len(l.elems) {
		return ErrPathNotFound
	}
	left, right := l.neighbours(index)
	pos, err := PosBetween(left, right)
	if err != nil {
		return err
	}
	e := &listEntry{pos: pos, val: value}
	idx := l.insertIdx(e)
	l.elems = append(l.elems, nil)
	copy(l.elems[idx+1:], l.elems[idx:])
	l.elems[idx] = e
	return nil
}

// neighbours returns the position keys bracketing a visible index for an
// insert; the empty string stands for the virtual head or tail.
func (l *LiveList) neighbours(index int) (left, right string) {
	vis := l.visible()
	if index > 0 && index-1 < len(vis) {
		left = l.elems[vis[index-1]].pos
	}
	if index < len(vis) {
		right = l.elems[vis[index]].pos
	}
	return left, right
}

// neighboursExcluding computes bracket positions for a move target as if
// the moving element were already removed.
func (l *LiveList) neighboursExcluding(index int, moving *listEntry) (left, right string) {
	var vis []*listEntry
	for _, e := range l.elems {
		if !e.dead && e != moving {
			vis = append(vis, e)
		}
	}
	if index > 0 && index-1 < len(vis) {
		left = vis[index-1].pos
	}
	if index < len(vis) {
		right = vis[index].pos
	}
	return left, right
}

// insertIdx returns the sorted slot for e by (pos, ins).
func (l *LiveList) insertIdx(e *listEntry) int {
	return sort.Search(len(l.elems), func(i int) bool {
		o := l.elems[i]
		if o == nil {
			return true
		}
		if o.pos != e.pos {
			return o.pos > e.pos
		}
		return e.ins.Before(o.ins)
	})
}

func (l *LiveList) installElem(pos string, ins Timestamp, value interface{}, ts Timestamp) {
	e := &listEntry{pos: pos, ins: ins, val: value, ts: ts, mov: ins}
	idx := l.insertIdx(e)
	l.elems = append(l.elems, nil)
	copy(l.elems[idx+1:], l.elems[idx:])
	l.elems[idx] = e
	if n, ok := value.(Node); ok {
		n.attach(l.doc, l, childPath(l.path, pos), ts)
	}
	l.markChanged(l)
}

func (l *LiveList) removeElem(e *listEntry) {
	if n, ok := e.val.(Node); ok {
		n.detach()
	}
	e.dead = true
	l.markChanged(l)
}

// reposition reassigns e's position key and re-sorts it into place. A
// nested node is re-registered under its new path.
func (l *LiveList) reposition(e *listEntry, newPos string, ts Timestamp) {
	n, isNode := e.val.(Node)
	if isNode {
		n.detach()
	}
	for i, o := range l.elems {
		if o == e {
			l.elems = append(l.elems[:i], l.elems[i+1:]...)
			break
		}
	}
	e.pos = newPos
	e.mov = ts
	idx := l.insertIdx(e)
	l.elems = append(l.elems, nil)
	copy(l.elems[idx+1:], l.elems[idx:])
	l.elems[idx] = e
	if isNode {
		n.attach(l.doc, l, childPath(l.path, newPos), ts)
	}
	l.markChanged(l)
}

// inverseFor computes the op that reverts op against current list state.
func (l *LiveList) inverseFor(op Op) (Op, bool) {
	switch op.Kind {
	case OpListInsert:
		return Op{ID: op.ID, Path: l.path, Kind: OpListDelete, Pos: op.Pos, Elem: op.ID}, true
	case OpListDelete:
		e := l.find(op.Pos, op.Elem)
		if e == nil || e.dead {
			return Op{}, false
		}
		sv, err := serializeValue(e.val)
		if err != nil {
			return Op{}, false
		}
		return Op{ID: op.ID, Path: l.path, Kind: OpListInsert, Pos: e.pos, Value: &sv}, true
	case OpListMove:
		e := l.find(op.Pos, op.Elem)
		if e == nil || e.dead {
			return Op{}, false
		}
		return Op{ID: op.ID, Path: l.path, Kind: OpListMove, Pos: op.NewPos, Elem: op.Elem, NewPos: e.pos}, true
	}
	return Op{}, false
}

// find locates an element by its insertion identity, which stays valid
// across moves. A zero identity falls back to matching the position key.
func (l *LiveList) find(pos string, elem Timestamp) *listEntry {
	for _, e := range l.elems {
		if !elem.IsZero() {
			if e.ins == elem {
				return e
			}
			continue
		}
		if e.pos == pos {
			return e
		}
	}
	return nil
}

func (l *LiveList) applyRemote(op Op) {
	switch op.Kind {
	case OpListInsert:
		if existing := l.find(op.Pos, op.ID); existing != nil && existing.ins == op.ID {
			return // duplicate delivery
		}
		l.installElem(op.Pos, op.ID, liveFromSerialized(*op.Value), op.ID)
	case OpListDelete:
		e := l.find(op.Pos, op.Elem)
		if e == nil || e.dead {
			return
		}
		l.removeElem(e)
	case OpListMove:
		e := l.find(op.Pos, op.Elem)
		if e == nil || e.dead || !op.ID.After(e.mov) {
			return
		}
		l.reposition(e, op.NewPos, op.ID)
	case OpReplaceSubtree:
		e := l.find(op.Pos, op.Elem)
		if e == nil || e.dead || !op.ID.After(e.ts) {
			return
		}
		if n, ok := e.val.(Node); ok {
			n.detach()
		}
		e.val = liveFromSerialized(*op.Value)
		e.ts = op.ID
		if n, ok := e.val.(Node); ok {
			n.attach(l.doc, l, childPath(l.path, e.pos), op.ID)
		}
		l.markChanged(l)
	default:
		if l.doc != nil {
			l.doc.log.Warn("dropping op not understood by list node",
				zap.String("kind", string(op.Kind)),
				zap.Strings("path", op.Path))
		}
	}
}

func (l *LiveList) Serialize() *SerializedNode {
	node := &SerializedNode{Kind: KindOrderedList, Items: []SerializedValue{}}
	for _, e := range l.elems {
		if e.dead {
			continue
		}
		sv, err := serializeValue(e.val)
		if err != nil {
			continue
		}
		node.Items = append(node.Items, sv)
	}
	return node
}

func (l *LiveList) attach(doc *Document, parent Node, path []string, ts Timestamp) {
	l.attachBase(doc, parent, path, l)
	for _, e := range l.elems {
		if e.ts.IsZero() {
			e.ts = ts
		}
		if e.ins.IsZero() {
			e.ins = ts
		}
		if n, ok := e.val.(Node); ok && !e.dead {
			n.attach(doc, l, childPath(path, e.pos), ts)
		}
	}
}

func (l *LiveList) detach() {
	for _, e := range l.elems {
		if n, ok := e.val.(Node); ok {
			n.detach()
		}
	}
	l.detachBase()
}
