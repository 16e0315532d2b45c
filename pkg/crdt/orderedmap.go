package crdt

import (
	"go.uber.org/zap"
)

// LiveMap is a string-keyed map whose keys are enumerable in a stable
// order: the insertion order as recorded by the smallest Lamport timestamp
// ever associated with each key. Conflict resolution per key is the same
// last-writer-wins rule as LiveObject.
type LiveMap struct {
	nodeBase
	entries map[string]*entry
	order   []string             // all keys ever seen, in canonical order
	firstTS map[string]Timestamp // smallest ts ever associated with key
}

// NewMap creates an unattached ordered map.
func NewMap() *LiveMap {
	return &LiveMap{
		entries: make(map[string]*entry),
		firstTS: make(map[string]Timestamp),
	}
}

func (m *LiveMap) Kind() NodeKind  { return KindOrderedMap }
func (m *LiveMap) base() *nodeBase { return &m.nodeBase }

// Set installs a primitive or unattached node under key.
func (m *LiveMap) Set(key string, value interface{}) error {
	if m.orphaned {
		return ErrOrphaned
	}
	if n, ok := value.(Node); ok && n.Attached() {
		return ErrAttached
	}
	if m.doc == nil {
		m.entries[key] = &entry{val: value}
		m.place(key, Timestamp{})
		return nil
	}
	return m.doc.localMutate(m, func(ts Timestamp) (Op, Op, error) {
		sv, err := serializeValue(value)
		if err != nil {
			return Op{}, Op{}, err
		}
		op := Op{ID: ts, Path: m.path, Kind: OpMapSet, Key: key, Value: &sv}
		inv := m.inverseForSet(key, ts)
		m.install(key, value, ts)
		return op, inv, nil
	})
}

// Delete tombstones key.
func (m *LiveMap) Delete(key string) error {
	if m.orphaned {
		return ErrOrphaned
	}
	if m.doc == nil {
		delete(m.entries, key)
		return nil
	}
	return m.doc.localMutate(m, func(ts Timestamp) (Op, Op, error) {
		op := Op{ID: ts, Path: m.path, Kind: OpMapDelete, Key: key}
		inv := m.inverseForSet(key, ts)
		m.remove(key, ts)
		return op, inv, nil
	})
}

// Get returns the live value at key.
func (m *LiveMap) Get(key string) (interface{}, bool) {
	e, ok := m.entries[key]
	if !ok || e.dead {
		return nil, false
	}
	return e.val, true
}

// Keys returns live keys in canonical insertion order.
func (m *LiveMap) Keys() []string {
	keys := make([]string, 0, len(m.order))
	for _, k := range m.order {
		if e, ok := m.entries[k]; ok && !e.dead {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of live keys.
func (m *LiveMap) Len() int { return len(m.Keys()) }

func (m *LiveMap) Serialize() *SerializedNode {
	node := &SerializedNode{Kind: KindOrderedMap}
	for _, k := range m.Keys() {
		sv, err := serializeValue(m.entries[k].val)
		if err != nil {
			continue
		}
		node.Data = append(node.Data, SerializedField{Key: k, Value: sv})
	}
	return node
}

// place records key's canonical position: before the first key whose
// smallest-ever timestamp is younger. Keys loaded from a snapshot share the
// zero timestamp and keep their declared order.
func (m *LiveMap) place(key string, ts Timestamp) {
	if first, seen := m.firstTS[key]; seen {
		if ts.Before(first) {
			m.firstTS[key] = ts
			m.reorder(key)
		}
		return
	}
	m.firstTS[key] = ts
	idx := len(m.order)
	for i, k := range m.order {
		if ts.Before(m.firstTS[k]) {
			idx = i
			break
		}
	}
	m.order = append(m.order, "")
	copy(m.order[idx+1:], m.order[idx:])
	m.order[idx] = key
}

func (m *LiveMap) reorder(moved string) {
	out := m.order[:0]
	for _, k := range m.order {
		if k != moved {
			out = append(out, k)
		}
	}
	m.order = out
	ts := m.firstTS[moved]
	idx := len(m.order)
	for i, k := range m.order {
		if ts.Before(m.firstTS[k]) {
			idx = i
			break
		}
	}
	m.order = append(m.order, "")
	copy(m.order[idx+1:], m.order[idx:])
	m.order[idx] = moved
}

func (m *LiveMap) inverseForSet(key string, undoTs Timestamp) Op {
	e, ok := m.entries[key]
	if !ok || e.dead {
		return Op{ID: undoTs, Path: m.path, Kind: OpMapDelete, Key: key}
	}
	sv, err := serializeValue(e.val)
	if err != nil {
		return Op{ID: undoTs, Path: m.path, Kind: OpMapDelete, Key: key}
	}
	return Op{ID: undoTs, Path: m.path, Kind: OpMapSet, Key: key, Value: &sv}
}

func (m *LiveMap) install(key string, value interface{}, ts Timestamp) {
	if prev, ok := m.entries[key]; ok {
		if n, ok := prev.val.(Node); ok {
			n.detach()
		}
	}
	if n, ok := value.(Node); ok {
		n.attach(m.doc, m, childPath(m.path, key), ts)
	}
	m.entries[key] = &entry{val: value, ts: ts}
	m.place(key, ts)
	m.markChanged(m)
}

func (m *LiveMap) remove(key string, ts Timestamp) {
	if prev, ok := m.entries[key]; ok {
		if n, ok := prev.val.(Node); ok {
			n.detach()
		}
	}
	m.entries[key] = &entry{ts: ts, dead: true}
	m.place(key, ts)
	m.markChanged(m)
}

func (m *LiveMap) applyRemote(op Op) {
	switch op.Kind {
	case OpMapSet, OpReplaceSubtree:
		e := m.entries[op.Key]
		if e != nil && !op.ID.After(e.ts) {
			return
		}
		m.install(op.Key, liveFromSerialized(*op.Value), op.ID)
	case OpMapDelete:
		e := m.entries[op.Key]
		if e != nil && !op.ID.After(e.ts) {
			return
		}
		m.remove(op.Key, op.ID)
	default:
		if m.doc != nil {
			m.doc.log.Warn("dropping op not understood by map node",
				zap.String("kind", string(op.Kind)),
				zap.Strings("path", op.Path))
		}
	}
}

func (m *LiveMap) attach(doc *Document, parent Node, path []string, ts Timestamp) {
	m.attachBase(doc, parent, path, m)
	for _, k := range m.order {
		e := m.entries[k]
		if e == nil {
			continue
		}
		if e.ts.IsZero() {
			e.ts = ts
		}
		if n, ok := e.val.(Node); ok && !e.dead {
			n.attach(doc, m, childPath(path, k), ts)
		}
	}
}

func (m *LiveMap) detach() {
	for _, e := range m.entries {
		if n, ok := e.val.(Node); ok {
			n.detach()
		}
	}
	m.detachBase()
}
