package crdt

import (
	"sort"

	"go.uber.org/zap"
)

// entry is one slot of an object or ordered map: the current value, the
// timestamp of its last writer, and a tombstone flag. Tombstones remember
// the deletion timestamp so that older concurrent writes lose the conflict
// check; their footprint is bounded by the set of keys ever written.
type entry struct {
	val  interface{} // primitive or Node
	ts   Timestamp
	dead bool
}

// LiveObject is a string-keyed map of nested nodes or primitives with
// last-writer-wins conflict resolution per key.
type LiveObject struct {
	nodeBase
	entries map[string]*entry
}

// NewObject creates an unattached object. It becomes live once inserted
// into an attached parent (or used as a document root).
func NewObject() *LiveObject {
	return &LiveObject{entries: make(map[string]*entry)}
}

func (o *LiveObject) Kind() NodeKind  { return KindObject }
func (o *LiveObject) base() *nodeBase { return &o.nodeBase }

// Set installs a primitive or an unattached node under key. Writing over a
// nested subtree detaches it; external references to the old subtree
// observe the orphaned state and become inert.
func (o *LiveObject) Set(key string, value interface{}) error {
	if o.orphaned {
		return ErrOrphaned
	}
	if n, ok := value.(Node); ok && n.Attached() {
		return ErrAttached
	}
	if o.doc == nil {
		o.entries[key] = &entry{val: value}
		return nil
	}
	return o.doc.localMutate(o, func(ts Timestamp) (Op, Op, error) {
		sv, err := serializeValue(value)
		if err != nil {
			return Op{}, Op{}, err
		}
		op := Op{ID: ts, Path: o.path, Kind: OpSetField, Key: key, Value: &sv}
		inv := o.inverseForSet(key, ts)
		o.install(key, value, ts)
		return op, inv, nil
	})
}

// Delete tombstones key. Deleting an absent key is a no-op that still
// records the tombstone for the conflict check.
func (o *LiveObject) Delete(key string) error {
	if o.orphaned {
		return ErrOrphaned
	}
	if o.doc == nil {
		delete(o.entries, key)
		return nil
	}
	return o.doc.localMutate(o, func(ts Timestamp) (Op, Op, error) {
		op := Op{ID: ts, Path: o.path, Kind: OpDeleteField, Key: key}
		inv := o.inverseForSet(key, ts)
		o.remove(key, ts)
		return op, inv, nil
	})
}

// Get returns the live value at key: a primitive, a child Node, or false.
func (o *LiveObject) Get(key string) (interface{}, bool) {
	e, ok := o.entries[key]
	if !ok || e.dead {
		return nil, false
	}
	return e.val, true
}

// GetObject returns the child object at key, or nil.
func (o *LiveObject) GetObject(key string) *LiveObject {
	v, _ := o.Get(key)
	child, _ := v.(*LiveObject)
	return child
}

// GetMap returns the child ordered map at key, or nil.
func (o *LiveObject) GetMap(key string) *LiveMap {
	v, _ := o.Get(key)
	child, _ := v.(*LiveMap)
	return child
}

// GetList returns the child list at key, or nil.
func (o *LiveObject) GetList(key string) *LiveList {
	v, _ := o.Get(key)
	child, _ := v.(*LiveList)
	return child
}

// Keys returns the live keys in lexicographic order.
func (o *LiveObject) Keys() []string {
	keys := make([]string, 0, len(o.entries))
	for k, e := range o.entries {
		if !e.dead {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of live keys.
func (o *LiveObject) Len() int {
	n := 0
	for _, e := range o.entries {
		if !e.dead {
			n++
		}
	}
	return n
}

func (o *LiveObject) Serialize() *SerializedNode {
	node := &SerializedNode{Kind: KindObject}
	for _, k := range o.Keys() {
		sv, err := serializeValue(o.entries[k].val)
		if err != nil {
			continue
		}
		node.Data = append(node.Data, SerializedField{Key: k, Value: sv})
	}
	return node
}

// inverseForSet captures the minimal op that restores the current state of
// key; undoTs is a placeholder re-stamped when the inverse is replayed.
func (o *LiveObject) inverseForSet(key string, undoTs Timestamp) Op {
	e, ok := o.entries[key]
	if !ok || e.dead {
		return Op{ID: undoTs, Path: o.path, Kind: OpDeleteField, Key: key}
	}
	sv, err := serializeValue(e.val)
	if err != nil {
		return Op{ID: undoTs, Path: o.path, Kind: OpDeleteField, Key: key}
	}
	return Op{ID: undoTs, Path: o.path, Kind: OpSetField, Key: key, Value: &sv}
}

// install writes value at key with the given timestamp, detaching any
// replaced subtree and attaching a new one.
func (o *LiveObject) install(key string, value interface{}, ts Timestamp) {
	if prev, ok := o.entries[key]; ok {
		if n, ok := prev.val.(Node); ok {
			n.detach()
		}
	}
	if n, ok := value.(Node); ok {
		n.attach(o.doc, o, childPath(o.path, key), ts)
	}
	o.entries[key] = &entry{val: value, ts: ts}
	o.markChanged(o)
}

func (o *LiveObject) remove(key string, ts Timestamp) {
	if prev, ok := o.entries[key]; ok {
		if n, ok := prev.val.(Node); ok {
			n.detach()
		}
	}
	o.entries[key] = &entry{ts: ts, dead: true}
	o.markChanged(o)
}

func (o *LiveObject) applyRemote(op Op) {
	switch op.Kind {
	case OpSetField, OpReplaceSubtree:
		e := o.entries[op.Key]
		if e != nil && !op.ID.After(e.ts) {
			return // shadowed by a younger write
		}
		o.install(op.Key, liveFromSerialized(*op.Value), op.ID)
	case OpDeleteField:
		e := o.entries[op.Key]
		if e != nil && !op.ID.After(e.ts) {
			return
		}
		o.remove(op.Key, op.ID)
	default:
		if o.doc != nil {
			o.doc.log.Warn("dropping op not understood by object node",
				zap.String("kind", string(op.Kind)),
				zap.Strings("path", op.Path))
		}
	}
}

func (o *LiveObject) attach(doc *Document, parent Node, path []string, ts Timestamp) {
	o.attachBase(doc, parent, path, o)
	for k, e := range o.entries {
		if e.ts.IsZero() {
			e.ts = ts
		}
		if n, ok := e.val.(Node); ok && !e.dead {
			n.attach(doc, o, childPath(path, k), ts)
		}
	}
}

func (o *LiveObject) detach() {
	for _, e := range o.entries {
		if n, ok := e.val.(Node); ok {
			n.detach()
		}
	}
	o.detachBase()
}
