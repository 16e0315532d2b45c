package crdt

import (
	"go.uber.org/zap"
)

// Document owns one replica of the tree: the Lamport clock, the root
// object, the path registry and the undo history. All methods must be
// called from a single goroutine; callers that share a document across
// goroutines serialize access themselves (the room runtime does this with
// its own lock).
//
// Local mutations emit operation batches through the OnOps sink; remote
// batches enter through ApplyRemote. Both paths end in a single
// notification flush, so subscribers observe each batch exactly once.
type Document struct {
	clock    *Clock
	root     *LiveObject
	registry map[string]Node
	history  *History
	log      *zap.Logger

	onOps func([]Op)

	// mutation scope state
	inScope   bool
	scopeOps  []Op
	scopeInv  []Op
	notifying bool
	pending   map[Node]struct{}
}

// NewDocument creates an empty document for the given actor.
func NewDocument(actor string, logger *zap.Logger) *Document {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Document{
		clock:    NewClock(actor, logger),
		registry: make(map[string]Node),
		history:  NewHistory(historyLimit),
		log:      logger,
		pending:  make(map[Node]struct{}),
	}
	d.root = NewObject()
	d.root.attach(d, nil, []string{}, Timestamp{})
	return d
}

// Root returns the document's root object.
func (d *Document) Root() *LiveObject { return d.root }

// Actor returns the replica identity stamped into local operations.
func (d *Document) Actor() string { return d.clock.Actor() }

// SetOnOps installs the sink that receives each local operation batch as
// it commits. Batches produced by undo and redo flow through the same sink.
func (d *Document) SetOnOps(fn func([]Op)) { d.onOps = fn }

func (d *Document) register(path []string, n Node)  { d.registry[pathKey(path)] = n }
func (d *Document) unregister(path []string)        { delete(d.registry, pathKey(path)) }
func (d *Document) locate(path []string) (Node, bool) {
	n, ok := d.registry[pathKey(path)]
	return n, ok
}

func (d *Document) noteChange(n Node) { d.pending[n] = struct{}{} }

// localMutate runs one container mutation: it ticks the clock, lets the
// container build its forward and inverse ops, and accumulates both into
// the current scope. Outside an explicit Mutate scope the single op commits
// immediately.
func (d *Document) localMutate(container Node, build func(ts Timestamp) (Op, Op, error)) error {
	if d.notifying {
		return ErrReentrantMutation
	}
	ts := d.clock.Tick()
	op, inv, err := build(ts)
	if err != nil {
		return err
	}
	if d.inScope {
		d.scopeOps = append(d.scopeOps, op)
		d.scopeInv = append([]Op{inv}, d.scopeInv...)
		return nil
	}
	if d.onOps != nil {
		d.onOps([]Op{op})
	}
	d.history.Push([]Op{inv})
	d.flush()
	return nil
}

// Mutate runs fn as one atomic batch: every mutation inside becomes a
// single emitted op batch, a single history entry, and a single subscriber
// flush. If fn returns an error the batch is rolled back and nothing is
// emitted. Nested calls flatten into the outer scope.
func (d *Document) Mutate(fn func() error) error {
	if d.notifying {
		return ErrReentrantMutation
	}
	if d.inScope {
		return fn()
	}
	d.inScope = true
	d.scopeOps = nil
	d.scopeInv = nil
	err := fn()
	d.inScope = false
	if err != nil {
		d.rollback(d.scopeInv)
		d.scopeOps, d.scopeInv = nil, nil
		d.flush()
		return err
	}
	if len(d.scopeOps) > 0 {
		if d.onOps != nil {
			d.onOps(d.scopeOps)
		}
		d.history.Push(d.scopeInv)
	}
	d.scopeOps, d.scopeInv = nil, nil
	d.flush()
	return nil
}

// rollback replays inverse ops with fresh timestamps so they beat the
// writes being undone. Rollback batches are never emitted; the forward ops
// they cancel were never emitted either.
func (d *Document) rollback(invs []Op) {
	for _, inv := range invs {
		inv.ID = d.clock.Tick()
		d.applyOne(inv)
	}
}

// ApplyRemote integrates a batch from another replica. Each op advances the
// clock past the sender's timestamp before it is applied, so later local
// writes are ordered after everything seen. Ops addressing a path no longer
// in the tree are dropped; the subtree they targeted lost a concurrent
// conflict.
func (d *Document) ApplyRemote(ops []Op) error {
	if d.notifying || d.inScope {
		return ErrReentrantMutation
	}
	for _, op := range ops {
		if err := op.Validate(); err != nil {
			d.log.Warn("rejecting malformed op", zap.Error(err))
			continue
		}
		d.clock.Witness(op.ID)
		d.applyOne(op)
	}
	d.flush()
	return nil
}

func (d *Document) applyOne(op Op) {
	n, ok := d.locate(op.Path)
	if !ok {
		d.log.Debug("op target gone, dropping",
			zap.Strings("path", op.Path),
			zap.String("kind", string(op.Kind)))
		return
	}
	n.applyRemote(op)
}

// CanUndo reports whether an undo step is available.
func (d *Document) CanUndo() bool { return d.history.CanUndo() }

// CanRedo reports whether a redo step is available.
func (d *Document) CanRedo() bool { return d.history.CanRedo() }

// Undo reverses the most recent local batch. The inverse ops are
// re-stamped with fresh timestamps so they win against the state they
// revert, applied, and emitted through the OnOps sink like any local
// batch. The redo entry is captured from live state just before each
// inverse lands, so redo restores exactly what undo displaced.
func (d *Document) Undo() bool { return d.step(true) }

// Redo re-applies the most recently undone batch.
func (d *Document) Redo() bool { return d.step(false) }

func (d *Document) step(undo bool) bool {
	if d.notifying || d.inScope {
		return false
	}
	var batch []Op
	if undo {
		batch = d.history.PopUndo()
	} else {
		batch = d.history.PopRedo()
	}
	if batch == nil {
		return false
	}
	counter := make([]Op, 0, len(batch))
	applied := make([]Op, 0, len(batch))
	for _, op := range batch {
		op.ID = d.clock.Tick()
		if inv, ok := d.inverseOf(op); ok {
			counter = append([]Op{inv}, counter...)
		}
		d.applyOne(op)
		applied = append(applied, op)
	}
	if undo {
		d.history.PushRedo(counter)
	} else {
		d.history.PushUndo(counter)
	}
	if d.onOps != nil && len(applied) > 0 {
		d.onOps(applied)
	}
	d.flush()
	return true
}

// inverseOf computes the op that reverts op against current state. The ID
// is the replayed op's own timestamp; it is re-stamped again if the
// counter-batch is itself replayed.
func (d *Document) inverseOf(op Op) (Op, bool) {
	n, ok := d.locate(op.Path)
	if !ok {
		return Op{}, false
	}
	switch t := n.(type) {
	case *LiveObject:
		return t.inverseForSet(op.Key, op.ID), true
	case *LiveMap:
		return t.inverseForSet(op.Key, op.ID), true
	case *LiveList:
		return t.inverseFor(op)
	}
	return Op{}, false
}

// Serialize renders the whole tree.
func (d *Document) Serialize() *SerializedNode { return d.root.Serialize() }

// Reset replaces the tree with the given snapshot, clears the history and
// rewinds the clock. Existing node handles become orphaned. Snapshot
// entries carry the zero timestamp, so any real op seen afterwards wins
// over snapshot state.
func (d *Document) Reset(sn *SerializedNode) {
	d.root.detach()
	d.registry = make(map[string]Node)
	d.history.Clear()
	d.clock.Reset()
	var next *LiveObject
	if sn != nil {
		if o, ok := nodeFromSerialized(sn).(*LiveObject); ok {
			next = o
		}
	}
	if next == nil {
		next = NewObject()
	}
	d.root = next
	d.root.attach(d, nil, []string{}, Timestamp{})
	d.flush()
}

// flush delivers one notification round: every changed node's own
// subscribers fire once, and deep subscribers on ancestors fire once per
// batch no matter how many descendants changed.
func (d *Document) flush() {
	if len(d.pending) == 0 {
		return
	}
	fired := make(map[*subscription]struct{})
	var fns []func()
	collect := func(s *subscription) {
		if _, done := fired[s]; done {
			return
		}
		fired[s] = struct{}{}
		fns = append(fns, s.fn)
	}
	for n := range d.pending {
		b := n.base()
		for _, s := range b.subs {
			collect(s)
		}
		for p := b.parent; p != nil; p = p.base().parent {
			for _, s := range p.base().subs {
				if s.deep {
					collect(s)
				}
			}
		}
	}
	d.pending = make(map[Node]struct{})
	d.notifying = true
	for _, fn := range fns {
		fn()
	}
	d.notifying = false
}
