package crdt

import "strings"

// Node is the contract shared by the three container kinds. Containers are
// created unattached by the builders (NewObject, NewMap, NewList), become
// live when inserted into an attached parent, and turn inert when their
// serialized form is removed from the tree.
type Node interface {
	Kind() NodeKind

	// Serialize renders the subtree rooted at this node into its portable
	// form.
	Serialize() *SerializedNode

	// Attached reports whether the node is part of a document tree.
	Attached() bool

	// Path returns the node's path from the root. Nil for unattached or
	// orphaned nodes.
	Path() []string

	// Subscribe registers fn to run after a batch that changed this node
	// (deep: or any descendant). The returned func unsubscribes.
	Subscribe(fn func(), deep bool) func()

	// applyRemote applies one remote op addressed to this container.
	// Unknown or ill-fitting ops are dropped with a warning.
	applyRemote(op Op)

	attach(doc *Document, parent Node, path []string, ts Timestamp)
	detach()
	base() *nodeBase
}

type subscription struct {
	fn   func()
	deep bool
}

// nodeBase carries the live-node bookkeeping every container embeds: the
// weak parent back-reference, the path from root, the subscriber set and
// the attach state. Ownership flows strictly parent to child; detach severs
// the parent link before any re-attach elsewhere.
type nodeBase struct {
	doc      *Document
	parent   Node
	path     []string
	subs     map[int]*subscription
	nextSub  int
	orphaned bool
}

func (b *nodeBase) Attached() bool { return b.doc != nil }

func (b *nodeBase) Path() []string {
	if b.doc == nil {
		return nil
	}
	return b.path
}

func (b *nodeBase) Subscribe(fn func(), deep bool) func() {
	if b.subs == nil {
		b.subs = make(map[int]*subscription)
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscription{fn: fn, deep: deep}
	return func() { delete(b.subs, id) }
}

func (b *nodeBase) attachBase(doc *Document, parent Node, path []string, self Node) {
	b.doc = doc
	b.parent = parent
	b.path = path
	b.orphaned = false
	doc.register(path, self)
}

func (b *nodeBase) detachBase() {
	if b.doc != nil {
		b.doc.unregister(b.path)
	}
	b.doc = nil
	b.parent = nil
	b.path = nil
	b.orphaned = true
	// Subscribers of a removed subtree are released.
	b.subs = nil
}

// markChanged records this node in the document's pending notification set.
func (b *nodeBase) markChanged(self Node) {
	if b.doc != nil {
		b.doc.noteChange(self)
	}
}

// keyEscaper rewrites the separator byte and the escape character inside a
// segment, so no two distinct paths share a registry key.
var keyEscaper = strings.NewReplacer(`\`, `\\`, "\x1f", `\s`)

// pathKey joins escaped path segments into a registry key.
func pathKey(path []string) string {
	parts := make([]string, len(path))
	for i, seg := range path {
		parts[i] = keyEscaper.Replace(seg)
	}
	return strings.Join(parts, "\x1f")
}

func childPath(parent []string, seg string) []string {
	out := make([]string, len(parent)+1)
	copy(out, parent)
	out[len(parent)] = seg
	return out
}
