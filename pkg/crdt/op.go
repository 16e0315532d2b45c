package crdt

import (
	"errors"
	"fmt"
)

// OpKind enumerates the operation vocabulary of the storage tree.
type OpKind string

const (
	OpSetField       OpKind = "setField"
	OpDeleteField    OpKind = "deleteField"
	OpMapSet         OpKind = "mapSet"
	OpMapDelete      OpKind = "mapDelete"
	OpListInsert     OpKind = "listInsert"
	OpListDelete     OpKind = "listDelete"
	OpListMove       OpKind = "listMove"
	OpReplaceSubtree OpKind = "replaceSubtree"
)

// Op is one operation record. Path addresses the container node the op
// applies to; Key selects an object/map field and Pos a list element.
// List inserts carry the chosen position key so every replica installs the
// element at the same place, and Elem carries the insertion timestamp that
// identifies the element when position keys collide under concurrency.
type Op struct {
	ID     Timestamp        `json:"id"`
	Path   []string         `json:"path"`
	Kind   OpKind           `json:"kind"`
	Key    string           `json:"key,omitempty"`
	Pos    string           `json:"pos,omitempty"`
	NewPos string           `json:"newPos,omitempty"`
	Elem   Timestamp        `json:"elem,omitempty"`
	Value  *SerializedValue `json:"value,omitempty"`
}

// Errors surfaced to local mutation callers. Remote ops never raise these;
// malformed remote ops are dropped with a warning instead.
var (
	// ErrAttached is returned when a node already attached to a document
	// is inserted somewhere else. Clone or move instead.
	ErrAttached = errors.New("node is already attached to a document")

	// ErrReentrantMutation is returned when a subscriber callback tries to
	// mutate the document from inside a notification.
	ErrReentrantMutation = errors.New("mutation during subscriber notification")

	// ErrPathNotFound is returned when an op addresses a path with no live
	// node.
	ErrPathNotFound = errors.New("no node at path")

	// ErrOrphaned is returned when mutating a node whose subtree was
	// removed from the document.
	ErrOrphaned = errors.New("node has been detached from the document")
)

var validKinds = map[OpKind]bool{
	OpSetField:       true,
	OpDeleteField:    true,
	OpMapSet:         true,
	OpMapDelete:      true,
	OpListInsert:     true,
	OpListDelete:     true,
	OpListMove:       true,
	OpReplaceSubtree: true,
}

// Validate checks structural well-formedness: known kind, sane timestamp,
// and path segments that are non-empty strings. It does not check that the
// path resolves; that is decided at apply time.
func (op Op) Validate() error {
	if !validKinds[op.Kind] {
		return fmt.Errorf("unknown op kind %q", op.Kind)
	}
	if op.ID.Counter < 1 {
		return fmt.Errorf("op %s: timestamp counter must be >= 1", op.Kind)
	}
	if op.ID.Actor == "" {
		return fmt.Errorf("op %s: missing actor", op.Kind)
	}
	for i, seg := range op.Path {
		if seg == "" {
			return fmt.Errorf("op %s: empty path segment at %d", op.Kind, i)
		}
	}
	switch op.Kind {
	case OpSetField, OpMapSet:
		if op.Key == "" {
			return fmt.Errorf("op %s: missing key", op.Kind)
		}
		if op.Value == nil {
			return fmt.Errorf("op %s: missing value", op.Kind)
		}
	case OpDeleteField, OpMapDelete:
		if op.Key == "" {
			return fmt.Errorf("op %s: missing key", op.Kind)
		}
	case OpListInsert:
		if op.Pos == "" {
			return fmt.Errorf("op %s: missing position", op.Kind)
		}
		if op.Value == nil {
			return fmt.Errorf("op %s: missing value", op.Kind)
		}
	case OpListDelete:
		if op.Pos == "" {
			return fmt.Errorf("op %s: missing position", op.Kind)
		}
	case OpListMove:
		if op.Pos == "" || op.NewPos == "" {
			return fmt.Errorf("op %s: missing position", op.Kind)
		}
	case OpReplaceSubtree:
		if op.Value == nil {
			return fmt.Errorf("op %s: missing value", op.Kind)
		}
		if op.Key == "" && op.Pos == "" {
			return fmt.Errorf("op %s: missing key or position", op.Kind)
		}
	}
	return nil
}

// ValidateBatch validates a whole inbound batch, reporting the first bad op.
func ValidateBatch(ops []Op) error {
	for i, op := range ops {
		if err := op.Validate(); err != nil {
			return fmt.Errorf("op %d: %w", i, err)
		}
	}
	return nil
}
