package crdt

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// NodeKind discriminates the three CRDT container variants.
type NodeKind string

const (
	KindObject      NodeKind = "object"
	KindOrderedMap  NodeKind = "orderedMap"
	KindOrderedList NodeKind = "orderedList"
)

// SerializedNode is the portable form of a container node, used both on the
// wire (storage:init) and in persisted snapshots.
//
//	{ "kind": "object",      "data": { <key>: SerializedValue, ... } }
//	{ "kind": "orderedMap",  "data": { <key>: SerializedNode,  ... } }
//	{ "kind": "orderedList", "items": [ SerializedValue, ... ] }
//
// For ordered maps the declared key order is meaningful on replay, so Data
// is a slice of fields rather than a Go map and the JSON codec preserves
// declaration order in both directions.
type SerializedNode struct {
	Kind  NodeKind
	Data  []SerializedField
	Items []SerializedValue
}

// SerializedField is one key/value pair of an object or ordered map.
type SerializedField struct {
	Key   string
	Value SerializedValue
}

// SerializedValue is either a JSON primitive (string, float64, bool, nil)
// or a nested SerializedNode.
type SerializedValue struct {
	Node *SerializedNode
	Prim interface{}
}

// NewPrim wraps a primitive as a SerializedValue.
func NewPrim(v interface{}) SerializedValue { return SerializedValue{Prim: v} }

// NewNodeValue wraps a node as a SerializedValue.
func NewNodeValue(n *SerializedNode) SerializedValue { return SerializedValue{Node: n} }

// Get returns the value for key, or false if absent.
func (n *SerializedNode) Get(key string) (SerializedValue, bool) {
	for _, f := range n.Data {
		if f.Key == key {
			return f.Value, true
		}
	}
	return SerializedValue{}, false
}

func (v SerializedValue) MarshalJSON() ([]byte, error) {
	if v.Node != nil {
		return json.Marshal(v.Node)
	}
	return json.Marshal(v.Prim)
}

func (v *SerializedValue) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var head struct {
			Kind NodeKind `json:"kind"`
		}
		if err := json.Unmarshal(trimmed, &head); err == nil && head.Kind != "" {
			node := &SerializedNode{}
			if err := json.Unmarshal(trimmed, node); err != nil {
				return err
			}
			v.Node = node
			v.Prim = nil
			return nil
		}
	}
	v.Node = nil
	return json.Unmarshal(data, &v.Prim)
}

func (n SerializedNode) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"kind":`)
	kind, err := json.Marshal(string(n.Kind))
	if err != nil {
		return nil, err
	}
	buf.Write(kind)
	if n.Kind == KindOrderedList {
		buf.WriteString(`,"items":`)
		items := n.Items
		if items == nil {
			items = []SerializedValue{}
		}
		raw, err := json.Marshal(items)
		if err != nil {
			return nil, err
		}
		buf.Write(raw)
	} else {
		buf.WriteString(`,"data":{`)
		for i, f := range n.Data {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(f.Key)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			val, err := json.Marshal(f.Value)
			if err != nil {
				return nil, err
			}
			buf.Write(val)
		}
		buf.WriteByte('}')
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (n *SerializedNode) UnmarshalJSON(data []byte) error {
	var raw struct {
		Kind  NodeKind          `json:"kind"`
		Data  json.RawMessage   `json:"data"`
		Items []SerializedValue `json:"items"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case KindObject, KindOrderedMap:
		fields, err := decodeOrderedFields(raw.Data)
		if err != nil {
			return err
		}
		n.Kind = raw.Kind
		n.Data = fields
		n.Items = nil
	case KindOrderedList:
		n.Kind = raw.Kind
		n.Items = raw.Items
		n.Data = nil
	default:
		return fmt.Errorf("unknown node kind %q", raw.Kind)
	}
	return nil
}

// decodeOrderedFields walks the raw object token by token so that key order
// survives the round trip. encoding/json maps would scramble it.
func decodeOrderedFields(data json.RawMessage) ([]SerializedField, error) {
	if len(data) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("data is not an object")
	}
	var fields []SerializedField
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("non-string key in data object")
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, err
		}
		var val SerializedValue
		if err := json.Unmarshal(raw, &val); err != nil {
			return nil, err
		}
		fields = append(fields, SerializedField{Key: key, Value: val})
	}
	if _, err := dec.Token(); err != nil {
		return nil, err
	}
	return fields, nil
}

// Equal reports deep equality of two serialized trees. Numbers compare by
// their float64 JSON representation.
func (n *SerializedNode) Equal(o *SerializedNode) bool {
	if n == nil || o == nil {
		return n == o
	}
	if n.Kind != o.Kind || len(n.Data) != len(o.Data) || len(n.Items) != len(o.Items) {
		return false
	}
	for i := range n.Data {
		if n.Data[i].Key != o.Data[i].Key || !n.Data[i].Value.Equal(o.Data[i].Value) {
			return false
		}
	}
	for i := range n.Items {
		if !n.Items[i].Equal(o.Items[i]) {
			return false
		}
	}
	return true
}

// Equal reports deep equality of two serialized values.
func (v SerializedValue) Equal(o SerializedValue) bool {
	if v.Node != nil || o.Node != nil {
		return v.Node.Equal(o.Node)
	}
	return primEqual(v.Prim, o.Prim)
}

func primEqual(a, b interface{}) bool {
	if an, ok := toFloat(a); ok {
		bn, ok := toFloat(b)
		return ok && an == bn
	}
	return a == b
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
