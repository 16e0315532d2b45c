package crdt

import "fmt"

// serializeValue renders a slot value (primitive or Node) into its portable
// form. Primitives must survive a JSON round trip.
func serializeValue(v interface{}) (SerializedValue, error) {
	switch t := v.(type) {
	case Node:
		return SerializedValue{Node: t.Serialize()}, nil
	case nil, bool, string,
		float32, float64,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		[]interface{}, map[string]interface{}:
		return SerializedValue{Prim: v}, nil
	default:
		return SerializedValue{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// liveFromSerialized turns a serialized slot value back into a live one:
// nested node forms become fresh unattached containers, everything else is
// returned as-is.
func liveFromSerialized(sv SerializedValue) interface{} {
	if sv.Node == nil {
		return sv.Prim
	}
	return nodeFromSerialized(sv.Node)
}

// nodeFromSerialized rebuilds an unattached container tree from its
// serialized form. Unknown kinds fall back to an empty object so a corrupt
// snapshot degrades instead of panicking.
func nodeFromSerialized(sn *SerializedNode) Node {
	switch sn.Kind {
	case KindObject:
		o := NewObject()
		for _, f := range sn.Data {
			o.entries[f.Key] = &entry{val: liveFromSerialized(f.Value)}
		}
		return o
	case KindOrderedMap:
		m := NewMap()
		for _, f := range sn.Data {
			m.entries[f.Key] = &entry{val: liveFromSerialized(f.Value)}
			m.place(f.Key, Timestamp{})
		}
		return m
	case KindOrderedList:
		l := NewList()
		prev := ""
		for _, item := range sn.Items {
			pos, err := PosBetween(prev, "")
			if err != nil {
				continue
			}
			l.elems = append(l.elems, &listEntry{pos: pos, val: liveFromSerialized(item)})
			prev = pos
		}
		return l
	default:
		return NewObject()
	}
}
