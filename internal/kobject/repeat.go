package kobject

// repeatable is embedded by every concrete invocation type to implement the
// "repeat block" contract from spec §4.D without reflection: each type lists
// its own field names once at construction time, and Repeat rejects any
// delta key that isn't one of them.
type repeatable struct {
	typeName string
	fields   map[string]bool
	count    int
	deltas   map[string]uint64
}

func newRepeatable(typeName string, fieldNames ...string) repeatable {
	fields := make(map[string]bool, len(fieldNames))
	for _, f := range fieldNames {
		fields[f] = true
	}
	return repeatable{typeName: typeName, fields: fields}
}

// setRepeat validates every key in deltas against the type's known fields
// and records the repeat count. It panics on an unknown field name — a
// contract violation, not a user-facing error.
func (r *repeatable) setRepeat(count int, deltas map[string]uint64) {
	if count <= 1 {
		return
	}
	if len(deltas) == 0 {
		panic(r.typeName + ": Repeat called with count > 1 but no deltas")
	}
	for k := range deltas {
		if !r.fields[k] {
			unknownRepeatField(r.typeName, k)
		}
	}
	r.count = count
	r.deltas = deltas
}

func (r *repeatable) delta(name string) uint64 {
	return r.deltas[name]
}
