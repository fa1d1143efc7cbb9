package relaycache

// orderedEntries keeps values by key together with first-insertion order.
// It is not safe for concurrent use; owners guard it.
type orderedEntries struct {
	order  []string
	values map[string][]byte
}

type persistedEntry struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func newOrderedEntries() *orderedEntries {
	return &orderedEntries{values: map[string][]byte{}}
}

func (e *orderedEntries) get(key string) ([]byte, bool) {
	value, ok := e.values[key]
	if !ok {
		return nil, false
	}
	return cloneBytes(value), true
}

// put reports whether key was new.
func (e *orderedEntries) put(key string, value []byte) bool {
	_, exists := e.values[key]
	e.values[key] = cloneBytes(value)
	if !exists {
		e.order = append(e.order, key)
	}
	return !exists
}

func (e *orderedEntries) remove(key string) bool {
	if _, ok := e.values[key]; !ok {
		return false
	}
	delete(e.values, key)
	for i, candidate := range e.order {
		if candidate == key {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return true
}

func (e *orderedEntries) keys() []string {
	return append([]string(nil), e.order...)
}

func (e *orderedEntries) snapshot() []persistedEntry {
	out := make([]persistedEntry, 0, len(e.order))
	for _, key := range e.order {
		out = append(out, persistedEntry{Key: key, Value: e.values[key]})
	}
	return out
}

func (e *orderedEntries) restore(items []persistedEntry) {
	e.order = e.order[:0]
	e.values = make(map[string][]byte, len(items))
	for _, item := range items {
		e.put(item.Key, item.Value)
	}
}
