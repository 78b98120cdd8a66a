package keys

import "sync"

// Iterator cycles over a key list forever. The list can be swapped while the
// iterator is in use.
type Iterator struct {
	mu     sync.Mutex
	keys   []Key
	cursor int
}

func NewIterator(keys []Key) *Iterator {
	it := &Iterator{}
	it.Reset(keys)
	return it
}

// Next returns up to n keys, never repeating a key within one call.
func (it *Iterator) Next(n int) []Key {
	it.mu.Lock()
	defer it.mu.Unlock()
	if len(it.keys) == 0 || n <= 0 {
		return nil
	}
	if n > len(it.keys) {
		n = len(it.keys)
	}
	out := make([]Key, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, it.keys[it.cursor])
		it.cursor = (it.cursor + 1) % len(it.keys)
	}
	return out
}

// Reset replaces the key list, keeping the cursor in range.
func (it *Iterator) Reset(keys []Key) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.keys = append([]Key(nil), keys...)
	if len(it.keys) == 0 {
		it.cursor = 0
		return
	}
	it.cursor %= len(it.keys)
}

func (it *Iterator) Len() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return len(it.keys)
}

// Keys returns a copy of the current key list.
func (it *Iterator) Keys() []Key {
	it.mu.Lock()
	defer it.mu.Unlock()
	return append([]Key(nil), it.keys...)
}
