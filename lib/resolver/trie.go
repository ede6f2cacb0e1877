package resolver

import "sync/atomic"

// trieNode is a byte-indexed trie node. Children are installed with
// compare-and-swap so concurrent inserts never lose an entry.
type trieNode[T any] struct {
	slot [256]atomic.Pointer[trieNode[T]]
	data atomic.Pointer[T]
}

// trie maps string keys to values with longest-prefix lookup. Inserts and
// lookups may run concurrently without external locking.
type trie[T any] struct {
	head *trieNode[T]
}

func newTrie[T any]() *trie[T] {
	return &trie[T]{head: &trieNode[T]{}}
}

// Insert stores value under key. Inserting the same key again replaces the
// previous value.
func (t *trie[T]) Insert(key string, value *T) {
	node := t.head
	for i := 0; i < len(key); i++ {
		index := key[i]
		if node.slot[index].Load() == nil {
			node.slot[index].CompareAndSwap(nil, &trieNode[T]{})
		}
		node = node.slot[index].Load()
	}
	node.data.Store(value)
}

// Lookup returns the exact value for key, or nil.
func (t *trie[T]) Lookup(key string) *T {
	node := t.head
	for i := 0; i < len(key); i++ {
		node = node.slot[key[i]].Load()
		if node == nil {
			return nil
		}
	}
	return node.data.Load()
}

// LongestPrefix walks key and returns the value of the longest inserted key
// that is a prefix of it, along with the length of that prefix. Returns nil
// and 0 when no inserted key is a prefix of key.
func (t *trie[T]) LongestPrefix(key string) (*T, int) {
	var (
		best    *T
		bestLen int
	)

	node := t.head
	if data := node.data.Load(); data != nil {
		best = data
	}

	for i := 0; i < len(key); i++ {
		node = node.slot[key[i]].Load()
		if node == nil {
			break
		}
		if data := node.data.Load(); data != nil {
			best = data
			bestLen = i + 1
		}
	}

	return best, bestLen
}
