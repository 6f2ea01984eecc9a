package storage

import (
	"bytes"
	"errors"
	"sync"

	"github.com/google/btree"
)

// MemoryStore keeps all data in process. Writes run against btree clones
// that replace the live trees only when the transaction succeeds.
type MemoryStore struct {
	*kvStore
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{kvStore: newKVStore(newMemoryBackend())}
}

// Close implements Lifecycle
func (s *MemoryStore) Close() error {
	return s.b.close()
}

var errReadOnly = errors.New("write in read-only transaction")

type memItem struct {
	key   []byte
	value []byte
}

func lessItem(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

type memoryState struct {
	trees map[string]*btree.BTreeG[memItem]
	seqs  map[string]uint64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		trees: make(map[string]*btree.BTreeG[memItem], len(s.trees)),
		seqs:  make(map[string]uint64, len(s.seqs)),
	}
	for name, t := range s.trees {
		c.trees[name] = t.Clone()
	}
	for name, n := range s.seqs {
		c.seqs[name] = n
	}
	return c
}

type memoryBackend struct {
	mu    sync.RWMutex
	state *memoryState
}

func newMemoryBackend() *memoryBackend {
	st := &memoryState{
		trees: make(map[string]*btree.BTreeG[memItem], len(allBuckets)),
		seqs:  make(map[string]uint64, len(allBuckets)),
	}
	for _, name := range allBuckets {
		st.trees[name] = btree.NewG[memItem](32, lessItem)
	}
	return &memoryBackend{state: st}
}

func (b *memoryBackend) view(fn func(tx txn) error) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return fn(&memTxn{state: b.state})
}

func (b *memoryBackend) update(fn func(tx txn) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	working := b.state.clone()
	if err := fn(&memTxn{state: working, writable: true}); err != nil {
		return err
	}
	b.state = working
	return nil
}

func (b *memoryBackend) close() error {
	return nil
}

type memTxn struct {
	state    *memoryState
	writable bool
}

func (t *memTxn) tree(name string) *btree.BTreeG[memItem] {
	tr, ok := t.state.trees[name]
	if !ok {
		tr = btree.NewG[memItem](32, lessItem)
		if t.writable {
			t.state.trees[name] = tr
		}
	}
	return tr
}

func (t *memTxn) get(bucket string, key []byte) []byte {
	item, ok := t.tree(bucket).Get(memItem{key: key})
	if !ok {
		return nil
	}
	return append([]byte(nil), item.value...)
}

func (t *memTxn) put(bucket string, key, value []byte) error {
	if !t.writable {
		return errReadOnly
	}
	t.tree(bucket).ReplaceOrInsert(memItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (t *memTxn) delete(bucket string, key []byte) error {
	if !t.writable {
		return errReadOnly
	}
	t.tree(bucket).Delete(memItem{key: key})
	return nil
}

func (t *memTxn) scan(bucket string, prefix []byte, fn func(k, v []byte) bool) error {
	t.tree(bucket).AscendGreaterOrEqual(memItem{key: prefix}, func(item memItem) bool {
		if !bytes.HasPrefix(item.key, prefix) {
			return false
		}
		return fn(item.key, item.value)
	})
	return nil
}

func (t *memTxn) scanReverse(bucket string, fn func(k, v []byte) bool) error {
	t.tree(bucket).Descend(func(item memItem) bool {
		return fn(item.key, item.value)
	})
	return nil
}

func (t *memTxn) nextSequence(bucket string) (uint64, error) {
	if !t.writable {
		return 0, errReadOnly
	}
	t.state.seqs[bucket]++
	return t.state.seqs[bucket], nil
}
