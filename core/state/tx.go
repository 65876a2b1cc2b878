package state

import (
	"errors"
	"sort"

	"chainscore/storage"
)

// ErrTxClosed is returned when a committed or discarded transaction is reused.
var ErrTxClosed = errors.New("state: transaction closed")

type overlayEntry struct {
	value   []byte
	deleted bool
}

// overlay stages writes on top of a parent store. Reads fall through to the
// parent for keys the overlay has not touched.
type overlay struct {
	parent kvStore
	writes map[string]overlayEntry
	closed bool
}

func newOverlay(parent kvStore) *overlay {
	return &overlay{parent: parent, writes: make(map[string]overlayEntry)}
}

func (o *overlay) get(key []byte) ([]byte, error) {
	if o.closed {
		return nil, ErrTxClosed
	}
	if entry, ok := o.writes[string(key)]; ok {
		if entry.deleted {
			return nil, nil
		}
		return append([]byte(nil), entry.value...), nil
	}
	return o.parent.get(key)
}

func (o *overlay) put(key, value []byte) error {
	if o.closed {
		return ErrTxClosed
	}
	o.writes[string(key)] = overlayEntry{value: append([]byte(nil), value...)}
	return nil
}

func (o *overlay) del(key []byte) error {
	if o.closed {
		return ErrTxClosed
	}
	o.writes[string(key)] = overlayEntry{deleted: true}
	return nil
}

// sortedKeys returns the staged keys in byte order so batches are built
// deterministically.
func (o *overlay) sortedKeys() []string {
	keys := make([]string, 0, len(o.writes))
	for k := range o.writes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tx is a staging view over the manager. Writes stay invisible to other readers
// until Commit applies them in one database batch; Discard drops them.
type Tx struct {
	*Manager
	overlay *overlay
}

// Begin opens a transaction over the manager's current state.
func (m *Manager) Begin() *Tx {
	ov := newOverlay(m.store)
	return &Tx{Manager: &Manager{db: m.db, store: ov}, overlay: ov}
}

// Commit flushes staged writes to the parent. A transaction opened on the
// database-backed manager is written as a single atomic batch.
func (tx *Tx) Commit() error {
	if tx.overlay.closed {
		return ErrTxClosed
	}
	keys := tx.overlay.sortedKeys()
	switch parent := tx.overlay.parent.(type) {
	case dbStore:
		if err := writeBatch(parent.db, keys, tx.overlay.writes); err != nil {
			return err
		}
	default:
		for _, k := range keys {
			entry := tx.overlay.writes[k]
			var err error
			if entry.deleted {
				err = parent.del([]byte(k))
			} else {
				err = parent.put([]byte(k), entry.value)
			}
			if err != nil {
				return err
			}
		}
	}
	tx.overlay.closed = true
	tx.overlay.writes = nil
	return nil
}

// Discard drops every staged write. Discarding a closed transaction is a
// no-op.
func (tx *Tx) Discard() {
	tx.overlay.closed = true
	tx.overlay.writes = nil
}

func writeBatch(db storage.Database, keys []string, writes map[string]overlayEntry) error {
	if len(keys) == 0 {
		return nil
	}
	batch := db.NewBatch()
	for _, k := range keys {
		entry := writes[k]
		if entry.deleted {
			batch.Delete([]byte(k))
			continue
		}
		batch.Put([]byte(k), entry.value)
	}
	return batch.Write()
}
