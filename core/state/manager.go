package state

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/ethereum/go-ethereum/rlp"

	"buyback/storage"
)

var errTxClosed = errors.New("state: transaction already closed")

// Manager provides RLP-encoded key/value access over a storage backend. Reads
// go straight to the backend; writes are staged in a Tx and applied with a
// single atomic batch.
type Manager struct {
	db storage.Database
	mu sync.Mutex
}

// NewManager creates a state manager operating on the provided database.
func NewManager(db storage.Database) *Manager {
	return &Manager{db: db}
}

// Begin opens a write transaction. Nothing is visible to other readers until
// Commit succeeds.
func (m *Manager) Begin() *Tx {
	return &Tx{m: m, writes: make(map[string]*[]byte)}
}

// KVGet retrieves the committed value stored under key and decodes it into
// out. The boolean reports whether the key existed.
func (m *Manager) KVGet(key []byte, out interface{}) (bool, error) {
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.raw(key)
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVGetList decodes the committed list stored under key. A missing key yields
// an empty slice.
func (m *Manager) KVGetList(key []byte, out interface{}) error {
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	data, err := m.raw(key)
	if err != nil {
		return err
	}
	return decodeList(data, out)
}

// KVKeys lists committed keys under prefix.
func (m *Manager) KVKeys(prefix []byte) ([][]byte, error) {
	return m.db.Keys(prefix)
}

func (m *Manager) raw(key []byte) ([]byte, error) {
	data, err := m.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Tx is a buffered write set over a Manager. A nil entry in writes marks a
// deletion.
type Tx struct {
	m      *Manager
	writes map[string]*[]byte
	order  []string
	closed bool
}

func (tx *Tx) stage(key []byte, value *[]byte) {
	k := string(key)
	if _, ok := tx.writes[k]; !ok {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = value
}

func (tx *Tx) raw(key []byte) ([]byte, error) {
	if staged, ok := tx.writes[string(key)]; ok {
		if staged == nil {
			return nil, nil
		}
		return *staged, nil
	}
	return tx.m.raw(key)
}

// KVGet reads through the staged writes before falling back to the backend.
func (tx *Tx) KVGet(key []byte, out interface{}) (bool, error) {
	if tx.closed {
		return false, errTxClosed
	}
	if len(key) == 0 {
		return false, fmt.Errorf("kv: key must not be empty")
	}
	data, err := tx.raw(key)
	if err != nil {
		return false, err
	}
	return decodeInto(data, out)
}

// KVPut stages the RLP encoding of value under key.
func (tx *Tx) KVPut(key []byte, value interface{}) error {
	if tx.closed {
		return errTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	encoded, err := rlp.EncodeToBytes(value)
	if err != nil {
		return err
	}
	tx.stage(key, &encoded)
	return nil
}

// KVDelete stages the removal of key.
func (tx *Tx) KVDelete(key []byte) error {
	if tx.closed {
		return errTxClosed
	}
	if len(key) == 0 {
		return fmt.Errorf("kv: key must not be empty")
	}
	tx.stage(key, nil)
	return nil
}

// KVGetList decodes the list stored under key, honouring staged writes.
func (tx *Tx) KVGetList(key []byte, out interface{}) error {
	if tx.closed {
		return errTxClosed
	}
	data, err := tx.raw(key)
	if err != nil {
		return err
	}
	return decodeList(data, out)
}

// KVAppend appends value to the byte-slice list under key. Duplicate values
// are ignored to keep the index deterministic.
func (tx *Tx) KVAppend(key []byte, value []byte) error {
	list, err := tx.byteList(key)
	if err != nil {
		return err
	}
	for _, existing := range list {
		if bytes.Equal(existing, value) {
			return nil
		}
	}
	list = append(list, append([]byte(nil), value...))
	return tx.KVPut(key, list)
}

// KVRemove drops value from the byte-slice list under key, preserving the
// order of the remaining entries.
func (tx *Tx) KVRemove(key []byte, value []byte) error {
	list, err := tx.byteList(key)
	if err != nil {
		return err
	}
	kept := list[:0]
	for _, existing := range list {
		if !bytes.Equal(existing, value) {
			kept = append(kept, existing)
		}
	}
	if len(kept) == 0 {
		return tx.KVDelete(key)
	}
	return tx.KVPut(key, kept)
}

func (tx *Tx) byteList(key []byte) ([][]byte, error) {
	if tx.closed {
		return nil, errTxClosed
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("kv: key must not be empty")
	}
	var list [][]byte
	if err := tx.KVGetList(key, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Len reports how many keys the transaction touches.
func (tx *Tx) Len() int { return len(tx.order) }

// Discard drops every staged write.
func (tx *Tx) Discard() {
	tx.closed = true
	tx.writes = nil
	tx.order = nil
}

// Commit applies the staged writes atomically and returns an Undo that
// restores the values the keys held immediately before the commit.
func (tx *Tx) Commit() (*Undo, error) {
	if tx.closed {
		return nil, errTxClosed
	}
	tx.closed = true
	m := tx.m
	m.mu.Lock()
	defer m.mu.Unlock()

	forward := new(storage.Batch)
	backward := new(storage.Batch)
	for _, k := range tx.order {
		key := []byte(k)
		previous, err := m.raw(key)
		if err != nil {
			return nil, fmt.Errorf("state: snapshot %q: %w", k, err)
		}
		if previous == nil {
			backward.Delete(key)
		} else {
			backward.Put(key, previous)
		}
		if staged := tx.writes[k]; staged == nil {
			forward.Delete(key)
		} else {
			forward.Put(key, *staged)
		}
	}
	if err := m.db.Write(forward); err != nil {
		return nil, fmt.Errorf("state: commit: %w", err)
	}
	return &Undo{m: m, batch: backward}, nil
}

// Undo reverts a committed transaction.
type Undo struct {
	m     *Manager
	batch *storage.Batch
	done  bool
}

// Revert restores the pre-commit values. Calling it twice is a no-op.
func (u *Undo) Revert() error {
	if u == nil || u.done {
		return nil
	}
	u.m.mu.Lock()
	defer u.m.mu.Unlock()
	if err := u.m.db.Write(u.batch); err != nil {
		return fmt.Errorf("state: revert: %w", err)
	}
	u.done = true
	return nil
}

func decodeInto(data []byte, out interface{}) (bool, error) {
	if len(data) == 0 {
		return false, nil
	}
	if out == nil {
		return true, nil
	}
	if err := rlp.DecodeBytes(data, out); err != nil {
		return false, err
	}
	return true, nil
}

func decodeList(data []byte, out interface{}) error {
	if len(data) == 0 {
		val := reflect.ValueOf(out)
		if val.Kind() != reflect.Ptr || val.IsNil() {
			return fmt.Errorf("kv: destination must be a non-nil pointer")
		}
		elem := val.Elem()
		if elem.Kind() != reflect.Slice {
			return fmt.Errorf("kv: destination must point to a slice")
		}
		elem.Set(reflect.MakeSlice(elem.Type(), 0, 0))
		return nil
	}
	return rlp.DecodeBytes(data, out)
}
