package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"buyback/storage"
)

type record struct {
	Name   string
	Amount *big.Int
}

func TestTxStagesUntilCommit(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	tx := mgr.Begin()
	require.NoError(t, tx.KVPut([]byte("buyback/rec"), record{Name: "a", Amount: big.NewInt(7)}))

	var staged record
	ok, err := tx.KVGet([]byte("buyback/rec"), &staged)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", staged.Name)

	ok, err = mgr.KVGet([]byte("buyback/rec"), new(record))
	require.NoError(t, err)
	require.False(t, ok, "uncommitted write must not be visible")

	_, err = tx.Commit()
	require.NoError(t, err)

	var committed record
	ok, err = mgr.KVGet([]byte("buyback/rec"), &committed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Zero(t, committed.Amount.Cmp(big.NewInt(7)))
}

func TestUndoRestoresPreviousValues(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())

	seed := mgr.Begin()
	require.NoError(t, seed.KVPut([]byte("k/existing"), record{Name: "before", Amount: big.NewInt(1)}))
	_, err := seed.Commit()
	require.NoError(t, err)

	tx := mgr.Begin()
	require.NoError(t, tx.KVPut([]byte("k/existing"), record{Name: "after", Amount: big.NewInt(2)}))
	require.NoError(t, tx.KVPut([]byte("k/new"), record{Name: "new", Amount: big.NewInt(3)}))
	undo, err := tx.Commit()
	require.NoError(t, err)

	require.NoError(t, undo.Revert())
	require.NoError(t, undo.Revert())

	var got record
	ok, err := mgr.KVGet([]byte("k/existing"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "before", got.Name)

	ok, err = mgr.KVGet([]byte("k/new"), nil)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestListHelpers(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	tx := mgr.Begin()
	require.NoError(t, tx.KVAppend([]byte("idx"), []byte("a")))
	require.NoError(t, tx.KVAppend([]byte("idx"), []byte("b")))
	require.NoError(t, tx.KVAppend([]byte("idx"), []byte("a")))
	require.NoError(t, tx.KVRemove([]byte("idx"), []byte("a")))
	_, err := tx.Commit()
	require.NoError(t, err)

	var list [][]byte
	require.NoError(t, mgr.KVGetList([]byte("idx"), &list))
	require.Equal(t, [][]byte{[]byte("b")}, list)

	var empty [][]byte
	require.NoError(t, mgr.KVGetList([]byte("missing"), &empty))
	require.NotNil(t, empty)
	require.Len(t, empty, 0)
}

func TestClosedTxRejectsWrites(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	tx := mgr.Begin()
	tx.Discard()
	require.Error(t, tx.KVPut([]byte("k"), uint64(1)))
	_, err := tx.Commit()
	require.Error(t, err)
}
