package book

import (
	"os"
	"path/filepath"
	"testing"

	"crabdb/pkg/dberr"

	"github.com/stretchr/testify/require"
)

func TestInsertUpdate_SearchReflectsNewValue(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("k", "v1", Attrs{}))
	require.NoError(t, b.Update("k", "v2"))

	e, ok := b.Search("k")
	require.True(t, ok)
	require.Equal(t, "v2", e.Value)
	require.Equal(t, 1, b.Size())
}

func TestUpdate_NotFoundLeavesSizeUnchanged(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("k", "v", Attrs{}))
	err := b.Update("missing", "x")
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.KindOf(err))
	require.Equal(t, 1, b.Size())
}

func TestDelete_AbsentKeyReturnsNotFoundAndUnchangedSize(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("k", "v", Attrs{}))
	err := b.Delete("missing")
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.KindOf(err))
	require.Equal(t, 1, b.Size())
}

func TestDelete_SplicesNeighborsAndPreservesOrder(t *testing.T) {
	b := New()
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, b.Insert(k, k, Attrs{}))
	}
	require.NoError(t, b.Delete("b"))

	keys := keysOf(b)
	require.Equal(t, []string{"a", "c"}, keys)
	require.Equal(t, 2, b.Size())
}

func TestInsert_AllowsDuplicateKeys(t *testing.T) {
	// Insert does not reject duplicate keys.
	b := New()
	require.NoError(t, b.Insert("k", "v1", Attrs{}))
	require.NoError(t, b.Insert("k", "v2", Attrs{}))
	require.Equal(t, 2, b.Size())

	e, ok := b.Search("k")
	require.True(t, ok)
	require.Equal(t, "v1", e.Value) // Search returns the first match
}

func TestInsertUnique_RejectsDuplicate(t *testing.T) {
	b := New()
	require.NoError(t, b.InsertUnique("k", "v1", Attrs{}))
	err := b.InsertUnique("k", "v2", Attrs{})
	require.Error(t, err)
	require.Equal(t, dberr.AlreadyExists, dberr.KindOf(err))
}

func TestClear_EmptiesBook(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("a", "1", Attrs{}))
	require.NoError(t, b.Insert("b", "2", Attrs{}))
	b.Clear()
	require.Equal(t, 0, b.Size())
	require.True(t, b.IsEmpty())
}

func TestSort_AscendingThenDescending(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("c", "3", Attrs{}))
	require.NoError(t, b.Insert("a", "1", Attrs{}))
	require.NoError(t, b.Insert("b", "2", Attrs{}))

	require.NoError(t, b.Sort(Ascending))
	require.Equal(t, []string{"a", "b", "c"}, keysOf(b))
	require.Equal(t, 3, b.Size())

	require.NoError(t, b.Sort(Descending))
	require.Equal(t, []string{"c", "b", "a"}, keysOf(b))
}

func TestSort_StableOnTies(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("a", "first", Attrs{}))
	require.NoError(t, b.Insert("a", "second", Attrs{}))
	require.NoError(t, b.Insert("a", "third", Attrs{}))

	require.NoError(t, b.Sort(Ascending))
	values := make([]string, 0, 3)
	for _, e := range b.Entries() {
		values = append(values, e.Value)
	}
	require.Equal(t, []string{"first", "second", "third"}, values)
}

func TestSort_EmptyBookIsNoop(t *testing.T) {
	b := New()
	require.NoError(t, b.Sort(Ascending))
	require.Equal(t, 0, b.Size())
}

func TestFilter_PreservesSourceOrder(t *testing.T) {
	b := New()
	for _, k := range []string{"a", "bb", "c", "dd"} {
		require.NoError(t, b.Insert(k, k, Attrs{}))
	}
	evens := b.Filter(func(e Entry) bool { return len(e.Value) == 2 })
	require.Equal(t, []string{"bb", "dd"}, keysOf(evens))
}

func TestJoin_EmitsBothSidesPerMatchWithoutDedup(t *testing.T) {
	a := New()
	require.NoError(t, a.Insert("k", "a1", Attrs{}))
	b := New()
	require.NoError(t, b.Insert("k", "b1", Attrs{}))
	require.NoError(t, b.Insert("k", "b2", Attrs{}))

	joined := Join(a, b)
	// one A key matches two B rows -> 2 pairs -> 4 entries emitted.
	require.Equal(t, 4, joined.Size())
	values := make([]string, 0, 4)
	for _, e := range joined.Entries() {
		values = append(values, e.Value)
	}
	require.Equal(t, []string{"a1", "b1", "a1", "b2"}, values)
}

func TestMerge_ConcatenatesInOrder(t *testing.T) {
	a := New()
	require.NoError(t, a.Insert("a", "1", Attrs{}))
	b := New()
	require.NoError(t, b.Insert("b", "2", Attrs{}))

	merged := Merge(a, b)
	require.Equal(t, []string{"a", "b"}, keysOf(merged))
}

func TestNestedTransactions_FollowLIFOOrder(t *testing.T) {
	b := New()
	t1 := b.Begin("T1")
	require.NoError(t, b.Insert("x", "1", Attrs{}))

	t2 := b.Begin("T2")
	require.NoError(t, b.Delete("x"))
	require.NoError(t, b.Rollback(t2))

	_, ok := b.Search("x")
	require.True(t, ok, "rollback of T2 should have restored x")

	require.NoError(t, b.Commit(t1))

	_, ok = b.Search("x")
	require.True(t, ok, "commit of T1 should retain x")
}

func TestTransaction_CommitMustBeInnermost(t *testing.T) {
	b := New()
	t1 := b.Begin("T1")
	_ = b.Begin("T2")

	err := b.Commit(t1)
	require.Error(t, err)
	require.Equal(t, dberr.InvalidParam, dberr.KindOf(err))
}

func TestTransaction_UnknownTransactionRejected(t *testing.T) {
	b1 := New()
	b2 := New()
	foreign := b2.Begin("foreign")

	err := b1.Commit(foreign)
	require.Error(t, err)
	require.Equal(t, dberr.NotFound, dberr.KindOf(err))
}

func TestTransaction_RollbackRestoresExactSequence(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("a", "1", Attrs{}))
	require.NoError(t, b.Insert("b", "2", Attrs{}))
	before := b.Entries()

	txn := b.Begin("t")
	require.NoError(t, b.Insert("c", "3", Attrs{}))
	require.NoError(t, b.Delete("a"))
	require.NoError(t, b.Update("b", "changed"))

	require.NoError(t, b.Rollback(txn))
	require.Equal(t, before, b.Entries())
}

func TestTransaction_ReleaseIsIdempotent(t *testing.T) {
	b := New()
	txn := b.Begin("t")
	require.NoError(t, b.Commit(txn))
	txn.Release()
	txn.Release() // must not panic
}

func TestDumpAndLoad_FlatFileRoundTrip(t *testing.T) {
	b := New()
	require.NoError(t, b.Insert("a", "1", Attrs{}))
	require.NoError(t, b.Insert("b", "2", Attrs{}))

	dir := t.TempDir()
	path := filepath.Join(dir, "dump.txt")
	require.NoError(t, b.DumpToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	require.Equal(t, keysOf(b), keysOf(loaded))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "#hash=")
}

func keysOf(b *Book) []string {
	entries := b.Entries()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}
