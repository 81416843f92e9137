package book

import (
	"fmt"

	"crabdb/pkg/dberr"
)

// Transaction is a snapshot + stack discipline over a Book. Transactions
// are strictly LIFO: only the innermost open Transaction may be committed
// or rolled back. They do not persist across process restarts, and a
// Transaction's snapshot is exclusively owned by it until Commit or
// Rollback.
//
// The snapshot is captured eagerly at Begin rather than lazily on first
// write, which is simpler and sufficient since Books are not expected to
// hold enormous entry counts.
type Transaction struct {
	name     string
	book     *Book
	snapshot []Entry
	parent   *Transaction
	released bool
}

// Name returns the transaction's name, as given to Begin.
func (t *Transaction) Name() string {
	return t.name
}

// Begin opens a new Transaction over the Book, snapshotting its current
// logical contents for a possible Rollback. Transactions nest linearly: a
// second Begin while one is already open pushes a child onto the stack.
func (b *Book) Begin(name string) *Transaction {
	t := &Transaction{
		name:     name,
		book:     b,
		snapshot: b.Entries(),
	}
	if len(b.txns) > 0 {
		t.parent = b.txns[len(b.txns)-1]
	}
	b.txns = append(b.txns, t)
	return t
}

// innermostIndex returns the index of txn in b.txns, or -1 if txn is not
// on the active stack (already committed, rolled back, or foreign to this
// Book).
func (b *Book) innermostIndex(t *Transaction) int {
	for i := len(b.txns) - 1; i >= 0; i-- {
		if b.txns[i] == t {
			return i
		}
	}
	return -1
}

// Commit discards txn's snapshot and retains the Book's post-begin
// mutations. txn must be the innermost active transaction; committing any
// other returns dberr.ErrInvalidParam (LIFO violation) or
// dberr.ErrNotFound (txn is not active at all).
func (b *Book) Commit(t *Transaction) error {
	idx := b.innermostIndex(t)
	if idx < 0 {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("transaction %q is not active", t.name), nil)
	}
	if idx != len(b.txns)-1 {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("transaction %q is not the innermost active transaction", t.name), nil)
	}
	b.txns = b.txns[:idx]
	t.snapshot = nil
	return nil
}

// Rollback restores the Book's logical contents to exactly the entry
// sequence captured at Begin, then discards txn's snapshot. Same LIFO
// discipline and error cases as Commit.
func (b *Book) Rollback(t *Transaction) error {
	idx := b.innermostIndex(t)
	if idx < 0 {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("transaction %q is not active", t.name), nil)
	}
	if idx != len(b.txns)-1 {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("transaction %q is not the innermost active transaction", t.name), nil)
	}

	b.restore(t.snapshot)
	b.txns = b.txns[:idx]
	t.snapshot = nil
	return nil
}

// restore rebuilds the page list from a snapshot slice, replacing whatever
// mutations happened since the snapshot was taken.
func (b *Book) restore(snapshot []Entry) {
	b.Clear()
	for _, e := range snapshot {
		_ = b.Insert(e.Key, e.Value, e.Attrs)
	}
}

// Release is an idempotent cleanup hook for a Transaction that has already
// been committed or rolled back. It never mutates the Book: if called on a
// Transaction that is still active (neither committed nor rolled back),
// it is a no-op other than marking the handle released — Release is a
// destructor, not an implicit Rollback.
func (t *Transaction) Release() {
	if t.released {
		return
	}
	t.released = true
	if t.book != nil && t.book.innermostIndex(t) >= 0 {
		return
	}
	t.snapshot = nil
	t.book = nil
}
