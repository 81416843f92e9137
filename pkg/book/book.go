// Package book implements an in-memory ordered key/value collection:
// insertion, update, deletion, search, filter, join, merge, stable
// merge-sort, and snapshot-based transactions.
package book

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"crabdb/pkg/dberr"
)

// Attrs are the attribute flags carried alongside every Entry.
type Attrs struct {
	IsPrimaryKey bool
	IsUnique     bool
	IsNullable   bool
}

// Entry is one key/value pair with its attribute flags.
type Entry struct {
	Key   string
	Value string
	Attrs Attrs
}

// page is one cell of the Book's insertion-ordered doubly linked list.
type page struct {
	entry      Entry
	prev, next *page
}

// Order selects the direction for Sort.
type Order int

const (
	Ascending Order = iota
	Descending
)

// Book is an ordered, in-memory multimap of key/value entries. The zero
// value is not usable; construct with New.
type Book struct {
	head, tail *page
	size       int

	// txns is the LIFO stack of open transactions for this Book: nested
	// transactions must close innermost-first.
	txns []*Transaction
}

// New creates an empty Book.
func New() *Book {
	return &Book{}
}

// Size returns the number of entries, O(1).
func (b *Book) Size() int {
	return b.size
}

// IsEmpty reports whether the Book has no entries, O(1).
func (b *Book) IsEmpty() bool {
	return b.size == 0
}

// Clear removes every entry, O(n) (it must release each page).
func (b *Book) Clear() {
	for p := b.head; p != nil; {
		next := p.next
		p.prev, p.next = nil, nil
		p = next
	}
	b.head, b.tail = nil, nil
	b.size = 0
}

// Insert appends a new entry at the tail. Duplicate keys are allowed — the
// Book is a multimap unless the caller enforces uniqueness itself (see
// InsertUnique). Returns dberr.ErrInvalidParam for an empty key.
func (b *Book) Insert(key, value string, attrs Attrs) error {
	if key == "" {
		return dberr.Wrap(dberr.InvalidParam, "empty key", nil)
	}
	p := &page{entry: Entry{Key: key, Value: value, Attrs: attrs}}
	if b.tail == nil {
		b.head, b.tail = p, p
	} else {
		p.prev = b.tail
		b.tail.next = p
		b.tail = p
	}
	b.size++
	return nil
}

// InsertUnique is a convenience for callers that want the IsUnique
// attribute enforced: it fails with dberr.ErrAlreadyExists if key is
// already present, instead of silently allowing a duplicate.
func (b *Book) InsertUnique(key, value string, attrs Attrs) error {
	if _, ok := b.Search(key); ok {
		return dberr.Wrap(dberr.AlreadyExists, fmt.Sprintf("key %q already exists", key), nil)
	}
	attrs.IsUnique = true
	return b.Insert(key, value, attrs)
}

// find returns the first page matching key, or nil.
func (b *Book) find(key string) *page {
	for p := b.head; p != nil; p = p.next {
		if p.entry.Key == key {
			return p
		}
	}
	return nil
}

// Update sets the value of the first page whose key matches, preserving
// position and attributes. Returns dberr.ErrNotFound if no page matches.
func (b *Book) Update(key, newValue string) error {
	p := b.find(key)
	if p == nil {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("key %q not found", key), nil)
	}
	p.entry.Value = newValue
	return nil
}

// Delete removes the first page whose key matches, splicing neighbors.
// Returns dberr.ErrNotFound if no page matches; size is unchanged in that
// case.
func (b *Book) Delete(key string) error {
	p := b.find(key)
	if p == nil {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("key %q not found", key), nil)
	}
	b.unlink(p)
	return nil
}

func (b *Book) unlink(p *page) {
	if p.prev != nil {
		p.prev.next = p.next
	} else {
		b.head = p.next
	}
	if p.next != nil {
		p.next.prev = p.prev
	} else {
		b.tail = p.prev
	}
	p.prev, p.next = nil, nil
	b.size--
}

// Search returns the first matching entry by value-copy semantics at the
// call site (the returned Entry is a snapshot; the underlying page remains
// valid until the next mutation).
func (b *Book) Search(key string) (Entry, bool) {
	p := b.find(key)
	if p == nil {
		return Entry{}, false
	}
	return p.entry, true
}

// Entries returns a snapshot slice of every entry in insertion order. It
// always allocates a fresh slice; mutating it does not affect the Book.
func (b *Book) Entries() []Entry {
	out := make([]Entry, 0, b.size)
	for p := b.head; p != nil; p = p.next {
		out = append(out, p.entry)
	}
	return out
}

// Filter returns a new Book containing copies of entries where predicate
// holds, in source order.
func (b *Book) Filter(predicate func(Entry) bool) *Book {
	out := New()
	for p := b.head; p != nil; p = p.next {
		if predicate(p.entry) {
			_ = out.Insert(p.entry.Key, p.entry.Value, p.entry.Attrs)
		}
	}
	return out
}

// Join performs an inner join of a and b on exact key equality: for each
// match it emits the A entry followed by the B entry, in A-order and then,
// for each A row, B-order. Emissions are NOT deduplicated — every (A,B)
// pair with equal keys is emitted, matching ordinary SQL inner-join
// semantics.
func Join(a, b *Book) *Book {
	out := New()
	for pa := a.head; pa != nil; pa = pa.next {
		for pb := b.head; pb != nil; pb = pb.next {
			if pa.entry.Key == pb.entry.Key {
				_ = out.Insert(pa.entry.Key, pa.entry.Value, pa.entry.Attrs)
				_ = out.Insert(pb.entry.Key, pb.entry.Value, pb.entry.Attrs)
			}
		}
	}
	return out
}

// Merge concatenates copies of a then b, preserving order.
func Merge(a, b *Book) *Book {
	out := New()
	for p := a.head; p != nil; p = p.next {
		_ = out.Insert(p.entry.Key, p.entry.Value, p.entry.Attrs)
	}
	for p := b.head; p != nil; p = p.next {
		_ = out.Insert(p.entry.Key, p.entry.Value, p.entry.Attrs)
	}
	return out
}

// Sort reorders the Book in place by key using lexicographic byte order.
// It is a stable merge-sort: ties keep their original relative order.
// Ascending yields a <= b <= c...; Descending is the pointwise reverse.
// An empty Book sorts to itself without error.
func (b *Book) Sort(order Order) error {
	if b.size == 0 {
		return nil
	}

	pages := make([]*page, 0, b.size)
	for p := b.head; p != nil; p = p.next {
		pages = append(pages, p)
	}

	sort.SliceStable(pages, func(i, j int) bool {
		cmp := strings.Compare(pages[i].entry.Key, pages[j].entry.Key)
		if order == Descending {
			return cmp > 0
		}
		return cmp < 0
	})

	b.relink(pages)
	return nil
}

func (b *Book) relink(pages []*page) {
	for i, p := range pages {
		if i == 0 {
			p.prev = nil
		} else {
			p.prev = pages[i-1]
		}
		if i == len(pages)-1 {
			p.next = nil
		} else {
			p.next = pages[i+1]
		}
	}
	b.head = pages[0]
	b.tail = pages[len(pages)-1]
}

// DumpToFile writes every entry as a flat "key=value\n" dump with no
// integrity tags, for interchange with tools outside this module.
func (b *Book) DumpToFile(path string) error {
	var buf bytes.Buffer
	for p := b.head; p != nil; p = p.next {
		buf.WriteString(p.entry.Key)
		buf.WriteByte('=')
		buf.WriteString(p.entry.Value)
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return dberr.Wrap(dberr.IO, "dump_to_file failed", err)
	}
	return nil
}

// LoadFromFile reads a flat "key=value\n" dump into a new Book. It does
// not verify hashes (there are none to verify in this format). Empty lines
// are skipped; a line with no '=' is rejected as dberr.ErrCorrupted, and a
// line with an empty key is rejected by Insert as dberr.ErrInvalidParam.
func LoadFromFile(path string) (*Book, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, "load_from_file failed", err)
	}
	defer f.Close()

	out := New()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		eq := strings.IndexByte(line, '=')
		if eq < 0 {
			return nil, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed dump line %q", line), nil)
		}
		key, value := line[:eq], line[eq+1:]
		if err := out.Insert(key, value, Attrs{}); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, dberr.Wrap(dberr.IO, "load_from_file scan failed", err)
	}
	return out, nil
}
