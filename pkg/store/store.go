// Package store is the file-backed persistence layer for key/value
// records: append-and-rewrite record lines with per-line integrity tags,
// using an atomic temp-file-then-rename discipline for every mutation.
package store

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"crabdb/pkg/codec"
	"crabdb/pkg/dberr"
	"crabdb/pkg/hashmix"

	"github.com/sirupsen/logrus"
)

// allowedExtensions are the record-file variants this store accepts.
var allowedExtensions = map[string]bool{
	".myshell": true,
	".crabdb":  true,
	".fdb":     true,
}

const maxLineSize = 16 * 1024 * 1024

// Store is a file-backed, line-encoded persistent record store.
type Store struct {
	path string
	log  *logrus.Logger

	// fsyncDir additionally syncs the containing directory after a
	// temp-file rename, for callers that want directory-entry durability
	// as well as file-content durability.
	fsyncDir bool

	// cached metadata, refreshed after every rewrite.
	size    int64
	modTime time.Time

	// bootstrapHash is Hash(path), computed once at Open/Create time. The
	// Chain layer (pkg/chain) owns the actual commit_head/branch cursor
	// state; this is exposed so Chain.Open can seed it identically.
	bootstrapHash uint64
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default logrus.Logger (InfoLevel, stderr).
func WithLogger(log *logrus.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithFsyncDir enables fsyncing the containing directory after a rename.
func WithFsyncDir(v bool) Option {
	return func(s *Store) { s.fsyncDir = v }
}

func newStore(path string, opts ...Option) *Store {
	s := &Store{
		path:          path,
		log:           logrus.New(),
		bootstrapHash: hashmix.Sum64([]byte(path)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func validateExtension(path string) error {
	ext := filepath.Ext(path)
	if !allowedExtensions[ext] {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("unsupported record file extension %q", ext), nil)
	}
	return nil
}

// Open opens an existing record file, validating its extension and
// caching its size/mtime. Returns a dberr.IO error if the file cannot be
// opened, dberr.ErrInvalidParam for a bad extension.
func Open(path string, opts ...Option) (*Store, error) {
	if err := validateExtension(path); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, fmt.Sprintf("open %s", path), err)
	}
	s := newStore(path, opts...)
	s.size = info.Size()
	s.modTime = info.ModTime()
	s.log.WithField("path", path).Debug("store opened")
	return s, nil
}

// Create truncates (or creates) path to an empty record file.
func Create(path string, opts ...Option) (*Store, error) {
	if err := validateExtension(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, dberr.Wrap(dberr.IO, fmt.Sprintf("create %s", path), err)
	}
	if err := f.Close(); err != nil {
		return nil, dberr.Wrap(dberr.IO, fmt.Sprintf("create %s", path), err)
	}
	s := newStore(path, opts...)
	s.size = 0
	s.modTime = time.Now()
	s.log.WithField("path", path).Debug("store created")
	return s, nil
}

// Close refreshes cached metadata one last time. Store holds no
// long-lived file handle between operations (each Put/Get/Del/scan opens
// and closes its own), so Close is idempotent and safe to call more than
// once.
func (s *Store) Close() error {
	s.refreshMetadata()
	s.log.WithField("path", s.path).Debug("store closed")
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// BootstrapHash returns Hash(path), the value a fresh chain cursor
// should seed its commit_head with before any real commit exists.
func (s *Store) BootstrapHash() uint64 {
	return s.bootstrapHash
}

// Size returns the cached file size in bytes, as of the last open/rewrite.
func (s *Store) Size() int64 {
	return s.size
}

// ModTime returns the cached modification time.
func (s *Store) ModTime() time.Time {
	return s.modTime
}

// Put writes key=value, replacing the first existing record with that key
// or appending a new canonical record line if none matches. Rewrites the
// whole file via a temp file + atomic rename. Sentinel lines (commits,
// branches, backup headers, anything else starting with '#') pass through
// untouched.
func (s *Store) Put(key, value string) error {
	newLine, err := codec.EncodeRecord(key, value)
	if err != nil {
		return err
	}

	matched := false
	err = s.rewrite(func(w *bufio.Writer, raw []byte) error {
		line, decErr := codec.Decode(raw)
		if decErr != nil {
			return decErr
		}
		if line.Kind != codec.KindRecord {
			_, werr := w.Write(raw)
			return werr
		}
		if !matched && line.Key == key {
			matched = true
			_, werr := w.Write(newLine)
			return werr
		}
		_, werr := w.Write(raw)
		return werr
	}, func(w *bufio.Writer) error {
		if !matched {
			_, err := w.Write(newLine)
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.WithFields(logrus.Fields{"path": s.path, "key": key}).Debug("put")
	return nil
}

// Get scans the file sequentially for key. Returns dberr.ErrNotFound if
// absent, dberr.ErrCorrupted on the first malformed or hash-mismatched
// record line encountered during the scan — including lines that don't
// match key — halting at the first sign of corruption rather than
// skipping past it. Trailing spaces and tabs on the value are stripped
// before it is returned.
func (s *Store) Get(key string) (string, error) {
	var value string
	found := false

	err := s.scanRecords(func(line codec.Line) (bool, error) {
		if err := codec.Verify(line); err != nil {
			return false, err
		}
		if line.Key == key {
			value = line.Value
			found = true
			return false, nil
		}
		return true, nil
	})
	if err != nil {
		return "", err
	}
	if !found {
		return "", dberr.Wrap(dberr.NotFound, fmt.Sprintf("key %q not found", key), nil)
	}
	return strings.TrimRight(value, " \t"), nil
}

// Del removes the first record matching key via the same rewrite
// discipline as Put. If no record matches, the temp file is discarded,
// the original file is left untouched, and dberr.ErrNotFound is returned.
func (s *Store) Del(key string) error {
	matched := false
	err := s.rewrite(func(w *bufio.Writer, raw []byte) error {
		line, decErr := codec.Decode(raw)
		if decErr != nil {
			return decErr
		}
		if line.Kind != codec.KindRecord {
			_, werr := w.Write(raw)
			return werr
		}
		if !matched && line.Key == key {
			matched = true
			return nil // omit this line
		}
		_, werr := w.Write(raw)
		return werr
	}, nil)
	if err != nil {
		return err
	}
	if !matched {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("key %q not found", key), nil)
	}
	s.log.WithFields(logrus.Fields{"path": s.path, "key": key}).Debug("del")
	return nil
}

// VerifyIntegrity scans every record line and returns dberr.ErrCorrupted on
// the first one whose claimed hash disagrees with the recomputed hash, or
// that is otherwise malformed. A record with no hash claim (legacy) is Ok.
func (s *Store) VerifyIntegrity() error {
	err := s.scanRecords(func(line codec.Line) (bool, error) {
		if verr := codec.Verify(line); verr != nil {
			return false, verr
		}
		return true, nil
	})
	if err != nil {
		s.log.WithFields(logrus.Fields{"path": s.path, "error": err}).Warn("integrity check failed")
		return err
	}
	return nil
}

// scanRecords streams decoded lines in file order, skipping sentinels,
// invoking visit(line) for every record. visit returns (continue, err):
// continue=false stops the scan early without error (e.g. once the target
// key is found); a non-nil err aborts the scan and is returned verbatim.
func (s *Store) scanRecords(visit func(codec.Line) (bool, error)) error {
	return s.ScanRaw(func(raw []byte) (bool, error) {
		line, err := codec.Decode(raw)
		if err != nil {
			return false, err
		}
		if line.Kind != codec.KindRecord {
			return true, nil
		}
		return visit(line)
	})
}

// ScanRaw streams every raw line (records and sentinels alike) from the
// backing file in order, without decoding. Chain uses this to find
// sentinel lines; Get/VerifyIntegrity use the record-only scanRecords
// wrapper.
func (s *Store) ScanRaw(visit func(raw []byte) (bool, error)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("open %s for scan", s.path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		cont, err := visit(scanner.Bytes())
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("scan %s", s.path), err)
	}
	return nil
}

// AppendRaw appends line to the file directly, without going through the
// rewrite-via-temp-file path — used for sentinel lines, which are always
// appended and never replaced in place.
func (s *Store) AppendRaw(line []byte) error {
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("append to %s", s.path), err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("append to %s", s.path), err)
	}
	if err := f.Sync(); err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("fsync %s", s.path), err)
	}
	s.refreshMetadata()
	return nil
}

// rewrite streams every existing line through perLine, which writes
// whatever it wants (unchanged, replaced, or nothing) for each input line,
// then calls tail (if non-nil) to append anything after the last line
// (e.g. Put's "no match -> append" case). The whole operation happens in a
// "<path>.tmp-*" file that is flushed, fsynced, and renamed over the
// original. On any failure the temp file is removed and the original is
// untouched.
func (s *Store) rewrite(perLine func(w *bufio.Writer, raw []byte) error, tail func(w *bufio.Writer) error) error {
	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return dberr.Wrap(dberr.IO, "create temp file for rewrite", err)
	}
	tmpPath := tmp.Name()
	succeeded := false
	defer func() {
		if !succeeded {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)

	existing, statErr := os.Open(s.path)
	if statErr == nil {
		scanner := bufio.NewScanner(existing)
		scanner.Buffer(make([]byte, 64*1024), maxLineSize)
		for scanner.Scan() {
			raw := append(append([]byte(nil), scanner.Bytes()...), '\n')
			if err := perLine(w, raw); err != nil {
				existing.Close()
				return err
			}
		}
		scanErr := scanner.Err()
		existing.Close()
		if scanErr != nil {
			return dberr.Wrap(dberr.IO, "scan during rewrite", scanErr)
		}
	} else if !os.IsNotExist(statErr) {
		return dberr.Wrap(dberr.IO, "open during rewrite", statErr)
	}

	if tail != nil {
		if err := tail(w); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return dberr.Wrap(dberr.IO, "flush rewrite", err)
	}
	if err := tmp.Sync(); err != nil {
		return dberr.Wrap(dberr.IO, "sync rewrite", err)
	}
	if err := tmp.Close(); err != nil {
		return dberr.Wrap(dberr.IO, "close rewrite", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		return dberr.Wrap(dberr.IO, "rename rewrite into place", err)
	}
	succeeded = true

	if s.fsyncDir {
		if dh, err := os.Open(dir); err == nil {
			dh.Sync()
			dh.Close()
		}
	}

	s.refreshMetadata()
	return nil
}

func (s *Store) refreshMetadata() {
	if info, err := os.Stat(s.path); err == nil {
		s.size = info.Size()
		s.modTime = info.ModTime()
	}
}
