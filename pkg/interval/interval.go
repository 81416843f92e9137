// Package interval is the IntervalStore variant of pkg/store: records are
// half-open (start,end) intervals rather than key=value pairs, supporting
// overlap queries. It reuses the same atomic rewrite discipline as
// pkg/store but speaks its own line format ("start,end|H\n"), so it does
// not embed *store.Store directly.
package interval

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"crabdb/pkg/dberr"
	"crabdb/pkg/hashmix"

	"github.com/sirupsen/logrus"
)

// Interval is a half-open range [Start, End).
type Interval struct {
	Start uint64
	End   uint64
}

func (iv Interval) body() string {
	return fmt.Sprintf("%d,%d", iv.Start, iv.End)
}

func (iv Interval) hash() uint64 {
	return hashmix.Sum64([]byte(iv.body()))
}

func encodeLine(iv Interval) []byte {
	return []byte(fmt.Sprintf("%s|%s\n", iv.body(), hashmix.HexString(iv.hash())))
}

// decodeLine parses "start,end|H" and returns the interval plus its
// claimed hash. Returns dberr.ErrCorrupted for any structurally malformed
// line.
func decodeLine(raw []byte) (Interval, uint64, error) {
	trimmed := strings.TrimRight(string(raw), "\r\n")
	bar := strings.IndexByte(trimmed, '|')
	if bar < 0 {
		return Interval{}, 0, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed interval line %q: no '|'", trimmed), nil)
	}
	pair := trimmed[:bar]
	hashHex := trimmed[bar+1:]

	comma := strings.IndexByte(pair, ',')
	if comma < 0 {
		return Interval{}, 0, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed interval line %q: no ','", trimmed), nil)
	}
	start, err := strconv.ParseUint(pair[:comma], 10, 64)
	if err != nil {
		return Interval{}, 0, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed start in %q", trimmed), err)
	}
	end, err := strconv.ParseUint(pair[comma+1:], 10, 64)
	if err != nil {
		return Interval{}, 0, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed end in %q", trimmed), err)
	}
	claim, ok := hashmix.ParseHex(hashHex)
	if !ok {
		return Interval{}, 0, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed interval hash in %q", trimmed), nil)
	}
	return Interval{Start: start, End: end}, claim, nil
}

const maxLineSize = 16 * 1024 * 1024

var allowedExtensions = map[string]bool{
	".myshell": true,
	".crabdb":  true,
	".fdb":     true,
}

// Store is a file-backed store of half-open intervals.
type Store struct {
	path string
	log  *logrus.Logger
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default logrus.Logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *Store) { s.log = log }
}

func validateExtension(path string) error {
	ext := filepath.Ext(path)
	if !allowedExtensions[ext] {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("unsupported interval file extension %q", ext), nil)
	}
	return nil
}

func validateInterval(iv Interval) error {
	if iv.Start >= iv.End {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("invalid interval [%d,%d): start must be < end", iv.Start, iv.End), nil)
	}
	return nil
}

// Open opens an existing interval file.
func Open(path string, opts ...Option) (*Store, error) {
	if err := validateExtension(path); err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, dberr.Wrap(dberr.IO, fmt.Sprintf("open %s", path), err)
	}
	return newStore(path, opts...), nil
}

// Create truncates (or creates) path to an empty interval file.
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
	return newStore(path, opts...), nil
}

func newStore(path string, opts ...Option) *Store {
	s := &Store{path: path, log: logrus.New()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Close is a no-op placeholder mirroring pkg/store.Store's lifecycle
// contract; Store holds no long-lived file handle.
func (s *Store) Close() error {
	return nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Size returns the current backing file size in bytes, mirroring
// pkg/store.Store.Size for callers that track both stores' footprints
// the same way.
func (s *Store) Size() (int64, error) {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0, dberr.Wrap(dberr.IO, fmt.Sprintf("stat %s", s.path), err)
	}
	return info.Size(), nil
}

// Insert appends start,end|Hash("start,end") to the file.
func (s *Store) Insert(iv Interval) error {
	if err := validateInterval(iv); err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("append to %s", s.path), err)
	}
	defer f.Close()

	if _, err := f.Write(encodeLine(iv)); err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("append to %s", s.path), err)
	}
	if err := f.Sync(); err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("fsync %s", s.path), err)
	}
	s.log.WithFields(logrus.Fields{"start": iv.Start, "end": iv.End}).Debug("interval insert")
	return nil
}

// Find scans all records; for each, recomputes the hash (returning
// dberr.ErrCorrupted on the first mismatch), and collects every interval
// overlapping query — half-open: start < query.End && query.Start < end —
// up to maxResults. totalMatches counts every overlap seen, even past
// maxResults, so callers can detect truncation. Returns dberr.ErrNotFound
// if zero matches.
func (s *Store) Find(query Interval, maxResults int) (results []Interval, totalMatches int, err error) {
	err = s.scan(func(iv Interval) (bool, error) {
		if iv.Start < query.End && query.Start < iv.End {
			totalMatches++
			if len(results) < maxResults {
				results = append(results, iv)
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, 0, err
	}
	if totalMatches == 0 {
		return nil, 0, dberr.Wrap(dberr.NotFound, fmt.Sprintf("no interval overlaps [%d,%d)", query.Start, query.End), nil)
	}
	return results, totalMatches, nil
}

// Update rewrites the first record exactly equal to oldIv into newIv.
func (s *Store) Update(oldIv, newIv Interval) error {
	if err := validateInterval(newIv); err != nil {
		return err
	}
	matched := false
	err := s.rewrite(func(w *bufio.Writer, iv Interval) error {
		if !matched && iv == oldIv {
			matched = true
			_, werr := w.Write(encodeLine(newIv))
			return werr
		}
		_, werr := w.Write(encodeLine(iv))
		return werr
	})
	if err != nil {
		return err
	}
	if !matched {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("interval [%d,%d) not found", oldIv.Start, oldIv.End), nil)
	}
	return nil
}

// Remove deletes the first record exactly equal to target.
func (s *Store) Remove(target Interval) error {
	matched := false
	err := s.rewrite(func(w *bufio.Writer, iv Interval) error {
		if !matched && iv == target {
			matched = true
			return nil
		}
		_, werr := w.Write(encodeLine(iv))
		return werr
	})
	if err != nil {
		return err
	}
	if !matched {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("interval [%d,%d) not found", target.Start, target.End), nil)
	}
	return nil
}

// VerifyIntegrity scans every record and returns dberr.ErrCorrupted on the
// first hash mismatch or malformed line.
func (s *Store) VerifyIntegrity() error {
	return s.scan(func(Interval) (bool, error) { return true, nil })
}

// Count returns the number of interval records in the file.
func (s *Store) Count() (int, error) {
	n := 0
	err := s.scan(func(Interval) (bool, error) {
		n++
		return true, nil
	})
	return n, err
}

func (s *Store) scan(visit func(Interval) (bool, error)) error {
	f, err := os.Open(s.path)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("open %s for scan", s.path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		iv, claim, err := decodeLine(raw)
		if err != nil {
			return err
		}
		if claim != iv.hash() {
			return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("hash mismatch for interval [%d,%d)", iv.Start, iv.End), nil)
		}
		cont, err := visit(iv)
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

func (s *Store) rewrite(perLine func(w *bufio.Writer, iv Interval) error) error {
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
			raw := scanner.Bytes()
			if len(raw) == 0 {
				continue
			}
			iv, claim, decErr := decodeLine(raw)
			if decErr != nil {
				existing.Close()
				return decErr
			}
			if claim != iv.hash() {
				existing.Close()
				return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("hash mismatch for interval [%d,%d)", iv.Start, iv.End), nil)
			}
			if err := perLine(w, iv); err != nil {
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
	return nil
}

// Backup rewrites the interval file into dstPath prefixed with a
// "#backup_hash=" header, mirroring chain.Chain.Backup semantics.
func (s *Store) Backup(dstPath string) error {
	src, err := os.Open(s.path)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("open %s for backup", s.path), err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("create backup %s", dstPath), err)
	}
	defer dst.Close()

	header := fmt.Sprintf("#backup_hash=%s\n", hashmix.HexString(hashmix.Sum64([]byte(dstPath))))
	if _, err := dst.WriteString(header); err != nil {
		return dberr.Wrap(dberr.IO, "write backup header", err)
	}
	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return dberr.Wrap(dberr.IO, "copy backup body", werr)
			}
		}
		if rerr != nil {
			break
		}
	}
	return dst.Sync()
}

// Restore reads srcPath, requiring a valid "#backup_hash=" header matching
// Hash(srcPath), then copies the remaining bytes verbatim to dstPath.
func Restore(srcPath, dstPath string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("open backup %s", srcPath), err)
	}
	nl := strings.IndexByte(string(data), '\n')
	if nl < 0 {
		return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("%s is missing a #backup_hash= header", srcPath), nil)
	}
	header := string(data[:nl])
	const prefix = "#backup_hash="
	if !strings.HasPrefix(header, prefix) {
		return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("%s is missing a #backup_hash= header", srcPath), nil)
	}
	claim, ok := hashmix.ParseHex(strings.TrimPrefix(header, prefix))
	if !ok || claim != hashmix.Sum64([]byte(srcPath)) {
		return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("backup header hash mismatch for %s", srcPath), nil)
	}
	return os.WriteFile(dstPath, data[nl+1:], 0o644)
}
