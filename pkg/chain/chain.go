// Package chain layers commit/branch/checkout/log/backup/restore on top of
// a pkg/store.Store by appending "#commit"/"#branch" sentinel lines. It
// owns the process-local cursor (commit_head, branch); Store itself stays
// ignorant of commits and branches, and only ever passes sentinel lines
// through its rewrites verbatim.
package chain

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"crabdb/internal/config"
	"crabdb/pkg/codec"
	"crabdb/pkg/dberr"
	"crabdb/pkg/hashmix"
	"crabdb/pkg/store"

	"github.com/sirupsen/logrus"
)

// Commit is the decoded, in-memory view of a "#commit" sentinel, enriched
// with chain state (parent hash, author, branch) the wire format itself
// doesn't carry. Commit/CommitAs fill in all of them; Commits only
// reconstructs ParentHash from the preceding commit in file order and
// leaves Timestamp, Author and Branch empty.
type Commit struct {
	Hash       uint64
	ParentHash uint64
	Message    string
	Timestamp  int64
	Author     string
	Branch     string
}

// Chain wraps a Store with commit/branch cursor state.
type Chain struct {
	store  *store.Store
	log    *logrus.Logger
	author string

	branch     string
	commitHead uint64
}

// settings collects every Option's effect before the underlying Store is
// opened, so options like WithFsyncDir that belong to the Store can be
// forwarded to it instead of only ever reaching the Chain wrapper.
type settings struct {
	log      *logrus.Logger
	author   string
	branch   string
	fsyncDir bool
}

// Option configures a Chain (and the Store it wraps) at construction time.
type Option func(*settings)

// WithLogger overrides the default logrus.Logger.
func WithLogger(log *logrus.Logger) Option {
	return func(s *settings) { s.log = log }
}

// WithAuthor sets the default commit author ("system" unless provided).
func WithAuthor(author string) Option {
	return func(s *settings) { s.author = author }
}

// WithDefaultBranch overrides the branch name a fresh Chain starts on.
func WithDefaultBranch(branch string) Option {
	return func(s *settings) { s.branch = branch }
}

// WithFsyncDir forwards config.Config.FsyncDir to the underlying Store,
// so the containing directory is fsynced after every rewrite's rename.
func WithFsyncDir(v bool) Option {
	return func(s *settings) { s.fsyncDir = v }
}

func resolveSettings(opts ...Option) settings {
	s := settings{
		log:    logrus.New(),
		author: config.DefaultAuthor,
		branch: config.DefaultBranch,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func wrap(s *store.Store, cfg settings) *Chain {
	return &Chain{
		store:      s,
		log:        cfg.log,
		author:     cfg.author,
		branch:     cfg.branch,
		commitHead: s.BootstrapHash(),
	}
}

// Open opens an existing record file and bootstraps the chain cursor to
// Hash(path) until a real commit or branch sentinel moves it.
func Open(path string, opts ...Option) (*Chain, error) {
	cfg := resolveSettings(opts...)
	s, err := store.Open(path, store.WithLogger(cfg.log), store.WithFsyncDir(cfg.fsyncDir))
	if err != nil {
		return nil, err
	}
	return wrap(s, cfg), nil
}

// Create truncates (or creates) path to an empty record file and
// bootstraps the chain cursor.
func Create(path string, opts ...Option) (*Chain, error) {
	cfg := resolveSettings(opts...)
	s, err := store.Create(path, store.WithLogger(cfg.log), store.WithFsyncDir(cfg.fsyncDir))
	if err != nil {
		return nil, err
	}
	return wrap(s, cfg), nil
}

// Close releases the underlying Store.
func (c *Chain) Close() error {
	return c.store.Close()
}

// Store returns the underlying Store, for callers that need direct
// Put/Get/Del access alongside chain operations.
func (c *Chain) Store() *store.Store {
	return c.store
}

// Branch returns the current branch name.
func (c *Chain) Branch() string {
	return c.branch
}

// CommitHead returns the current commit-head hash.
func (c *Chain) CommitHead() uint64 {
	return c.commitHead
}

// Commit appends a "#commit" sentinel recording message against the
// current commit_head as parent, then advances commit_head to the new
// commit's hash. The commit hash is a content-addressed identifier over
// "<message>:<epoch-seconds>", not a cryptographic digest.
func (c *Chain) Commit(message string) (Commit, error) {
	return c.commitAs(message, c.author)
}

// CommitAs is Commit with an explicit author override.
func (c *Chain) CommitAs(message, author string) (Commit, error) {
	return c.commitAs(message, author)
}

func (c *Chain) commitAs(message, author string) (Commit, error) {
	ts := time.Now().Unix()
	newHash := hashmix.Sum64([]byte(fmt.Sprintf("%s:%d", message, ts)))
	parent := c.commitHead

	if err := c.store.AppendRaw(codec.EncodeCommit(newHash, message, ts)); err != nil {
		return Commit{}, err
	}
	c.commitHead = newHash

	commit := Commit{
		Hash:       newHash,
		ParentHash: parent,
		Message:    message,
		Timestamp:  ts,
		Author:     author,
		Branch:     c.branch,
	}
	c.log.WithFields(logrus.Fields{"hash": hashmix.HexString(newHash), "message": message}).Debug("commit")
	return commit, nil
}

// BranchTo reassigns the current branch pointer to name, appending a
// "#branch" sentinel and moving commit_head to Hash(name).
func (c *Chain) BranchTo(name string) error {
	if err := validateBranchName(name); err != nil {
		return err
	}
	newHash := hashmix.Sum64([]byte(name))
	if err := c.store.AppendRaw(codec.EncodeBranch(newHash, name)); err != nil {
		return err
	}
	c.branch = name
	c.commitHead = newHash
	c.log.WithFields(logrus.Fields{"branch": name}).Debug("branch")
	return nil
}

// Checkout scans the file for a sentinel matching target — either a
// "#branch" sentinel whose name equals target, or any sentinel whose
// stored hash equals target parsed as a literal hex16 hash string — and
// repositions the cursor to it. Only the cursor moves; no records are
// rewritten or rebased. When more than one sentinel matches (a branch
// reassigned more than once, or a hash that happens to equal both a
// branch's and a commit's), the most recently appended match wins,
// mirroring ordinary git HEAD semantics.
func (c *Chain) Checkout(target string) error {
	parsedHash, isHex := hashmix.ParseHex(target)

	var matchedBranch string
	var matchedHash uint64
	found := false

	err := c.store.ScanRaw(func(raw []byte) (bool, error) {
		line, err := codec.Decode(raw)
		if err != nil {
			return false, err
		}
		switch line.Kind {
		case codec.KindBranch:
			if line.Message == target {
				matchedBranch = line.Message
				matchedHash = line.SentinelHash
				found = true
			} else if isHex && line.SentinelHash == parsedHash {
				matchedBranch = line.Message
				matchedHash = parsedHash
				found = true
			}
		case codec.KindCommit:
			if isHex && line.SentinelHash == parsedHash {
				matchedBranch = c.branch
				matchedHash = parsedHash
				found = true
			}
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if !found {
		return dberr.Wrap(dberr.NotFound, fmt.Sprintf("no commit or branch matches %q", target), nil)
	}

	c.branch = matchedBranch
	c.commitHead = matchedHash
	c.log.WithFields(logrus.Fields{"target": target}).Debug("checkout")
	return nil
}

// Log scans commit sentinels in file order, invoking visit(hash, message)
// for each one whose embedded hash is re-verified against
// Hash("<message>:<timestamp>"); sentinels that fail re-verification are
// silently skipped. visit returns false to stop the scan early.
func (c *Chain) Log(visit func(hash uint64, message string) bool) error {
	return c.store.ScanRaw(func(raw []byte) (bool, error) {
		line, err := codec.Decode(raw)
		if err != nil {
			return false, err
		}
		if line.Kind != codec.KindCommit {
			return true, nil
		}
		recomputed := hashmix.Sum64([]byte(fmt.Sprintf("%s:%d", line.Message, line.Timestamp)))
		if recomputed != line.SentinelHash {
			return true, nil
		}
		return visit(line.SentinelHash, line.Message), nil
	})
}

// Commits collects every re-verified commit sentinel in file order, for
// callers that want a slice rather than a callback.
func (c *Chain) Commits() ([]Commit, error) {
	var out []Commit
	var parent uint64
	err := c.Log(func(hash uint64, message string) bool {
		out = append(out, Commit{Hash: hash, ParentHash: parent, Message: message})
		parent = hash
		return true
	})
	return out, err
}

// Backup rewrites the database bytes into dstPath prefixed with a header
// line "#backup_hash=<hex16 Hash(dstPath)>\n".
func (c *Chain) Backup(dstPath string) error {
	src, err := os.Open(c.store.Path())
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("open %s for backup", c.store.Path()), err)
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("create backup %s", dstPath), err)
	}
	defer dst.Close()

	header := codec.EncodeBackupHeader(hashmix.Sum64([]byte(dstPath)))
	if _, err := dst.Write(header); err != nil {
		return dberr.Wrap(dberr.IO, "write backup header", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		return dberr.Wrap(dberr.IO, "copy backup body", err)
	}
	if err := dst.Sync(); err != nil {
		return dberr.Wrap(dberr.IO, "sync backup", err)
	}
	c.log.WithField("dst", dstPath).Debug("backup")
	return nil
}

// Restore reads srcPath, requiring its first line to be a "#backup_hash="
// header whose value equals Hash(srcPath); any mismatch or absence is
// Corrupted. The remaining bytes are then copied verbatim to dstPath.
func Restore(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("open backup %s", srcPath), err)
	}
	defer src.Close()

	reader := bufio.NewReader(src)
	headerLine, err := reader.ReadBytes('\n')
	if err != nil && err != io.EOF {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("read backup header from %s", srcPath), err)
	}
	line, err := codec.Decode(headerLine)
	if err != nil || line.Kind != codec.KindBackupHeader {
		return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("%s is missing a #backup_hash= header", srcPath), nil)
	}
	expected := hashmix.Sum64([]byte(srcPath))
	if line.SentinelHash != expected {
		return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("backup header hash mismatch for %s", srcPath), nil)
	}

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return dberr.Wrap(dberr.IO, fmt.Sprintf("create restore target %s", dstPath), err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, reader); err != nil {
		return dberr.Wrap(dberr.IO, "copy restore body", err)
	}
	return dst.Sync()
}

// branchInvalidChars mirrors git's own disallowed-character set for
// refs/heads names. Branch names here live in a sentinel line rather
// than a filesystem ref path, but the same characters remain worth
// rejecting since they would make a "#branch H name" line ambiguous or
// surprising to a reader of the raw file.
var branchInvalidChars = []rune{' ', '~', '^', ':', '?', '*', '[', '\\', '\n', '\r'}

func validateBranchName(name string) error {
	if name == "" {
		return dberr.Wrap(dberr.InvalidParam, "branch name must not be empty", nil)
	}
	if name == "HEAD" {
		return dberr.Wrap(dberr.InvalidParam, "branch name \"HEAD\" is reserved", nil)
	}
	if strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") || strings.HasPrefix(name, "#") {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("branch name %q has an invalid prefix", name), nil)
	}
	if strings.Contains(name, "..") {
		return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("branch name %q must not contain \"..\"", name), nil)
	}
	for _, r := range branchInvalidChars {
		if strings.ContainsRune(name, r) {
			return dberr.Wrap(dberr.InvalidParam, fmt.Sprintf("branch name %q contains disallowed character %q", name, r), nil)
		}
	}
	return nil
}
