// Package codec is the bidirectional translator between a record/sentinel
// and its on-disk line form.
package codec

import (
	"fmt"
	"strconv"
	"strings"

	"crabdb/pkg/dberr"
	"crabdb/pkg/hashmix"
)

// Kind classifies a decoded line.
type Kind int

const (
	// KindRecord is a "key=value #hash=H" line (or a legacy hash-less one).
	KindRecord Kind = iota
	// KindCommit is a "#commit H message ts" sentinel.
	KindCommit
	// KindBranch is a "#branch H name" sentinel.
	KindBranch
	// KindBackupHeader is a "#backup_hash=H" header line.
	KindBackupHeader
	// KindOtherSentinel is any other "#..." line, preserved verbatim and
	// ignored by the record/sentinel codecs.
	KindOtherSentinel
)

// Line is the decoded form of one line from a record file.
type Line struct {
	Kind Kind

	// Populated when Kind == KindRecord.
	Key          string
	Value        string
	HashClaim    uint64
	HasHashClaim bool

	// Populated when Kind == KindCommit or KindBranch.
	SentinelHash uint64
	Message      string // commit message, or branch name
	Timestamp    int64  // commit only

	// Raw is the original line with the trailing newline/CR stripped,
	// always populated so callers can pass through KindOtherSentinel (and
	// any line, for verbatim rewriting) without re-encoding it.
	Raw string
}

const hashSuffixPrefix = " #hash="

// EncodeRecord renders key=value as a canonical record line, including a
// freshly computed integrity tag. Returns dberr.ErrInvalidParam if key is
// empty, contains '\n' or '\r', or starts with '#' (which would make it
// indistinguishable from a sentinel on the next read).
func EncodeRecord(key, value string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	body := key + "=" + value
	h := hashmix.Sum64([]byte(body))
	line := body + hashSuffixPrefix + hashmix.HexString(h) + "\n"
	return []byte(line), nil
}

func validateKey(key string) error {
	if key == "" {
		return dberr.Wrap(dberr.InvalidParam, "empty key", nil)
	}
	if strings.ContainsAny(key, "\n\r") {
		return dberr.Wrap(dberr.InvalidParam, "key contains newline", nil)
	}
	if strings.HasPrefix(key, "#") {
		return dberr.Wrap(dberr.InvalidParam, "key cannot start with '#'", nil)
	}
	return nil
}

// Decode parses one line (with or without trailing newline) into its
// record or sentinel form. A line starting with '#' is always a sentinel,
// never a record.
func Decode(rawLine []byte) (Line, error) {
	trimmed := strings.TrimRight(string(rawLine), "\r\n")

	if strings.HasPrefix(trimmed, "#") {
		return decodeSentinel(trimmed)
	}
	return decodeRecord(trimmed)
}

// decodeRecord strips the " #hash=H" suffix first and only then splits the
// remaining key=value segment at its first '=', so a damaged '=' in that
// segment cannot be confused with the '=' of the suffix. A line with a
// hash claim but no '=' before it decodes with the whole segment as its
// key, which Verify then reports as Corrupted; a line with neither is
// malformed.
func decodeRecord(trimmed string) (Line, error) {
	body := trimmed
	var claim uint64
	hasClaim := false

	if idx := strings.LastIndex(trimmed, hashSuffixPrefix); idx >= 0 {
		candidate := trimmed[idx+len(hashSuffixPrefix):]
		if parsed, ok := hashmix.ParseHex(candidate); ok {
			body = trimmed[:idx]
			claim = parsed
			hasClaim = true
		}
	}

	key, value := body, ""
	if eq := strings.IndexByte(body, '='); eq >= 0 {
		key, value = body[:eq], body[eq+1:]
	} else if !hasClaim {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed record line %q: no '='", trimmed), nil)
	}

	return Line{
		Kind:         KindRecord,
		Key:          key,
		Value:        value,
		HashClaim:    claim,
		HasHashClaim: hasClaim,
		Raw:          trimmed,
	}, nil
}

// Verify recomputes the integrity tag for a decoded record line. A record
// with no hash claim (legacy line) is always Ok. A record whose claim
// disagrees with the recomputed hash is Corrupted.
func Verify(l Line) error {
	if l.Kind != KindRecord {
		return nil
	}
	if !l.HasHashClaim {
		return nil
	}
	body := l.Key + "=" + l.Value
	if hashmix.Sum64([]byte(body)) != l.HashClaim {
		return dberr.Wrap(dberr.Corrupted, fmt.Sprintf("hash mismatch for key %q", l.Key), nil)
	}
	return nil
}

// EncodeCommit renders a "#commit" sentinel line.
func EncodeCommit(hash uint64, message string, epochSeconds int64) []byte {
	return []byte(fmt.Sprintf("#commit %s %s %d\n", hashmix.HexString(hash), message, epochSeconds))
}

// EncodeBranch renders a "#branch" sentinel line.
func EncodeBranch(hash uint64, name string) []byte {
	return []byte(fmt.Sprintf("#branch %s %s\n", hashmix.HexString(hash), name))
}

// EncodeBackupHeader renders the "#backup_hash=" header written at the top
// of every backup file.
func EncodeBackupHeader(hash uint64) []byte {
	return []byte(fmt.Sprintf("#backup_hash=%s\n", hashmix.HexString(hash)))
}

func decodeSentinel(trimmed string) (Line, error) {
	switch {
	case strings.HasPrefix(trimmed, "#commit "):
		return decodeCommitSentinel(trimmed)
	case strings.HasPrefix(trimmed, "#branch "):
		return decodeBranchSentinel(trimmed)
	case strings.HasPrefix(trimmed, "#backup_hash="):
		return decodeBackupHeader(trimmed)
	default:
		return Line{Kind: KindOtherSentinel, Raw: trimmed}, nil
	}
}

func decodeCommitSentinel(trimmed string) (Line, error) {
	fields := strings.Fields(trimmed)
	// "#commit" <hash> <msg...> <ts>
	if len(fields) < 3 {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed #commit sentinel %q", trimmed), nil)
	}
	hash, ok := hashmix.ParseHex(fields[1])
	if !ok {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed #commit hash in %q", trimmed), nil)
	}
	tsField := fields[len(fields)-1]
	ts, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed #commit timestamp in %q", trimmed), err)
	}
	message := strings.Join(fields[2:len(fields)-1], " ")
	return Line{
		Kind:         KindCommit,
		SentinelHash: hash,
		Message:      message,
		Timestamp:    ts,
		Raw:          trimmed,
	}, nil
}

func decodeBranchSentinel(trimmed string) (Line, error) {
	fields := strings.Fields(trimmed)
	// "#branch" <hash> <name>
	if len(fields) < 3 {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed #branch sentinel %q", trimmed), nil)
	}
	hash, ok := hashmix.ParseHex(fields[1])
	if !ok {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed #branch hash in %q", trimmed), nil)
	}
	name := strings.Join(fields[2:], " ")
	return Line{
		Kind:         KindBranch,
		SentinelHash: hash,
		Message:      name,
		Raw:          trimmed,
	}, nil
}

func decodeBackupHeader(trimmed string) (Line, error) {
	hex := strings.TrimPrefix(trimmed, "#backup_hash=")
	hash, ok := hashmix.ParseHex(hex)
	if !ok {
		return Line{}, dberr.Wrap(dberr.Corrupted, fmt.Sprintf("malformed backup header %q", trimmed), nil)
	}
	return Line{
		Kind:         KindBackupHeader,
		SentinelHash: hash,
		Raw:          trimmed,
	}, nil
}
