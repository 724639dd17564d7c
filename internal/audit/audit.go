// Package audit implements the broker's tamper-evident audit trail: an
// append-only, hash-chained, newline-delimited JSON log. Every consequential
// action recorded elsewhere in the broker (registration, connection,
// consent, api_access, admin, termination, sync) is appended here and the
// resulting chain can be verified offline.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/careagent/neuron/internal/canon"
	"github.com/careagent/neuron/internal/clock"
)

// Category is the closed set of audit entry categories the spec defines.
type Category string

const (
	CategoryRegistration Category = "registration"
	CategoryConnection   Category = "connection"
	CategoryConsent      Category = "consent"
	CategoryAPIAccess    Category = "api_access"
	CategoryAdmin        Category = "admin"
	CategoryTermination  Category = "termination"
	CategorySync         Category = "sync"
)

// ZeroHash is the prev_hash value of the first entry in a chain: 64 hex zeros.
const ZeroHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single hash-chained audit record. Sequence is strictly
// monotonic starting at 1; Hash covers every other field via canon.Marshal
// with Hash itself omitted (invariant A1).
type Entry struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash"`
}

// hashable is Entry without Hash, used as the canonicalisation input for A1.
type hashable struct {
	Sequence  uint64         `json:"sequence"`
	Timestamp time.Time      `json:"timestamp"`
	Category  Category       `json:"category"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prev_hash"`
}

func computeHash(e hashable) (string, error) {
	b, err := canon.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalise entry: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Log is a single-writer, append-only hash chain backed by a newline
// delimited JSON file. All Append calls are serialised by mu, satisfying
// ordering guarantee O1.
type Log struct {
	mu           sync.Mutex
	path         string
	file         *os.File
	clock        clock.Clock
	log          *slog.Logger
	lastSequence uint64
	lastHash     string
}

// Open opens (creating if necessary) the audit log at path, scanning any
// existing content to recover the chain tail. A partial trailing line is
// truncated and a warning logged; the chain up to the last complete entry
// remains verifiable.
func Open(path string, clk clock.Clock, log *slog.Logger) (*Log, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}

	lastSeq, lastHash, truncateAt, err := scanTail(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	if truncateAt >= 0 {
		log.Warn("audit log: truncating partial trailing entry", "path", path, "offset", truncateAt)
		if err := f.Truncate(truncateAt); err != nil {
			f.Close()
			return nil, fmt.Errorf("audit: truncate partial tail: %w", err)
		}
	}
	if _, err := f.Seek(0, os.SEEK_END); err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: seek end: %w", err)
	}

	return &Log{
		path:         path,
		file:         f,
		clock:        clk,
		log:          log,
		lastSequence: lastSeq,
		lastHash:     lastHash,
	}, nil
}

// scanTail walks an existing log file (if any) to find the last complete
// entry's sequence/hash, and the byte offset at which a partial trailing
// line (if any) begins, so the caller can truncate it. Returns truncateAt
// -1 when there is no partial tail.
func scanTail(path string) (lastSeq uint64, lastHash string, truncateAt int64, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, ZeroHash, -1, nil
	}
	if err != nil {
		return 0, "", -1, fmt.Errorf("audit: open for scan: %w", err)
	}
	defer f.Close()

	lastHash = ZeroHash
	var offset int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	truncateAt = -1
	for scanner.Scan() {
		line := scanner.Bytes()
		lineLen := int64(len(line)) + 1 // + newline
		var e Entry
		if jsonErr := json.Unmarshal(line, &e); jsonErr != nil {
			// Malformed or partial line: truncate from here.
			truncateAt = offset
			break
		}
		lastSeq = e.Sequence
		lastHash = e.Hash
		offset += lineLen
	}
	if scanErr := scanner.Err(); scanErr != nil {
		return 0, "", -1, fmt.Errorf("audit: scan: %w", scanErr)
	}
	return lastSeq, lastHash, truncateAt, nil
}

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// Append assigns the next sequence number, chains it to the previous entry's
// hash, computes its own hash, writes it as one newline-terminated JSON
// line, and returns the stored Entry. Concurrent callers are serialised by
// mu so writes land on disk in sequence order (O1).
func (l *Log) Append(category Category, action, actor string, details map[string]any) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := hashable{
		Sequence:  l.lastSequence + 1,
		Timestamp: l.clock.Now().UTC(),
		Category:  category,
		Action:    action,
		Actor:     actor,
		Details:   details,
		PrevHash:  l.lastHash,
	}
	hash, err := computeHash(e)
	if err != nil {
		return Entry{}, err
	}

	full := Entry{
		Sequence:  e.Sequence,
		Timestamp: e.Timestamp,
		Category:  e.Category,
		Action:    e.Action,
		Actor:     e.Actor,
		Details:   e.Details,
		PrevHash:  e.PrevHash,
		Hash:      hash,
	}

	line, err := json.Marshal(full)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal entry for write: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return Entry{}, fmt.Errorf("audit: write entry: %w", err)
	}

	l.lastSequence = full.Sequence
	l.lastHash = full.Hash
	return full, nil
}

// VerifyResult is the outcome of walking a chain end to end.
type VerifyResult struct {
	Valid        bool
	EntriesCount int
	FirstError   string
}

// Verify walks the audit log at path in order, recomputing each entry's hash
// and checking prev_hash linkage (property P1). An empty or missing file is
// valid with zero entries.
func Verify(path string) (VerifyResult, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return VerifyResult{Valid: true}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("audit: open for verify: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	prevHash := ZeroHash
	count := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return VerifyResult{Valid: false, EntriesCount: count,
				FirstError: fmt.Sprintf("entry %d: malformed JSON: %v", count, err)}, nil
		}

		if e.PrevHash != prevHash {
			return VerifyResult{Valid: false, EntriesCount: count,
				FirstError: fmt.Sprintf("entry %d (sequence %d): prev_hash mismatch", count, e.Sequence)}, nil
		}

		wantHash, err := computeHash(hashable{
			Sequence: e.Sequence, Timestamp: e.Timestamp, Category: e.Category,
			Action: e.Action, Actor: e.Actor, Details: e.Details, PrevHash: e.PrevHash,
		})
		if err != nil {
			return VerifyResult{}, err
		}
		if wantHash != e.Hash {
			return VerifyResult{Valid: false, EntriesCount: count,
				FirstError: fmt.Sprintf("entry %d (sequence %d): hash mismatch", count, e.Sequence)}, nil
		}

		prevHash = e.Hash
		count++
	}
	if err := scanner.Err(); err != nil {
		return VerifyResult{}, fmt.Errorf("audit: scan: %w", err)
	}

	return VerifyResult{Valid: true, EntriesCount: count}, nil
}
