// Package chain implements the append-only, hash-linked audit log that is
// the runtime's root of truth. Each entry links to its predecessor by hash;
// flipping a single byte anywhere in the log breaks verification from that
// sequence number onward.
package chain

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// GenesisHash is the prev_hash constant of the first entry.
const GenesisHash = "genesis"

// Entry is one record of the hash chain. Entries are never modified or
// removed once written.
type Entry struct {
	Seq         uint64          `json:"seq"`
	PrevHash    string          `json:"prev_hash"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
	EntryHash   string          `json:"entry_hash"`
	TS          string          `json:"ts"` // RFC3339Nano
}

// VerifyResult reports the outcome of a chain walk. FailAt is set to the
// first sequence number whose hashes or linkage do not verify.
type VerifyResult struct {
	OK     bool    `json:"ok"`
	FailAt *uint64 `json:"fail_at,omitempty"`
	Length uint64  `json:"length"`
}

// Store owns the chain file and its in-memory index. Appends are serialized
// under a single mutex; readers observe a consistent committed prefix via a
// copy-on-append snapshot.
type Store struct {
	mu   sync.Mutex
	path string
	file *os.File

	// committed is replaced wholesale on append so readers holding an old
	// slice still see a consistent prefix.
	committedMu sync.RWMutex
	committed   []Entry

	logger *slog.Logger
}

// Open opens (or creates) the chain log at path and rebuilds the in-memory
// index from disk. A trailing partial line from a crash mid-write is
// truncated; everything before it is kept.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating chain directory: %w", err)
	}

	entries, validLen, err := loadEntries(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening chain log: %w", err)
	}
	if err := f.Truncate(validLen); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("truncating partial tail: %w", err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("seeking chain log tail: %w", err)
	}

	s := &Store{
		path:      path,
		file:      f,
		committed: entries,
		logger:    slog.Default().With("component", "chain"),
	}
	s.logger.Info("Chain store opened", "path", path, "entries", len(entries))
	return s, nil
}

// loadEntries reads all complete lines of the chain log. It returns the
// parsed entries and the byte length of the valid prefix.
func loadEntries(path string) ([]Entry, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("opening chain log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		entries  []Entry
		validLen int64
	)
	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			// A line without trailing LF is a partial write; drop it.
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("reading chain log: %w", err)
		}
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			validLen += int64(len(line))
			continue
		}
		var e Entry
		if err := json.Unmarshal(trimmed, &e); err != nil {
			// Corrupt line: stop here. Verification will report the break;
			// appends continue from the last good entry.
			break
		}
		entries = append(entries, e)
		validLen += int64(len(line))
	}
	return entries, validLen, nil
}

// Close flushes and closes the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Append canonicalizes payload (RFC 8785 JCS), links it to the current tail
// and durably writes the new entry. It returns the assigned sequence number.
// The write is fsynced before Append returns: callers enforcing the
// pre-execution discipline may treat a nil error as durable.
func (s *Store) Append(payload any) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshaling chain payload: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return 0, fmt.Errorf("canonicalizing chain payload: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := GenesisHash
	var seq uint64
	s.committedMu.RLock()
	if n := len(s.committed); n > 0 {
		prevHash = s.committed[n-1].EntryHash
		seq = s.committed[n-1].Seq + 1
	}
	s.committedMu.RUnlock()

	ts := time.Now().UTC().Format(time.RFC3339Nano)
	payloadHash := sha256Hex(canonical)
	entry := Entry{
		Seq:         seq,
		PrevHash:    prevHash,
		Payload:     canonical,
		PayloadHash: payloadHash,
		EntryHash:   EntryHash(prevHash, payloadHash, ts),
		TS:          ts,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return 0, fmt.Errorf("marshaling chain entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return 0, fmt.Errorf("appending chain entry %d: %w", seq, err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("syncing chain entry %d: %w", seq, err)
	}

	s.committedMu.Lock()
	next := make([]Entry, len(s.committed), len(s.committed)+1)
	copy(next, s.committed)
	s.committed = append(next, entry)
	s.committedMu.Unlock()

	return seq, nil
}

// Len returns the number of committed entries.
func (s *Store) Len() uint64 {
	s.committedMu.RLock()
	defer s.committedMu.RUnlock()
	return uint64(len(s.committed))
}

// Last returns the tail entry, or false if the chain is empty.
func (s *Store) Last() (Entry, bool) {
	s.committedMu.RLock()
	defer s.committedMu.RUnlock()
	if len(s.committed) == 0 {
		return Entry{}, false
	}
	return s.committed[len(s.committed)-1], true
}

// Get returns the entry at seq, or false if out of range.
func (s *Store) Get(seq uint64) (Entry, bool) {
	s.committedMu.RLock()
	defer s.committedMu.RUnlock()
	if seq >= uint64(len(s.committed)) {
		return Entry{}, false
	}
	return s.committed[seq], true
}

// Verify walks entries [from, to] recomputing hashes and linkage. A zero
// `to` means the current tail. Verification reads the committed snapshot and
// does not block appenders.
func (s *Store) Verify(from, to uint64) VerifyResult {
	s.committedMu.RLock()
	snapshot := s.committed
	s.committedMu.RUnlock()

	length := uint64(len(snapshot))
	if to == 0 || to >= length {
		if length == 0 {
			return VerifyResult{OK: true, Length: 0}
		}
		to = length - 1
	}

	prevHash := GenesisHash
	if from > 0 {
		if from >= length {
			return VerifyResult{OK: true, Length: length}
		}
		prevHash = snapshot[from-1].EntryHash
	}

	for seq := from; seq <= to; seq++ {
		e := snapshot[seq]
		fail := seq
		if e.Seq != seq || e.PrevHash != prevHash {
			return VerifyResult{FailAt: &fail, Length: length}
		}
		canonical, err := jcs.Transform(e.Payload)
		if err != nil {
			return VerifyResult{FailAt: &fail, Length: length}
		}
		if sha256Hex(canonical) != e.PayloadHash {
			return VerifyResult{FailAt: &fail, Length: length}
		}
		if EntryHash(e.PrevHash, e.PayloadHash, e.TS) != e.EntryHash {
			return VerifyResult{FailAt: &fail, Length: length}
		}
		prevHash = e.EntryHash
	}
	return VerifyResult{OK: true, Length: length}
}

// Stream returns a lazy, restartable sequence of entries starting at
// fromSeq. The sequence covers the committed prefix at iteration time; it is
// used by the sync engine for replication and by chain.verify catchup.
func (s *Store) Stream(fromSeq uint64) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		s.committedMu.RLock()
		snapshot := s.committed
		s.committedMu.RUnlock()
		for i := fromSeq; i < uint64(len(snapshot)); i++ {
			if !yield(snapshot[i]) {
				return
			}
		}
	}
}

// EntryHash computes SHA-256 over the concatenation of the previous entry
// hash, the payload hash and the timestamp.
func EntryHash(prevHash, payloadHash, ts string) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(payloadHash))
	h.Write([]byte(ts))
	return hex.EncodeToString(h.Sum(nil))
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
