// Package audit maintains a tamper-evident execution trail: an
// append-only JSON-lines file where every line is hash-chained to its
// predecessor, optionally replicated to object storage.
//
// Local append is required; replication is best-effort. Callers treat
// Record failures as log-and-continue so the audit path can never wedge
// execution.
package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// genesisHash seeds the chain of an empty file.
var genesisHash = strings.Repeat("0", 64)

// Sink records audit envelopes. Implemented by FileSink and NoopSink.
type Sink interface {
	Record(ctx context.Context, sessionID int, eventType string, payload map[string]any) error
	Enabled() bool
}

// NoopSink drops every record. Used when auditing is disabled.
type NoopSink struct{}

func (NoopSink) Record(context.Context, int, string, map[string]any) error { return nil }
func (NoopSink) Enabled() bool                                            { return false }

// FileSink appends hash-chained lines to a single local file. One
// process-wide writer; the mutex serializes the chain update.
type FileSink struct {
	mu         sync.Mutex
	file       *os.File
	prevHash   string
	replicator *S3Replicator // nil when replication is off
	logger     *slog.Logger
}

// NewFileSink opens (or creates, mode 0600) the audit file and recovers
// the chain position from its tail.
func NewFileSink(path string, replicator *S3Replicator) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log %s: %w", path, err)
	}
	prev, err := readLastHash(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("recovering audit chain from %s: %w", path, err)
	}
	return &FileSink{
		file:       f,
		prevHash:   prev,
		replicator: replicator,
		logger:     slog.With("component", "audit"),
	}, nil
}

// Enabled reports that records are persisted.
func (s *FileSink) Enabled() bool { return true }

// Record appends one chained line. The envelope is canonicalized with
// sorted keys and compact separators before hashing so independent
// verification reproduces the chain byte for byte.
func (s *FileSink) Record(ctx context.Context, sessionID int, eventType string, payload map[string]any) error {
	ts := time.Now().UTC()
	envelope := map[string]any{
		"ts":         ts.Format(time.RFC3339Nano),
		"session_id": sessionID,
		"event_type": eventType,
		"payload":    payload,
	}
	canonical, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("canonicalizing audit envelope: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := chainHash(s.prevHash, canonical)
	line := map[string]any{
		"ts":         envelope["ts"],
		"session_id": sessionID,
		"event_type": eventType,
		"payload":    payload,
		"prev_hash":  s.prevHash,
		"hash":       hash,
	}
	encoded, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("encoding audit line: %w", err)
	}
	if _, err := s.file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("appending audit line: %w", err)
	}
	s.prevHash = hash

	if s.replicator != nil {
		s.replicator.Enqueue(objectKey(ts, hash), encoded)
	}
	return nil
}

// Close releases the file handle and drains the replication queue.
func (s *FileSink) Close() error {
	if s.replicator != nil {
		s.replicator.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// chainHash computes SHA-256 over prev_hash || canonical.
func chainHash(prevHash string, canonical []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// objectKey lays replicas out by day so retention sweeps stay cheap.
func objectKey(ts time.Time, hash string) string {
	return fmt.Sprintf("%s/%s.json", ts.Format("2006/01/02"), hash)
}

// readLastHash returns the hash of the final line, or the genesis hash
// for an empty or missing chain.
func readLastHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return genesisHash, nil
		}
		return "", err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if text := strings.TrimSpace(scanner.Text()); text != "" {
			lastLine = text
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if lastLine == "" {
		return genesisHash, nil
	}

	var tail struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal([]byte(lastLine), &tail); err != nil {
		return "", fmt.Errorf("parsing final audit line: %w", err)
	}
	if tail.Hash == "" {
		return "", fmt.Errorf("final audit line carries no hash")
	}
	return tail.Hash, nil
}
