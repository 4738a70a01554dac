// Package audit is the append-only, tamper-evident record of every
// security-relevant mutation. Each entry's hash is computed over a canonical
// JSON encoding before persistence, so corruption of any field is detectable
// by recomputation. Entries are never mutated after insert. Anchoring to an
// external sink is asynchronous and best-effort: its failure never aborts the
// triggering security action.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable means the audit backend is unreachable.
var ErrUnavailable = errors.New("audit backend unavailable")

// Entry is one immutable audit record.
type Entry struct {
	EntryID      string            `json:"entry_id"`
	UserID       string            `json:"user_id"`
	EventType    string            `json:"event_type"`
	FieldChanged string            `json:"field_changed,omitempty"`
	OldValue     string            `json:"old_value,omitempty"`
	NewValue     string            `json:"new_value,omitempty"`
	Role         string            `json:"role,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Hash         string            `json:"hash"`
}

// canonicalPayload fixes the field order and timestamp encoding the digest is
// computed over. Changing this layout invalidates every stored hash.
type canonicalPayload struct {
	UserID       string            `json:"userId"`
	EventType    string            `json:"eventType"`
	FieldChanged string            `json:"fieldChanged"`
	OldValue     string            `json:"oldValue"`
	NewValue     string            `json:"newValue"`
	Role         string            `json:"role"`
	Metadata     map[string]string `json:"metadata"`
	Timestamp    string            `json:"timestamp"`
}

// ComputeHash returns the canonical digest for the entry's current content.
func ComputeHash(e *Entry) (string, error) {
	payload := canonicalPayload{
		UserID:       e.UserID,
		EventType:    e.EventType,
		FieldChanged: e.FieldChanged,
		OldValue:     e.OldValue,
		NewValue:     e.NewValue,
		Role:         e.Role,
		Metadata:     e.Metadata,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// VerifyHash recomputes the digest and compares it to the stored one.
func VerifyHash(e *Entry) (bool, error) {
	computed, err := ComputeHash(e)
	if err != nil {
		return false, err
	}
	return computed == e.Hash, nil
}

// Redact masks values for fields that must never appear in the trail.
func Redact(field, value string) string {
	lower := strings.ToLower(field)
	if value == "" {
		return value
	}
	if strings.Contains(lower, "secret") || strings.Contains(lower, "password") || strings.Contains(lower, "hash") || strings.Contains(lower, "code") {
		return "[REDACTED]"
	}
	return value
}

// Config controls the Redis layout and history bounds.
type Config struct {
	RedisPrefix  string
	HistoryLimit int64
}

// Log is the Redis-backed append-only store plus the optional anchoring
// dispatcher.
type Log struct {
	redis      redis.UniversalClient
	prefix     string
	limit      int64
	dispatcher *Dispatcher
}

// NewLog creates the audit log. dispatcher may be nil (anchoring disabled).
func NewLog(redisClient redis.UniversalClient, cfg Config, dispatcher *Dispatcher) *Log {
	prefix := cfg.RedisPrefix
	if prefix == "" {
		prefix = "idaudit"
	}
	limit := cfg.HistoryLimit
	if limit <= 0 {
		limit = 10000
	}
	return &Log{redis: redisClient, prefix: prefix, limit: limit, dispatcher: dispatcher}
}

func (l *Log) userKey(userID string) string { return l.prefix + ":user:" + userID }
func (l *Log) allKey() string               { return l.prefix + ":all" }

// Record seals and persists one entry, then enqueues it for anchoring.
// Redaction of old/new values is applied here so callers cannot leak secrets
// by accident. Persistence failure is returned; anchoring failure is not.
func (l *Log) Record(ctx context.Context, e Entry) (Entry, error) {
	if e.EntryID == "" {
		e.EntryID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	e.OldValue = Redact(e.FieldChanged, e.OldValue)
	e.NewValue = Redact(e.FieldChanged, e.NewValue)

	hash, err := ComputeHash(&e)
	if err != nil {
		return Entry{}, err
	}
	e.Hash = hash

	encoded, err := json.Marshal(&e)
	if err != nil {
		return Entry{}, err
	}

	pipe := l.redis.TxPipeline()
	pipe.RPush(ctx, l.userKey(e.UserID), encoded)
	pipe.LTrim(ctx, l.userKey(e.UserID), -l.limit, -1)
	pipe.RPush(ctx, l.allKey(), encoded)
	pipe.LTrim(ctx, l.allKey(), -l.limit, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if l.dispatcher != nil {
		l.dispatcher.Enqueue(e)
	}
	return e, nil
}

// Recent returns up to n most recent entries for the user, newest last.
func (l *Log) Recent(ctx context.Context, userID string, n int64) ([]Entry, error) {
	raw, err := l.redis.LRange(ctx, l.userKey(userID), -n, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	entries := make([]Entry, 0, len(raw))
	for _, item := range raw {
		var e Entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("%w: corrupt entry", ErrUnavailable)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// VerifyUser recomputes every stored hash for the user and returns the
// entry ids that fail, i.e. entries whose content no longer matches the
// digest sealed at write time.
func (l *Log) VerifyUser(ctx context.Context, userID string) ([]string, error) {
	entries, err := l.Recent(ctx, userID, l.limit)
	if err != nil {
		return nil, err
	}
	var tampered []string
	for i := range entries {
		ok, err := VerifyHash(&entries[i])
		if err != nil {
			return nil, err
		}
		if !ok {
			tampered = append(tampered, entries[i].EntryID)
		}
	}
	return tampered, nil
}

// Close drains the anchoring dispatcher.
func (l *Log) Close() {
	if l.dispatcher != nil {
		l.dispatcher.Close()
	}
}
