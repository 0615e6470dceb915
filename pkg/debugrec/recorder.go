// Package debugrec keeps an encrypted per-user ring of the last pipeline
// stage snapshots, for operator incident reproduction.
package debugrec

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/storage"
)

const (
	// ringSize is how many records are retained per user.
	ringSize = 10

	// recordTTL bounds how long debug data lives.
	recordTTL = 1800 * time.Second

	keyPrefix = "debug:"
	keySuffix = ":requests"
)

// Pipeline stages a record can belong to.
const (
	StagePreprocessor  = "preprocessor"
	StageMainProcessor = "main_processor"
	StagePostprocessor = "postprocessor"
)

// Record is one stage snapshot. Snapshots capture full content so incidents
// are reproducible.
type Record struct {
	TaskID         string         `json:"task_id"`
	ChatID         string         `json:"chat_id"`
	UserID         string         `json:"user_id"`
	Stage          string         `json:"stage"`
	InputSnapshot  map[string]any `json:"input_snapshot"`
	OutputSnapshot map[string]any `json:"output_snapshot"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Recorder writes encrypted rings into the KV store. Every failure is logged
// and swallowed: debug recording must never fail a request.
type Recorder struct {
	store     kvstore.Store
	masterKey []byte // 32 bytes
}

// New builds a recorder. masterKey must be 32 bytes; per-user keys are
// derived from it.
func New(store kvstore.Store, masterKey []byte) *Recorder {
	return &Recorder{store: store, masterKey: masterKey}
}

// userKey derives a per-user encryption key so one user's ring can never be
// opened with another's.
func (r *Recorder) userKey(userID string) []byte {
	sum := sha256.Sum256(append(append([]byte{}, r.masterKey...), []byte(userID)...))
	return sum[:]
}

// Record appends one snapshot to the user's ring.
func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	ring, err := r.load(ctx, rec.UserID)
	if err != nil {
		slog.Warn("Debug ring load failed, starting fresh",
			"user_id", rec.UserID, "error", err)
		ring = nil
	}

	ring = append(ring, rec)
	if len(ring) > ringSize {
		ring = ring[len(ring)-ringSize:]
	}

	if err := r.save(ctx, rec.UserID, ring); err != nil {
		slog.Warn("Debug record write failed",
			"user_id", rec.UserID, "stage", rec.Stage, "error", err)
	}
}

// Load returns the user's current ring, newest last.
func (r *Recorder) Load(ctx context.Context, userID string) ([]Record, error) {
	return r.load(ctx, userID)
}

func (r *Recorder) load(ctx context.Context, userID string) ([]Record, error) {
	raw, err := r.store.Get(ctx, keyPrefix+userID+keySuffix)
	if err != nil {
		if errors.Is(err, kvstore.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	blob, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	plaintext, err := storage.Decrypt(r.userKey(userID), blob)
	if err != nil {
		return nil, err
	}

	var ring []Record
	if err := json.Unmarshal(plaintext, &ring); err != nil {
		return nil, err
	}
	return ring, nil
}

func (r *Recorder) save(ctx context.Context, userID string, ring []Record) error {
	plaintext, err := json.Marshal(ring)
	if err != nil {
		return err
	}
	blob, err := storage.Encrypt(r.userKey(userID), plaintext)
	if err != nil {
		return err
	}
	return r.store.SetEx(ctx, keyPrefix+userID+keySuffix,
		base64.StdEncoding.EncodeToString(blob), recordTTL)
}
