package tags

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/timshannon/badgerhold/v4"
)

// DataTypeOffice is the data level recorded for failed repairs.
const DataTypeOffice = "OFFICE"

// Failure is a text block whose markup could not be repaired, kept for
// offline analysis.
type Failure struct {
	Hash          string    `json:"hash"`
	DataType      string    `json:"data_type"`
	DiagnosisType string    `json:"diagnosis_type"`
	TimeType      string    `json:"time_type"`
	SourceText    string    `json:"source_text"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewFailure builds a Failure keyed by the md5 of text.
func NewFailure(text string, scope Scope) Failure {
	sum := md5.Sum([]byte(text))
	return Failure{
		Hash:          hex.EncodeToString(sum[:]),
		DataType:      DataTypeOffice,
		DiagnosisType: scope.DiagnosisType,
		TimeType:      scope.TimeType,
		SourceText:    text,
		CreatedAt:     time.Now().UTC(),
	}
}

// FailureLog stores failed repairs, one per distinct source text.
type FailureLog interface {
	// Record stores f unless a failure with the same hash exists.
	// It reports whether f was added.
	Record(ctx context.Context, f Failure) (bool, error)

	// List returns the newest failures first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Failure, error)
}

// BadgerFailureLog keeps failures in a badgerhold store.
type BadgerFailureLog struct {
	store *badgerhold.Store
}

// NewBadgerFailureLog creates a failure log on store.
func NewBadgerFailureLog(store *badgerhold.Store) *BadgerFailureLog {
	return &BadgerFailureLog{store: store}
}

// Record inserts f keyed by its hash.
func (l *BadgerFailureLog) Record(ctx context.Context, f Failure) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := l.store.Insert(f.Hash, &f); err != nil {
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return false, nil
		}
		return false, fmt.Errorf("insert repair failure %s: %w", f.Hash, err)
	}
	return true, nil
}

// List returns stored failures, newest first.
func (l *BadgerFailureLog) List(ctx context.Context, limit int) ([]Failure, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := badgerhold.Where("Hash").Ne("").SortBy("CreatedAt").Reverse()
	if limit > 0 {
		query = query.Limit(limit)
	}
	var out []Failure
	if err := l.store.Find(&out, query); err != nil {
		return nil, fmt.Errorf("list repair failures: %w", err)
	}
	return out, nil
}

// MemoryFailureLog is an in-process FailureLog.
type MemoryFailureLog struct {
	mu    sync.Mutex
	items map[string]Failure
}

// NewMemoryFailureLog creates an empty in-memory failure log.
func NewMemoryFailureLog() *MemoryFailureLog {
	return &MemoryFailureLog{items: make(map[string]Failure)}
}

// Record stores f unless its hash is already present.
func (l *MemoryFailureLog) Record(_ context.Context, f Failure) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[f.Hash]; ok {
		return false, nil
	}
	l.items[f.Hash] = f
	return true, nil
}

// List returns stored failures, newest first.
func (l *MemoryFailureLog) List(_ context.Context, limit int) ([]Failure, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Failure, 0, len(l.items))
	for _, f := range l.items {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var (
	_ FailureLog = (*BadgerFailureLog)(nil)
	_ FailureLog = (*MemoryFailureLog)(nil)
)
