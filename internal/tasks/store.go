package tasks

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrStoreNotFound = errors.New("record not found in store")

// Store persists task snapshots, exported annotations and the model/video
// catalog consumed at initialization time.
type Store interface {
	SaveTask(ctx context.Context, rec Record) (Record, error)
	GetTask(ctx context.Context, uuid string) (Record, error)
	SetTaskInactive(ctx context.Context, uuid string) error
	SetTaskExported(ctx context.Context, uuid string, at time.Time) error

	GetModel(ctx context.Context, id int64) (Model, error)
	GetVideo(ctx context.Context, id int64) (Video, error)

	// UpsertAnnotations inserts rows keyed by (task, image) and updates
	// existing rows in place instead of duplicating them.
	UpsertAnnotations(ctx context.Context, rows []AnnotationRecord) error

	Close() error
}

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory.
func NewStore(ctx context.Context, databaseURL string) (Store, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewMemoryStore(), nil
	}
	return NewPostgresStore(ctx, databaseURL)
}
