package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ai_model (
			ai_model_id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			checkpoint_path TEXT NOT NULL DEFAULT '',
			config_path TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS video (
			video_id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'uploaded',
			frame_count INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS task (
			task_id BIGSERIAL PRIMARY KEY,
			task_uuid TEXT NOT NULL UNIQUE,
			task_name TEXT NOT NULL DEFAULT '',
			video_id BIGINT REFERENCES video(video_id),
			ai_model_id BIGINT REFERENCES ai_model(ai_model_id),
			task_config TEXT NOT NULL DEFAULT '{}',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_interaction TIMESTAMPTZ NOT NULL DEFAULT now(),
			exported_at TIMESTAMPTZ NULL
		);`,
		`CREATE TABLE IF NOT EXISTS annotation (
			annotation_id BIGSERIAL PRIMARY KEY,
			task_id BIGINT NOT NULL REFERENCES task(task_id) ON DELETE CASCADE,
			image_id TEXT NOT NULL,
			image_path TEXT NOT NULL,
			annotation_data TEXT NOT NULL DEFAULT '{}',
			annotation_type TEXT NOT NULL,
			frame_idx INTEGER NOT NULL,
			annotated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (task_id, image_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_task_uuid ON task (task_uuid);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) SaveTask(ctx context.Context, rec Record) (Record, error) {
	row := s.pool.QueryRow(ctx,
		`INSERT INTO task (task_uuid, task_name, video_id, ai_model_id, task_config, is_active, created_at, last_interaction)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (task_uuid) DO UPDATE SET
			task_name=EXCLUDED.task_name,
			task_config=EXCLUDED.task_config,
			is_active=EXCLUDED.is_active,
			last_interaction=EXCLUDED.last_interaction
		 RETURNING task_id`,
		rec.UUID, rec.Name, rec.VideoID, rec.AiModelID, rec.Config, rec.IsActive, rec.CreatedAt, rec.LastInteraction,
	)
	if err := row.Scan(&rec.ID); err != nil {
		return Record{}, fmt.Errorf("save task: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, uuid string) (Record, error) {
	var rec Record
	err := s.pool.QueryRow(ctx,
		`SELECT task_id, task_uuid, task_name, COALESCE(video_id, 0), COALESCE(ai_model_id, 0),
			task_config, is_active, created_at, last_interaction, exported_at
		 FROM task WHERE task_uuid = $1`,
		uuid,
	).Scan(&rec.ID, &rec.UUID, &rec.Name, &rec.VideoID, &rec.AiModelID,
		&rec.Config, &rec.IsActive, &rec.CreatedAt, &rec.LastInteraction, &rec.ExportedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrStoreNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get task: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SetTaskInactive(ctx context.Context, uuid string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task SET is_active = FALSE, last_interaction = now() WHERE task_uuid = $1`, uuid)
	if err != nil {
		return fmt.Errorf("set task inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) SetTaskExported(ctx context.Context, uuid string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE task SET exported_at = $2, last_interaction = $2 WHERE task_uuid = $1`, uuid, at)
	if err != nil {
		return fmt.Errorf("set task exported: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStoreNotFound
	}
	return nil
}

func (s *PostgresStore) GetModel(ctx context.Context, id int64) (Model, error) {
	var m Model
	err := s.pool.QueryRow(ctx,
		`SELECT ai_model_id, name, checkpoint_path, config_path FROM ai_model WHERE ai_model_id = $1`, id,
	).Scan(&m.ID, &m.Name, &m.CheckpointPath, &m.ConfigPath)
	if errors.Is(err, pgx.ErrNoRows) {
		return Model{}, ErrStoreNotFound
	}
	if err != nil {
		return Model{}, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) GetVideo(ctx context.Context, id int64) (Video, error) {
	var v Video
	err := s.pool.QueryRow(ctx,
		`SELECT video_id, name, status, frame_count FROM video WHERE video_id = $1`, id,
	).Scan(&v.ID, &v.Name, &v.Status, &v.FrameCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return Video{}, ErrStoreNotFound
	}
	if err != nil {
		return Video{}, fmt.Errorf("get video: %w", err)
	}
	return v, nil
}

func (s *PostgresStore) UpsertAnnotations(ctx context.Context, rows []AnnotationRecord) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, row := range rows {
		_, err = tx.Exec(ctx,
			`INSERT INTO annotation (task_id, image_id, image_path, annotation_data, annotation_type, frame_idx, annotated_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)
			 ON CONFLICT (task_id, image_id) DO UPDATE SET
				annotation_data=EXCLUDED.annotation_data,
				annotated_at=EXCLUDED.annotated_at`,
			row.TaskID, row.ImageID, row.ImagePath, row.Data, row.Type, row.FrameIdx, row.AnnotatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert annotation %s: %w", row.ImageID, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit annotations: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
