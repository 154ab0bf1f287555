package tasks

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It backs tests and database-less
// development runs.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      int64
	tasks       map[string]Record
	models      map[int64]Model
	videos      map[int64]Video
	annotations map[annotationKey]AnnotationRecord
}

type annotationKey struct {
	taskID  int64
	imageID string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       make(map[string]Record),
		models:      make(map[int64]Model),
		videos:      make(map[int64]Video),
		annotations: make(map[annotationKey]AnnotationRecord),
	}
}

func (s *MemoryStore) SaveTask(_ context.Context, rec Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tasks[rec.UUID]; ok {
		rec.ID = existing.ID
	} else {
		s.nextID++
		rec.ID = s.nextID
	}
	s.tasks[rec.UUID] = rec
	return rec, nil
}

func (s *MemoryStore) GetTask(_ context.Context, uuid string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[uuid]
	if !ok {
		return Record{}, ErrStoreNotFound
	}
	return rec, nil
}

func (s *MemoryStore) SetTaskInactive(_ context.Context, uuid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[uuid]
	if !ok {
		return ErrStoreNotFound
	}
	rec.IsActive = false
	rec.LastInteraction = time.Now().UTC()
	s.tasks[uuid] = rec
	return nil
}

func (s *MemoryStore) SetTaskExported(_ context.Context, uuid string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tasks[uuid]
	if !ok {
		return ErrStoreNotFound
	}
	rec.ExportedAt = &at
	rec.LastInteraction = at
	s.tasks[uuid] = rec
	return nil
}

func (s *MemoryStore) GetModel(_ context.Context, id int64) (Model, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.models[id]
	if !ok {
		return Model{}, ErrStoreNotFound
	}
	return m, nil
}

func (s *MemoryStore) GetVideo(_ context.Context, id int64) (Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return Video{}, ErrStoreNotFound
	}
	return v, nil
}

func (s *MemoryStore) UpsertAnnotations(_ context.Context, rows []AnnotationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.annotations[annotationKey{taskID: row.TaskID, imageID: row.ImageID}] = row
	}
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// AddModel seeds the catalog; used by tests and database-less runs.
func (s *MemoryStore) AddModel(m Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.models[m.ID] = m
}

// AddVideo seeds the catalog; used by tests and database-less runs.
func (s *MemoryStore) AddVideo(v Video) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videos[v.ID] = v
}

// AnnotationCount reports how many exported rows exist for a task.
func (s *MemoryStore) AnnotationCount(taskID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for key := range s.annotations {
		if key.taskID == taskID {
			count++
		}
	}
	return count
}

// Annotation returns one exported row for assertions in tests.
func (s *MemoryStore) Annotation(taskID int64, imageID string) (AnnotationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.annotations[annotationKey{taskID: taskID, imageID: imageID}]
	return row, ok
}
