package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/job"
	"github.com/EulerianTechnologies/Eulerian-EDW/internal/model"
)

const maxVarchar = 255

// Store records job transitions in MySQL; it implements job.Recorder
type Store struct {
	db *gorm.DB
}

// NewStore creates a store on db
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Record upserts the row of the snapshot's request id
func (s *Store) Record(ctx context.Context, snap job.Snapshot) error {
	record, err := ToRecord(snap)
	if err != nil {
		return err
	}
	if err := upsert(s.db.WithContext(ctx), record).Error; err != nil {
		return fmt.Errorf("failed to record job %s: %w", snap.RequestID, err)
	}
	return nil
}

// Get returns the record of requestID
func (s *Store) Get(ctx context.Context, requestID string) (*model.JobRecord, error) {
	var record model.JobRecord
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).First(&record).Error; err != nil {
		return nil, fmt.Errorf("failed to get job %s: %w", requestID, err)
	}
	return &record, nil
}

func upsert(db *gorm.DB, record *model.JobRecord) *gorm.DB {
	return db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "request_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"uuid", "state", "status_code", "status_message", "status_detail",
			"columns", "row_count", "last_error", "finished_at", "updated_at",
		}),
	}).Create(record)
}

// ToRecord converts a snapshot to its history row
func ToRecord(snap job.Snapshot) (*model.JobRecord, error) {
	record := &model.JobRecord{
		RequestID:     snap.RequestID,
		UUID:          snap.UUID,
		Command:       snap.Command,
		State:         string(snap.State),
		StatusCode:    snap.StatusCode,
		StatusMessage: truncate(snap.StatusMessage),
		RowCount:      snap.Rows,
		LastError:     truncate(snap.Error),
	}
	record.CreatedAt = snap.CreatedAt

	if snap.Columns != nil {
		columns, err := json.Marshal(snap.Columns)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal columns: %w", err)
		}
		record.Columns = datatypes.JSON(columns)
	}
	if snap.StatusDetail != nil {
		detail, err := json.Marshal(snap.StatusDetail)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal status detail: %w", err)
		}
		record.StatusDetail = datatypes.JSON(detail)
	}
	if !snap.FinishedAt.IsZero() {
		finished := snap.FinishedAt
		record.FinishedAt = &finished
	}
	return record, nil
}

// truncate keeps the first maxVarchar characters of s as valid UTF-8
func truncate(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	n := 0
	for i := range s {
		if n == maxVarchar {
			return s[:i]
		}
		n++
	}
	return s
}

// MemoryStore keeps the latest record of each job in memory
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*model.JobRecord
	order   []string
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*model.JobRecord)}
}

// Record implements job.Recorder
func (m *MemoryStore) Record(_ context.Context, snap job.Snapshot) error {
	record, err := ToRecord(snap)
	if err != nil {
		return err
	}
	record.UpdatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[snap.RequestID]; !ok {
		m.order = append(m.order, snap.RequestID)
	}
	m.records[snap.RequestID] = record
	return nil
}

// List returns the records in submission order
func (m *MemoryStore) List() []model.JobRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.JobRecord, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.records[id])
	}
	return out
}
