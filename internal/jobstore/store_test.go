package jobstore

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/job"
)

var (
	_ job.Recorder = (*Store)(nil)
	_ job.Recorder = (*MemoryStore)(nil)
)

func TestToRecord(t *testing.T) {
	finished := time.Now()
	snap := job.Snapshot{
		RequestID:     "req-1",
		UUID:          "u1",
		Command:       "get { ... };",
		State:         job.StateCompleted,
		StatusCode:    0,
		StatusMessage: "Success",
		StatusDetail:  map[string]any{"rows": 2},
		Columns:       []any{"a", "b"},
		Rows:          2,
		Error:         strings.Repeat("x", 300),
		FinishedAt:    finished,
	}

	record, err := ToRecord(snap)
	require.NoError(t, err)

	assert.Equal(t, "req-1", record.RequestID)
	assert.Equal(t, string(job.StateCompleted), record.State)
	assert.JSONEq(t, `["a","b"]`, string(record.Columns))
	assert.JSONEq(t, `{"rows":2}`, string(record.StatusDetail))
	assert.Equal(t, 2, record.RowCount)
	assert.Len(t, record.LastError, maxVarchar)
	require.NotNil(t, record.FinishedAt)
	assert.True(t, record.FinishedAt.Equal(finished))
}

func TestToRecord_Unfinished(t *testing.T) {
	record, err := ToRecord(job.Snapshot{RequestID: "req-1", State: job.StateCreated})
	require.NoError(t, err)

	assert.Nil(t, record.FinishedAt)
	assert.Nil(t, record.Columns)
	assert.Equal(t, string(job.StateCreated), record.State)
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name      string
		in        string
		wantRunes int
		wantTail  string
	}{
		{"short", "Success", 7, "Success"},
		{"ascii over limit", strings.Repeat("x", 300), maxVarchar, "x"},
		{"multibyte at limit", strings.Repeat("a", 254) + "é", maxVarchar, "é"},
		{"multibyte over limit", strings.Repeat("a", 254) + "éé", maxVarchar, "aé"},
		{"all multibyte", strings.Repeat("日", 300), maxVarchar, "日"},
		{"invalid input", "ok\xc3", 3, "ok\uFFFD"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in)
			assert.True(t, utf8.ValidString(got))
			assert.Equal(t, tt.wantRunes, utf8.RuneCountInString(got))
			assert.True(t, strings.HasSuffix(got, tt.wantTail), "got tail %q", got[len(got)-min(len(got), 8):])
		})
	}
}

func TestToRecord_MultibyteMessage(t *testing.T) {
	record, err := ToRecord(job.Snapshot{
		RequestID:     "req-1",
		State:         job.StateFailed,
		StatusMessage: strings.Repeat("a", 254) + "é",
		Error:         strings.Repeat("a", 254) + "éé",
	})
	require.NoError(t, err)

	assert.True(t, utf8.ValidString(record.StatusMessage))
	assert.True(t, utf8.ValidString(record.LastError))
	assert.Equal(t, maxVarchar, utf8.RuneCountInString(record.LastError))
}

func TestMemoryStore_KeepsLatestState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Record(ctx, job.Snapshot{RequestID: "a", State: job.StateCreated}))
	require.NoError(t, store.Record(ctx, job.Snapshot{RequestID: "b", State: job.StateCreated}))
	require.NoError(t, store.Record(ctx, job.Snapshot{RequestID: "a", State: job.StateStreaming, UUID: "u1"}))

	records := store.List()
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0].RequestID)
	assert.Equal(t, string(job.StateStreaming), records[0].State)
	assert.Equal(t, "u1", records[0].UUID)
	assert.Equal(t, "b", records[1].RequestID)
}

func TestUpsert_SQL(t *testing.T) {
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "edw:secret@tcp(127.0.0.1:3306)/edw?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{DryRun: true, DisableAutomaticPing: true})
	require.NoError(t, err)

	record, err := ToRecord(job.Snapshot{RequestID: "req-1", State: job.StateStreaming})
	require.NoError(t, err)

	stmt := upsert(db, record).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, "INSERT INTO `edw_jobs`")
	assert.Contains(t, sql, "ON DUPLICATE KEY UPDATE")
	assert.Contains(t, sql, "`row_count`")
}
