package stream

import (
	"fmt"
	"sync"
)

// recorder captures handler calls as readable strings
type recorder struct {
	mu    sync.Mutex
	calls []string
	// stopOn makes the handler return err for the given tag
	stopOn string
	err    error
}

func (r *recorder) record(tag, format string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, tag+"("+fmt.Sprintf(format, args...)+")")
	if r.stopOn == tag {
		return r.err
	}
	return nil
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func (r *recorder) OnAdd(uuid string, rows [][]any) error {
	return r.record(TagAdd, "%s,%v", uuid, rows)
}

func (r *recorder) OnReplace(uuid string, rows [][]any) error {
	return r.record(TagReplace, "%s,%v", uuid, rows)
}

func (r *recorder) OnHeaders(uuid string, start, end int64, columns []any) error {
	return r.record(TagHeaders, "%s,%d,%d,%v", uuid, start, end, columns)
}

func (r *recorder) OnProgress(uuid string, percent float64) error {
	return r.record(TagProgress, "%s,%g", uuid, percent)
}

func (r *recorder) OnStatus(uuid, aes string, code int, message string, detail any) error {
	return r.record(TagStatus, "%s,%s,%d,%s,%v", uuid, aes, code, message, detail)
}
