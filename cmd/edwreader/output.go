package main

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/EulerianTechnologies/Eulerian-EDW/internal/stream"
)

const (
	formatCSV  = "csv"
	formatJSON = "json"
)

// rowPrinter collects the rows of one job and writes them once the job ends.
// Replace messages discard everything collected so far.
type rowPrinter struct {
	stream.NopHandler

	format string
	logger *logrus.Entry

	mu      sync.Mutex
	columns []string
	rows    [][]any
}

func newRowPrinter(format string, logger *logrus.Entry) (*rowPrinter, error) {
	if format != formatCSV && format != formatJSON {
		return nil, fmt.Errorf("unknown output format %q (csv or json)", format)
	}
	return &rowPrinter{format: format, logger: logger}, nil
}

func (p *rowPrinter) OnHeaders(uuid string, rangeStart, rangeEnd int64, columns []any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.columns = p.columns[:0]
	for _, c := range columns {
		p.columns = append(p.columns, columnName(c))
	}
	p.logger.WithFields(logrus.Fields{
		"uuid":    uuid,
		"from":    rangeStart,
		"to":      rangeEnd,
		"columns": len(columns),
	}).Info("Headers received")
	return nil
}

func (p *rowPrinter) OnAdd(_ string, rows [][]any) error {
	p.mu.Lock()
	p.rows = append(p.rows, rows...)
	p.mu.Unlock()
	return nil
}

func (p *rowPrinter) OnReplace(_ string, rows [][]any) error {
	p.mu.Lock()
	p.rows = append([][]any(nil), rows...)
	p.mu.Unlock()
	return nil
}

func (p *rowPrinter) OnProgress(uuid string, percent float64) error {
	p.logger.WithField("uuid", uuid).Infof("Progress %.1f%%", percent)
	return nil
}

func (p *rowPrinter) OnStatus(uuid, _ string, code int, message string, _ any) error {
	entry := p.logger.WithFields(logrus.Fields{"uuid": uuid, "code": code})
	if code != 0 {
		entry.Warnf("Job ended: %s", message)
	} else {
		entry.Infof("Job ended: %s", message)
	}
	return nil
}

// Flush writes the collected rows to w
func (p *rowPrinter) Flush(w io.Writer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.format == formatJSON {
		enc := json.NewEncoder(w)
		for _, row := range p.rows {
			if err := enc.Encode(p.record(row)); err != nil {
				return err
			}
		}
		return nil
	}

	cw := csv.NewWriter(w)
	if len(p.columns) > 0 {
		if err := cw.Write(p.columns); err != nil {
			return err
		}
	}
	for _, row := range p.rows {
		fields := make([]string, len(row))
		for i, v := range row {
			fields[i] = cell(v)
		}
		if err := cw.Write(fields); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// record keys a row by column name; rows wider than the headers keep their
// positional value under "_<index>"
func (p *rowPrinter) record(row []any) map[string]any {
	out := make(map[string]any, len(row))
	for i, v := range row {
		if i < len(p.columns) {
			out[p.columns[i]] = v
		} else {
			out[fmt.Sprintf("_%d", i)] = v
		}
	}
	return out
}

// columnName accepts both plain names and [name, type...] descriptors
func columnName(c any) string {
	switch v := c.(type) {
	case string:
		return v
	case []any:
		if len(v) > 0 {
			return cell(v[0])
		}
	}
	return cell(c)
}

func cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case []any, map[string]any:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

var errEmptyCommand = errors.New("empty command")
