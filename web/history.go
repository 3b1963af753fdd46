package web

import (
	"context"
	"errors"
	"time"
)

// Status of a history entry.
type Status string

const (
	StatusInProgress Status = "in-progress"
	StatusComplete   Status = "complete"
	StatusCanceled   Status = "canceled"
	StatusFailed     Status = "failed"
)

// Kind of transfer a history entry is about.
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
	KindMessage  Kind = "message"
	KindVisit    Kind = "visit"
)

// HistoryEntry is a served download, a received file or message, or a served
// website page. It is modified only by the request that created it, others get
// copies.
type HistoryEntry struct {
	ID          int64
	Mode        Mode
	Kind        Kind
	Path        string // Request path, without slug.
	Filename    string // Name of the file sent or stored.
	Total       int64  // Size in bytes, 0 if not known in advance.
	Transferred int64
	Started     time.Time
	Finished    time.Time
	Status      Status
	Err         error
}

// History returns copies of all history entries, oldest first.
func (s *Server) History() []HistoryEntry {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	r := make([]HistoryEntry, len(s.history))
	for i, e := range s.history {
		r[i] = *e
	}
	return r
}

// newEntry adds an in-progress entry to the history.
func (s *Server) newEntry(kind Kind, path, filename string, total int64) *HistoryEntry {
	s.historyMu.Lock()
	s.lastID++
	e := &HistoryEntry{
		ID:       s.lastID,
		Mode:     s.config.Mode,
		Kind:     kind,
		Path:     path,
		Filename: filename,
		Total:    total,
		Started:  s.clock.Now(),
		Status:   StatusInProgress,
	}
	s.history = append(s.history, e)
	c := *e
	s.historyMu.Unlock()

	s.reportHistory(c)
	return e
}

// update changes e under the history lock and reports the result.
func (s *Server) update(e *HistoryEntry, fn func(e *HistoryEntry)) {
	s.historyMu.Lock()
	fn(e)
	c := *e
	s.historyMu.Unlock()

	s.reportHistory(c)
}

// progress sets the number of bytes transferred. It is reported only per
// megabyte, transfers are done in small chunks. A known Total is raised to n
// when exceeded.
func (s *Server) progress(e *HistoryEntry, n int64) {
	s.historyMu.Lock()
	report := n/(1<<20) != e.Transferred/(1<<20)
	e.Transferred = n
	if e.Total > 0 && n > e.Total {
		e.Total = n
	}
	c := *e
	s.historyMu.Unlock()

	if report {
		s.reportHistory(c)
	}
}

// finish ends the entry with a status derived from err: nil is complete,
// errors wrapping a canceled error are canceled, other errors failed.
func (s *Server) finish(e *HistoryEntry, err error, canceled error) {
	s.update(e, func(e *HistoryEntry) {
		e.Finished = s.clock.Now()
		switch {
		case err == nil:
			e.Status = StatusComplete
		case canceled != nil && isCanceled(err, canceled):
			e.Status = StatusCanceled
			e.Err = err
		default:
			e.Status = StatusFailed
			e.Err = err
		}
	})
	s.metrics.transfers.WithLabelValues(string(e.Kind), string(e.Status)).Inc()
}

func (s *Server) reportHistory(e HistoryEntry) {
	if s.config.OnHistory != nil {
		s.config.OnHistory(e)
	}
}

func isCanceled(err, canceled error) bool {
	return errors.Is(err, canceled) || errors.Is(err, context.Canceled)
}
