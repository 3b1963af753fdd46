package web

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/xerrors"

	"github.com/mjl-/onionshare/internal/xerr"
)

// Maximum size of a text message, larger messages are refused.
const maxMessageSize = 1 << 20

type receive struct {
	s *Server

	mu    sync.Mutex
	open  map[*os.File]struct{} // Upload files being written.
	hooks sync.WaitGroup        // Webhook requests.
}

func newReceive(s *Server) (*receive, error) {
	c := s.config
	if c.DataDir == "" {
		return nil, xerr.Prefix(ErrBadConfig, "receive mode requires a data directory")
	}
	if c.DisableFiles && c.DisableText {
		return nil, xerr.Prefix(ErrBadConfig, "receive mode with files and text disabled")
	}
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return nil, xerr.Prefix(ErrBadConfig, "data directory: %s", err)
	}
	if c.WebhookURL != "" && c.Webhook == nil {
		return nil, xerr.Prefix(ErrBadConfig, "webhook url without webhook client")
	}
	return &receive{s: s, open: map[*os.File]struct{}{}}, nil
}

func (m *receive) routes(r chi.Router) {
	r.Get("/", m.index)
	r.Post("/upload", m.upload)
}

func (m *receive) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", defaultCSP)
	m.s.page(w, http.StatusOK, "receive", struct {
		DisableFiles bool
		DisableText  bool
	}{m.s.config.DisableFiles, m.s.config.DisableText})
}

func (m *receive) upload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "400 bad request: expected multipart form", http.StatusBadRequest)
		return
	}

	var saved []string
	var files int
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			m.s.log.Infof("reading upload: %s", err)
			http.Error(w, "400 bad request", http.StatusBadRequest)
			return
		}

		switch {
		case part.FormName() == "text":
			if m.s.config.DisableText {
				break
			}
			name, err := m.saveMessage(r.Context(), r.URL.Path, part)
			if err != nil {
				m.s.log.Infof("receiving message: %s", err)
				http.Error(w, "400 bad request", http.StatusBadRequest)
				return
			}
			if name != "" {
				saved = append(saved, name)
			}
		case part.FileName() != "":
			if m.s.config.DisableFiles {
				break
			}
			name, err := m.saveFile(r.Context(), r.URL.Path, part)
			if err != nil {
				m.s.log.Infof("receiving file: %s", err)
				http.Error(w, "400 bad request", http.StatusBadRequest)
				return
			}
			saved = append(saved, name)
			files++
		}
		part.Close()
	}

	if len(saved) == 0 {
		http.Error(w, "400 bad request: nothing submitted", http.StatusBadRequest)
		return
	}
	m.s.log.Infof("received %d items", len(saved))
	m.notify(files, len(saved)-files)

	w.Header().Set("Content-Security-Policy", defaultCSP)
	m.s.page(w, http.StatusOK, "received", saved)
}

// saveFile streams a file part to the data directory. Partial files are
// removed.
func (m *receive) saveFile(ctx context.Context, path string, part *multipart.Part) (string, error) {
	name := SanitizeFilename(part.FileName())
	f, p, err := createUnique(m.s.config.DataDir, name)
	if err != nil {
		return "", xerrors.Errorf("creating file: %w", err)
	}
	m.mu.Lock()
	m.open[f] = struct{}{}
	m.mu.Unlock()

	name = filepath.Base(p)
	e := m.s.newEntry(KindUpload, path, name, 0)
	n, err := m.copy(ctx, f, part, e)
	if err == nil {
		err = f.Sync()
	}

	m.mu.Lock()
	_, stillOpen := m.open[f]
	delete(m.open, f)
	m.mu.Unlock()
	if stillOpen {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	} else if err == nil {
		// Closed by close, during shutdown.
		err = ErrUploadCanceled
	}
	if err != nil {
		os.Remove(p)
		err = xerrors.Errorf("%w: %v", ErrUploadCanceled, err)
		m.s.finish(e, err, ErrUploadCanceled)
		return "", err
	}
	m.s.update(e, func(e *HistoryEntry) { e.Total = n })
	m.s.finish(e, nil, nil)
	m.s.metrics.bytesReceived.Add(float64(n))
	return name, nil
}

func (m *receive) copy(ctx context.Context, f *os.File, src io.Reader, e *HistoryEntry) (int64, error) {
	buf := make([]byte, 32*1024)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, err := f.Write(buf[:nr]); err != nil {
				return n, err
			}
			n += int64(nr)
			m.s.progress(e, n)
		}
		if rerr == io.EOF {
			return n, nil
		}
		if rerr != nil {
			return n, rerr
		}
	}
}

// saveMessage stores a non-empty text message as "<timestamp>-message.txt".
func (m *receive) saveMessage(ctx context.Context, path string, part *multipart.Part) (string, error) {
	buf, err := io.ReadAll(io.LimitReader(part, maxMessageSize+1))
	if err != nil {
		return "", err
	}
	if len(buf) > maxMessageSize {
		return "", fmt.Errorf("message larger than %d bytes", maxMessageSize)
	}
	if strings.TrimSpace(string(buf)) == "" {
		return "", nil
	}

	name := m.s.clock.Now().Format("20060102-150405") + "-message.txt"
	f, p, err := createUnique(m.s.config.DataDir, name)
	if err != nil {
		return "", err
	}
	name = filepath.Base(p)
	e := m.s.newEntry(KindMessage, path, name, int64(len(buf)))
	_, err = f.Write(buf)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(p)
		m.s.finish(e, err, nil)
		return "", err
	}
	m.s.progress(e, int64(len(buf)))
	m.s.finish(e, nil, nil)
	return name, nil
}

// notify posts a short text to the webhook, in the background.
func (m *receive) notify(files, messages int) {
	if m.s.config.WebhookURL == "" {
		return
	}
	var msg string
	switch {
	case files > 0 && messages > 0:
		msg = fmt.Sprintf("%d file(s) and a message submitted to OnionShare", files)
	case files > 0:
		msg = fmt.Sprintf("%d file(s) submitted to OnionShare", files)
	default:
		msg = "A message was submitted to OnionShare"
	}

	m.hooks.Add(1)
	go func() {
		defer m.hooks.Done()
		ctx, cancel := context.WithTimeout(m.s.ctx, time.Minute)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.s.config.WebhookURL, strings.NewReader(msg))
		if err != nil {
			m.s.log.Errorf("webhook request: %s", err)
			return
		}
		req.Header.Set("Content-Type", "text/plain; charset=utf-8")
		resp, err := m.s.config.Webhook.Do(req)
		if err != nil {
			m.s.log.Infof("webhook: %s", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			m.s.log.Infof("webhook: response status %s", resp.Status)
		}
	}()
}

// close closes and removes upload files still being written, failing their
// uploads. It waits for webhook requests.
func (m *receive) close() {
	m.mu.Lock()
	for f := range m.open {
		f.Close()
		os.Remove(f.Name())
	}
	m.open = map[*os.File]struct{}{}
	m.mu.Unlock()
	m.hooks.Wait()
}
