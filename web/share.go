package web

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"golang.org/x/xerrors"

	"github.com/mjl-/onionshare/internal/xerr"
	"github.com/mjl-/onionshare/zipstream"
)

type shareFile struct {
	Name string
	Path string
	Dir  bool
	Size int64 // Total of regular files for directories.
}

type share struct {
	s       *Server
	files   []shareFile
	total   int64
	archive bool // False when sharing a single regular file.

	mu          sync.Mutex
	downloading int
	completed   bool
	builds      map[*zipstream.Builder]struct{}
}

func newShare(s *Server) (*share, error) {
	if len(s.config.Filenames) == 0 {
		return nil, xerr.Prefix(ErrBadConfig, "no files to share")
	}
	m := &share{s: s, builds: map[*zipstream.Builder]struct{}{}}
	for _, p := range s.config.Filenames {
		info, err := os.Stat(p)
		if err != nil {
			return nil, xerr.Prefix(ErrBadConfig, "%s", err)
		}
		f := shareFile{Name: filepath.Base(p), Path: p, Dir: info.IsDir(), Size: info.Size()}
		if f.Dir {
			f.Size, err = dirSize(p)
			if err != nil {
				return nil, xerr.Prefix(ErrBadConfig, "%s", err)
			}
		}
		m.files = append(m.files, f)
		m.total += f.Size
	}
	m.archive = len(m.files) > 1 || m.files[0].Dir
	return m, nil
}

func dirSize(dir string) (int64, error) {
	var n int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			n += info.Size()
		}
		return nil
	})
	return n, err
}

func (m *share) routes(r chi.Router) {
	r.Get("/", m.index)
	r.Get("/download", m.download)
}

func (m *share) index(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", defaultCSP)
	m.s.page(w, http.StatusOK, "share", struct {
		Files   []shareFile
		Total   int64
		Archive bool
	}{m.files, m.total, m.archive})
}

// begin registers a download. With close-after-first-download only one
// download can be in progress, and none after one completed.
func (m *share) begin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.s.config.CloseAfterFirstDownload && (m.downloading > 0 || m.completed) {
		return false
	}
	m.downloading++
	return true
}

func (m *share) end(complete bool) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloading--
	first = complete && !m.completed
	if complete {
		m.completed = true
	}
	return first
}

func (m *share) download(w http.ResponseWriter, r *http.Request) {
	if !m.begin() {
		m.s.log.Info("download denied, another download is in progress or completed")
		m.s.forbidden(w, r)
		return
	}

	var err error
	var e *HistoryEntry
	if m.archive {
		e, err = m.sendArchive(w, r)
	} else {
		e, err = m.sendFile(w, r)
	}
	if e != nil {
		m.s.finish(e, err, ErrDownloadCanceled)
	}
	first := m.end(err == nil)
	if err != nil {
		m.s.log.Infof("download ended: %s", err)
		return
	}
	m.s.log.Info("download complete")
	if first && m.s.config.CloseAfterFirstDownload && m.s.config.OnCloseAfterDownload != nil {
		go m.s.config.OnCloseAfterDownload()
	}
}

func acceptsGzip(r *http.Request) bool {
	for _, v := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(v), ";")
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

func attachment(name string) string {
	return fmt.Sprintf("attachment; filename=%q", strings.ReplaceAll(name, `"`, "_"))
}

// sendFile sends the single shared file, gzipped if the client accepts that.
func (m *share) sendFile(w http.ResponseWriter, r *http.Request) (*HistoryEntry, error) {
	sf := m.files[0]
	f, err := os.Open(sf.Path)
	if err != nil {
		m.s.log.Errorf("opening shared file: %s", err)
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return nil, err
	}
	defer f.Close()

	e := m.s.newEntry(KindDownload, r.URL.Path, sf.Name, sf.Size)

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Disposition", attachment(sf.Name))
	h.Set("Cache-Control", "no-store")
	if zipstream.Method(sf.Name, sf.Size) == zip.Store || !acceptsGzip(r) {
		h.Set("Content-Length", strconv.FormatInt(sf.Size, 10))
		err := m.copy(r.Context(), w, f, e)
		return e, err
	}

	h.Set("Content-Encoding", "gzip")
	h.Set("Vary", "Accept-Encoding")
	gz := gzip.NewWriter(w)
	if err := m.copy(r.Context(), gz, f, e); err != nil {
		return e, err
	}
	if err := gz.Close(); err != nil {
		return e, xerrors.Errorf("%w: %v", ErrDownloadCanceled, err)
	}
	return e, nil
}

// copy sends src in chunks, tracking progress in e. Progress is in bytes read
// from src, uncompressed.
func (m *share) copy(ctx context.Context, w io.Writer, src io.Reader, e *HistoryEntry) error {
	buf := make([]byte, zipstream.ChunkSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return xerrors.Errorf("%w: %v", ErrDownloadCanceled, err)
		}
		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, err := w.Write(buf[:nr]); err != nil {
				return xerrors.Errorf("%w: %v", ErrDownloadCanceled, err)
			}
			n += int64(nr)
			m.s.metrics.bytesSent.Add(float64(nr))
			m.s.progress(e, n)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// sendArchive builds a zip of all shared files for this request, and sends it
// while it is being built.
func (m *share) sendArchive(w http.ResponseWriter, r *http.Request) (*HistoryEntry, error) {
	name := "onionshare.zip"
	if m.s.config.Title != "" {
		name = m.s.config.Title + ".zip"
	}
	// Total starts as the size of the shared files and is set to the archive
	// size when done.
	e := m.s.newEntry(KindDownload, r.URL.Path, name, m.total)

	progress := func(n int64) {
		if m.s.config.OnArchiveProgress != nil {
			m.s.config.OnArchiveProgress(e.ID, n)
		}
	}
	b, err := zipstream.Create(m.s.config.TempDir, progress)
	if err != nil {
		m.s.log.Errorf("creating archive: %s", err)
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return e, err
	}
	m.mu.Lock()
	m.builds[b] = struct{}{}
	m.mu.Unlock()
	built := make(chan struct{})
	defer func() {
		<-built
		m.mu.Lock()
		delete(m.builds, b)
		m.mu.Unlock()
		b.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer close(built)
		for _, f := range m.files {
			if err := b.Add(ctx, f.Path); err != nil {
				m.s.log.Errorf("adding %s to archive: %s", f.Name, err)
				return
			}
		}
		if err := b.Finalize(); err != nil {
			m.s.log.Errorf("finalizing archive: %s", err)
		}
	}()

	h := w.Header()
	h.Set("Content-Type", "application/zip")
	h.Set("Content-Disposition", attachment(name))
	h.Set("Cache-Control", "no-store")

	rc := b.Follow(ctx)
	defer rc.Close()
	buf := make([]byte, zipstream.ChunkSize)
	var n int64
	for {
		nr, rerr := rc.Read(buf)
		if nr > 0 {
			if _, err := w.Write(buf[:nr]); err != nil {
				return e, xerrors.Errorf("%w: %v", ErrDownloadCanceled, err)
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
			n += int64(nr)
			m.s.metrics.bytesSent.Add(float64(nr))
			m.s.progress(e, n)
		}
		if rerr == io.EOF {
			m.s.update(e, func(e *HistoryEntry) { e.Total = n })
			return e, nil
		}
		if rerr != nil {
			if isCanceled(rerr, zipstream.ErrCanceled) {
				return e, xerrors.Errorf("%w: %v", ErrDownloadCanceled, rerr)
			}
			m.s.log.Errorf("archive: %s", rerr)
			if n == 0 {
				h.Del("Content-Disposition")
				http.Error(w, "500 internal server error", http.StatusInternalServerError)
			}
			return e, rerr
		}
	}
}

// close cancels archive builds still running.
func (m *share) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for b := range m.builds {
		b.Cancel(nil)
	}
}
