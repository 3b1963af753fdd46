package web

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/mjl-/onionshare/zipstream"
)

type historyLog struct {
	sync.Mutex
	l []HistoryEntry
}

func (h *historyLog) add(e HistoryEntry) {
	h.Lock()
	defer h.Unlock()
	h.l = append(h.l, e)
}

func TestShareSingleFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "notes.txt")
	data := []byte(strings.Repeat("some notes\n", 10000))
	require.NoError(t, os.WriteFile(p, data, 0600))

	var hist historyLog
	s := newServer(t, Config{Mode: ModeShare, Filenames: []string{p}, OnHistory: hist.add})

	rec := get(s, "/"+testSlug+"/download")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, data, rec.Body.Bytes())
	require.Equal(t, `attachment; filename="notes.txt"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "", rec.Header().Get("Content-Encoding"))

	rec = get(s, "/"+testSlug+"/download", "Accept-Encoding", "br, gzip;q=0.8")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	buf, err := io.ReadAll(gz)
	require.NoError(t, err)
	require.Equal(t, data, buf)

	h := s.History()
	require.Len(t, h, 2)
	for _, e := range h {
		require.Equal(t, StatusComplete, e.Status)
		require.Equal(t, KindDownload, e.Kind)
		require.Equal(t, "notes.txt", e.Filename)
		require.Equal(t, int64(len(data)), e.Transferred)
		require.Equal(t, int64(len(data)), e.Total)
	}
	require.Equal(t, int64(1), h[0].ID)
	require.Equal(t, int64(2), h[1].ID)

	hist.Lock()
	require.Equal(t, StatusInProgress, hist.l[0].Status)
	require.Equal(t, StatusComplete, hist.l[len(hist.l)-1].Status)
	hist.Unlock()
}

func TestShareArchive(t *testing.T) {
	files := shareFiles(t)
	sub := filepath.Join(filepath.Dir(files[0]), "docs")
	require.NoError(t, os.MkdirAll(filepath.Join(sub, "inner"), 0700))
	require.NoError(t, os.WriteFile(filepath.Join(sub, "inner", "d.txt"), []byte("d"), 0600))
	files = append(files, sub)

	var progress []int64
	var mu sync.Mutex
	var hist historyLog
	s := newServer(t, Config{
		Mode:      ModeShare,
		Filenames: files,
		TempDir:   t.TempDir(),
		OnHistory: hist.add,
		OnArchiveProgress: func(id, n int64) {
			mu.Lock()
			progress = append(progress, n)
			mu.Unlock()
		},
	})

	index := get(s, "/"+testSlug+"/")
	require.Contains(t, index.Body.String(), "docs/")

	rec := get(s, "/"+testSlug+"/download")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"a.txt", "b.txt", "c.txt", "docs/inner/d.txt"}, names)

	e := s.History()[0]
	require.Equal(t, StatusComplete, e.Status)
	require.Equal(t, int64(len(body)), e.Transferred)
	require.Equal(t, int64(len(body)), e.Total)
	require.Equal(t, "onionshare.zip", e.Filename)

	// While in progress, the total is the size of the shared files.
	hist.Lock()
	require.Equal(t, StatusInProgress, hist.l[0].Status)
	require.Equal(t, int64(3*6000+1), hist.l[0].Total)
	hist.Unlock()

	mu.Lock()
	require.Equal(t, int64(3*6000+1), progress[len(progress)-1])
	mu.Unlock()
}

func TestShareArchiveFailure(t *testing.T) {
	files := shareFiles(t)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)

	s := newServer(t, Config{Mode: ModeShare, Filenames: files, TempDir: t.TempDir()})

	// A shared file disappearing fails this download only.
	require.NoError(t, os.Remove(files[0]))
	rec := get(s, "/"+testSlug+"/download")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	e := s.History()[0]
	require.Equal(t, StatusFailed, e.Status)
	check(t, e.Err, zipstream.ErrArchiveIO, "history error")
	require.False(t, e.Finished.IsZero())

	require.Equal(t, http.StatusOK, get(s, "/"+testSlug+"/").Code)

	require.NoError(t, os.WriteFile(files[0], data, 0600))
	rec = get(s, "/"+testSlug+"/download")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 3)
	h := s.History()
	require.Len(t, h, 2)
	require.Equal(t, StatusComplete, h[1].Status)

	// No temporary archives are left behind.
	l, err := os.ReadDir(s.config.TempDir)
	require.NoError(t, err)
	require.Empty(t, l)
}

func TestShareCloseAfterFirstDownload(t *testing.T) {
	closed := make(chan struct{})
	s := newServer(t, Config{
		Mode:                    ModeShare,
		Filenames:               shareFiles(t),
		CloseAfterFirstDownload: true,
		OnCloseAfterDownload:    func() { close(closed) },
	})

	require.Equal(t, http.StatusOK, get(s, "/"+testSlug+"/download").Code)
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatalf("close after download hook not called")
	}
	rec := get(s, "/"+testSlug+"/download")
	require.Equal(t, http.StatusForbidden, rec.Code, "second download denied")
	require.Equal(t, StatusComplete, s.History()[0].Status)
	require.Len(t, s.History(), 1)
}

func TestShareConcurrentDenied(t *testing.T) {
	s := newServer(t, Config{Mode: ModeShare, Filenames: shareFiles(t), CloseAfterFirstDownload: true})

	m := s.mode.(*share)
	require.True(t, m.begin(), "first download")
	require.Equal(t, http.StatusForbidden, get(s, "/"+testSlug+"/download").Code, "while in progress")
	m.end(false)

	// An unfinished download does not count.
	require.Equal(t, http.StatusOK, get(s, "/"+testSlug+"/download").Code)
}

func TestShareCanceled(t *testing.T) {
	s := newServer(t, Config{Mode: ModeShare, Filenames: shareFiles(t)[:1]})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("GET", "/"+testSlug+"/download", nil).WithContext(ctx)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)

	e := s.History()[0]
	require.Equal(t, StatusCanceled, e.Status)
	check(t, e.Err, ErrDownloadCanceled, "history error")

	// Archive download.
	s = newServer(t, Config{Mode: ModeShare, Filenames: shareFiles(t)})
	req = httptest.NewRequest("GET", "/"+testSlug+"/download", nil).WithContext(ctx)
	s.Handler().ServeHTTP(httptest.NewRecorder(), req)
	e = s.History()[0]
	require.Equal(t, StatusCanceled, e.Status)
	check(t, e.Err, ErrDownloadCanceled, "archive history error")
}
