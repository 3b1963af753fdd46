package web

import (
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mjl-/onionshare/internal/xerr"
)

// siteEntry is a top-level shared file or directory.
type siteEntry struct {
	root *os.Root // Of the directory, or of the parent of a file.
	name string   // Name of the file in root, empty for directories.
}

type website struct {
	s       *Server
	csp     string
	single  *os.Root // Set when sharing a single directory, it is the site.
	entries map[string]*siteEntry
	names   []string
}

func newWebsite(s *Server) (*website, error) {
	c := s.config
	if len(c.Filenames) == 0 {
		return nil, xerr.Prefix(ErrBadConfig, "no files for website")
	}
	m := &website{s: s, entries: map[string]*siteEntry{}}
	switch {
	case c.DisableCSP:
	case c.CustomCSP != "":
		m.csp = c.CustomCSP
	default:
		m.csp = defaultCSP
	}

	if len(c.Filenames) == 1 {
		if info, err := os.Stat(c.Filenames[0]); err == nil && info.IsDir() {
			m.single, err = os.OpenRoot(c.Filenames[0])
			if err != nil {
				return nil, xerr.Prefix(ErrBadConfig, "%s", err)
			}
			return m, nil
		}
	}

	for _, p := range c.Filenames {
		info, err := os.Stat(p)
		if err != nil {
			m.close()
			return nil, xerr.Prefix(ErrBadConfig, "%s", err)
		}
		e := &siteEntry{}
		dir := p
		if !info.IsDir() {
			dir, e.name = filepath.Dir(p), filepath.Base(p)
		}
		e.root, err = os.OpenRoot(dir)
		if err != nil {
			m.close()
			return nil, xerr.Prefix(ErrBadConfig, "%s", err)
		}
		name := filepath.Base(p)
		if _, ok := m.entries[name]; ok {
			e.root.Close()
			m.close()
			return nil, xerr.Prefix(ErrBadConfig, "duplicate name %q", name)
		}
		m.entries[name] = e
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m, nil
}

func (m *website) routes(r chi.Router) {
	r.Get("/*", m.serve)
	r.Head("/*", m.serve)
}

// resolve returns the root and the name in it for a cleaned request path
// without leading slash. An empty name with nil root is the top-level listing.
func (m *website) resolve(p string) (*os.Root, string, bool) {
	if m.single != nil {
		if p == "" {
			p = "."
		}
		return m.single, p, true
	}
	if p == "" {
		return nil, "", true
	}
	first, rest, _ := strings.Cut(p, "/")
	e, ok := m.entries[first]
	if !ok {
		return nil, "", false
	}
	if e.name != "" {
		return e.root, e.name, rest == ""
	}
	if rest == "" {
		rest = "."
	}
	return e.root, rest, true
}

type listEntry struct {
	Name string
	Dir  bool
}

func (m *website) serve(w http.ResponseWriter, r *http.Request) {
	if m.csp != "" {
		w.Header().Set("Content-Security-Policy", m.csp)
	}

	reqPath := r.URL.Path
	p := strings.TrimPrefix(path.Clean("/"+reqPath), "/")
	root, name, ok := m.resolve(p)
	if !ok {
		m.s.notFound(w, r)
		return
	}
	if root == nil {
		if !strings.HasSuffix(reqPath, "/") {
			m.redirectDir(w, r)
			return
		}
		entries := make([]listEntry, len(m.names))
		for i, n := range m.names {
			entries[i] = listEntry{n, m.entries[n].name == ""}
		}
		m.listing(w, r, entries)
		return
	}

	info, err := root.Stat(name)
	if err != nil {
		m.s.notFound(w, r)
		return
	}
	if info.IsDir() {
		if !strings.HasSuffix(reqPath, "/") {
			m.redirectDir(w, r)
			return
		}
		index := path.Join(name, "index.html")
		if ii, err := root.Stat(index); err == nil && ii.Mode().IsRegular() {
			m.file(w, r, root, index)
			return
		}
		dir, err := root.Open(name)
		if err != nil {
			m.s.notFound(w, r)
			return
		}
		des, err := dir.ReadDir(-1)
		dir.Close()
		if err != nil {
			m.s.notFound(w, r)
			return
		}
		var entries []listEntry
		for _, de := range des {
			if de.IsDir() || de.Type().IsRegular() {
				entries = append(entries, listEntry{de.Name(), de.IsDir()})
			}
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
		m.listing(w, r, entries)
		return
	}
	if !info.Mode().IsRegular() {
		m.s.notFound(w, r)
		return
	}
	m.file(w, r, root, name)
}

// redirectDir redirects to the path with a trailing slash, keeping the slug.
func (m *website) redirectDir(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, m.s.prefix+r.URL.Path+"/", http.StatusMovedPermanently)
}

func (m *website) listing(w http.ResponseWriter, r *http.Request, entries []listEntry) {
	// Listings are ours, the site's policy could be disabled.
	w.Header().Set("Content-Security-Policy", defaultCSP)
	m.s.page(w, http.StatusOK, "listing", struct {
		Path    string
		Entries []listEntry
	}{path.Clean("/" + r.URL.Path), entries})
}

func (m *website) file(w http.ResponseWriter, r *http.Request, root *os.Root, name string) {
	f, err := root.Open(name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.s.log.Infof("opening website file: %s", err)
		}
		m.s.notFound(w, r)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		m.s.notFound(w, r)
		return
	}

	e := m.s.newEntry(KindVisit, r.URL.Path, path.Base(name), info.Size())
	cw := &countWriter{ResponseWriter: w}
	http.ServeContent(cw, r, path.Base(name), info.ModTime(), f)
	m.s.metrics.bytesSent.Add(float64(cw.n))
	m.s.progress(e, cw.n)
	var ferr error
	if err := r.Context().Err(); err != nil {
		ferr = err
	}
	m.s.finish(e, ferr, ErrDownloadCanceled)
}

type countWriter struct {
	http.ResponseWriter
	n int64
}

func (w *countWriter) Write(buf []byte) (int, error) {
	n, err := w.ResponseWriter.Write(buf)
	w.n += int64(n)
	return n, err
}

func (m *website) close() {
	if m.single != nil {
		m.single.Close()
	}
	for _, e := range m.entries {
		e.root.Close()
	}
}
