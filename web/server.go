// Package web is the HTTP side of an onionshare session. A Server serves one
// of four modes (share, receive, website, chat) below a secret slug, answers
// everything else with one and the same 404 page, keeps a history of transfers
// and locks out clients that guess slugs.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/onionshare/internal/log"
	"github.com/mjl-/onionshare/internal/xerr"
	"github.com/mjl-/onionshare/slug"
)

// Mode selects what a server serves.
type Mode string

const (
	ModeShare   Mode = "share"
	ModeReceive Mode = "receive"
	ModeWebsite Mode = "website"
	ModeChat    Mode = "chat"
)

var (
	// ErrBadConfig is returned by New for an unusable configuration.
	ErrBadConfig = errors.New("bad web configuration")

	// ErrDownloadCanceled is recorded in the history for downloads the client
	// abandoned.
	ErrDownloadCanceled = errors.New("download canceled")

	// ErrUploadCanceled is recorded for uploads that did not finish.
	ErrUploadCanceled = errors.New("upload canceled")
)

// Content-Security-Policy for pages we generate, and for websites unless disabled.
const defaultCSP = "default-src 'self'; frame-ancestors 'none'; form-action 'self'; base-uri 'self'; img-src 'self' data:;"

// Config configures a Server.
type Config struct {
	Mode Mode

	// Public disables the slug: routes are served from the root and every
	// request is allowed.
	Public bool
	Slug   string

	// LockoutThreshold is the number of consecutive wrong slugs after which
	// all requests are refused. Default slug.DefaultThreshold.
	LockoutThreshold int

	Title string

	// Share.
	Filenames               []string // Also used by website mode.
	CloseAfterFirstDownload bool
	TempDir                 string // For archives, system temp dir if empty.

	// Receive.
	DataDir      string
	DisableText  bool
	DisableFiles bool
	WebhookURL   string
	Webhook      *http.Client // Client for webhook requests, typically through Tor.

	// Website.
	DisableCSP bool
	CustomCSP  string

	// Chat.
	Room string

	// Hooks, called without locks held. OnLockout and OnCloseAfterDownload are
	// called in their own goroutine, they typically stop the session.
	OnHistory            func(HistoryEntry)
	OnLockout            func()
	OnCloseAfterDownload func()
	OnArchiveProgress    func(historyID int64, processed int64)

	Log      *logging.Logger
	Registry *prometheus.Registry
	Clock    clock.Clock
}

// mode is the implementation of one of the modes.
type mode interface {
	routes(r chi.Router)

	// close releases resources like open upload files. Called after all
	// requests have been canceled.
	close()
}

// Server serves the HTTP side of a session.
type Server struct {
	config  Config
	log     *logging.Logger
	clock   clock.Clock
	guard   *slug.Guard
	prefix  string // "/<slug>", or empty in public mode.
	router  chi.Router
	mode    mode
	metrics *metrics

	http   *http.Server
	ctx    context.Context // Base for all requests, canceled by Shutdown.
	cancel context.CancelFunc

	requests atomic.Int64

	historyMu sync.Mutex
	history   []*HistoryEntry
	lastID    int64

	shutdownOnce sync.Once
}

// New returns a server for config. It does not serve until Serve is called.
func New(config Config) (*Server, error) {
	if !config.Public && config.Slug == "" {
		return nil, xerr.Prefix(ErrBadConfig, "slug required when not public")
	}
	if strings.ContainsAny(config.Slug, "/?#%") {
		return nil, xerr.Prefix(ErrBadConfig, "slug with invalid characters")
	}
	if config.LockoutThreshold <= 0 {
		config.LockoutThreshold = slug.DefaultThreshold
	}
	if config.Log == nil {
		config.Log = log.Discard().GetLogger("web")
	}
	if config.Clock == nil {
		config.Clock = clock.New()
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}

	s := &Server{
		config: config,
		log:    config.Log,
		clock:  config.Clock,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	if !config.Public {
		s.prefix = "/" + config.Slug
		s.guard = slug.NewGuard(config.Slug, config.LockoutThreshold, s.lockout)
	}

	var err error
	s.metrics, err = newMetrics(config.Registry, config.Mode)
	if err != nil {
		return nil, xerrors.Errorf("registering metrics: %w", err)
	}

	switch config.Mode {
	case ModeShare:
		s.mode, err = newShare(s)
	case ModeReceive:
		s.mode, err = newReceive(s)
	case ModeWebsite:
		s.mode, err = newWebsite(s)
	case ModeChat:
		s.mode, err = newChat(s)
	default:
		err = xerr.Prefix(ErrBadConfig, "unknown mode %q", config.Mode)
	}
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.notFound)
	s.mode.routes(r)
	s.router = r

	s.http = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
		ErrorLog:          log.StdLogger(s.log),
	}
	return s, nil
}

// Serve serves HTTP on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	err := s.http.Serve(l)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the handler of the server, for testing with httptest.
func (s *Server) Handler() http.Handler {
	return s
}

// Shutdown cancels all requests, including archive builds and uploads, closes
// open upload files and removes partial uploads. Connections still open when
// ctx is done are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.cancel()
		err = s.http.Shutdown(ctx)
		if err != nil {
			s.http.Close()
		}
		s.mode.close()
	})
	return err
}

// Prefix returns the path prefix of all routes: "/<slug>", or empty in public mode.
func (s *Server) Prefix() string {
	return s.prefix
}

// Requests returns the number of requests received, including rejected ones.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Registry returns the prometheus registry with the metrics of this server.
func (s *Server) Registry() *prometheus.Registry {
	return s.config.Registry
}

// Locked returns whether the slug guard has locked out all requests.
func (s *Server) Locked() bool {
	return s.guard != nil && s.guard.Locked()
}

func (s *Server) lockout() {
	s.log.Warning("too many requests with invalid slug, locking out")
	if s.config.OnLockout != nil {
		s.config.OnLockout()
	}
}

// ServeHTTP checks the slug and serves the mode's routes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	securityHeaders(w.Header())

	if s.guard == nil {
		s.metrics.requests.WithLabelValues("ok").Inc()
		s.router.ServeHTTP(w, r)
		return
	}

	first, rest := splitPath(r.URL.Path)
	if first == "favicon.ico" && rest == "/" && !s.guard.Locked() {
		// Browsers ask for it on their own, not a guess.
		s.metrics.requests.WithLabelValues("not_found").Inc()
		s.notFound(w, r)
		return
	}
	if err := s.guard.Check(first); err != nil {
		label := "not_found"
		if errors.Is(err, slug.ErrLockout) {
			label = "locked"
		}
		s.metrics.requests.WithLabelValues(label).Inc()
		s.notFound(w, r)
		return
	}
	s.metrics.requests.WithLabelValues("ok").Inc()

	if s.config.Mode == ModeWebsite && rest == "/" && !strings.HasSuffix(r.URL.Path, "/") {
		// Relative links in pages must resolve below the slug.
		http.Redirect(w, r, s.prefix+"/", http.StatusMovedPermanently)
		return
	}

	r2 := r.Clone(r.Context())
	r2.URL.Path = rest
	r2.URL.RawPath = ""
	s.router.ServeHTTP(w, r2)
}

// splitPath returns the first path element and the remaining path, which
// always starts with a slash.
func splitPath(p string) (string, string) {
	p = strings.TrimPrefix(p, "/")
	first, rest, _ := strings.Cut(p, "/")
	return first, "/" + rest
}

func securityHeaders(h http.Header) {
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Xss-Protection", "1; mode=block")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Server", "OnionShare")
}

// notFound writes the 404 page. It is identical for unknown paths, wrong slugs
// and locked out servers.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", defaultCSP)
	s.page(w, http.StatusNotFound, "404", nil)
}

// forbidden writes the 403 page.
func (s *Server) forbidden(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Security-Policy", defaultCSP)
	s.page(w, http.StatusForbidden, "403", nil)
}
