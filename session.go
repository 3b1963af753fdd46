package onionshare

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/onionshare/internal/log"
	"github.com/mjl-/onionshare/internal/xerr"
	"github.com/mjl-/onionshare/onion"
	"github.com/mjl-/onionshare/slug"
	"github.com/mjl-/onionshare/torcontrol"
	"github.com/mjl-/onionshare/torhttp"
	"github.com/mjl-/onionshare/web"
)

// Time allowed for DEL_ONION and for open requests to finish when stopping.
const stopTimeout = 5 * time.Second

// Option configures a Session.
type Option func(*Session)

// WithLogBackend sets the log backend, by default logging is discarded.
func WithLogBackend(b *log.Backend) Option {
	return func(s *Session) {
		s.logBackend = b
	}
}

// WithClock sets the clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithRand sets the source of randomness for keys and slugs.
func WithRand(r io.Reader) Option {
	return func(s *Session) {
		s.rand = r
	}
}

// WithKeyStore sets the key store for persistent sessions. Without it, the key
// store in the data directory is opened when needed.
func WithKeyStore(ks *KeyStore) Option {
	return func(s *Session) {
		s.keyStore = ks
	}
}

// WithWebhookClient sets the http client for receive mode webhooks. By default
// requests go through Tor's SOCKS port.
func WithWebhookClient(c *http.Client) Option {
	return func(s *Session) {
		s.webhook = c
	}
}

// Session is a single onion service serving one mode. A session is started
// once. After it stopped or failed, a new session must be created.
type Session struct {
	id         string
	mode       Mode
	settings   Settings
	clock      clock.Clock
	rand       io.Reader
	logBackend *log.Backend
	log        *logging.Logger
	keyStore   *KeyStore
	webhook    *http.Client

	events *eventQueue
	done   chan struct{}

	mu          sync.Mutex
	state       State
	err         error
	started     bool
	stopping    bool
	finished    bool
	stopQueued  bool
	startCancel context.CancelFunc
	startDone   chan struct{}

	listener   net.Listener
	port       int
	slug       string
	address    string
	serviceID  string
	clientAuth *onion.ClientAuth
	web        *web.Server
	ctrl       *torcontrol.Conn
	serveDone  chan struct{}
}

// NewSession validates settings for mode and returns a session that can be
// started. No I/O is done. The settings are copied.
func NewSession(mode Mode, settings *Settings, opts ...Option) (*Session, error) {
	if settings == nil {
		return nil, xerr.Prefix(ErrInvalidSettings, "no settings")
	}
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}
	st := *settings
	if err := st.Validate(mode); err != nil {
		return nil, err
	}

	s := &Session{
		id:       uuid.NewString(),
		mode:     mode,
		settings: st,
		events:   newEventQueue(),
		done:     make(chan struct{}),
		state:    StateStopped,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.rand == nil {
		s.rand = rand.Reader
	}
	if s.logBackend == nil {
		s.logBackend = log.Discard()
	}
	s.log = s.logBackend.GetLogger("session")
	return s, nil
}

// Start creates a session with NewSession and starts it.
func Start(ctx context.Context, mode Mode, settings *Settings, opts ...Option) (*Session, error) {
	s, err := NewSession(mode, settings, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// StopSession stops s, see Session.Stop.
func StopSession(s *Session) error {
	return s.Stop()
}

// Start binds a local port, adds the onion service and waits until Tor
// published it, then serves. On error, all resources are released, the session
// is in StateFailed, and the error wraps one of the Err* values of this
// package. If Stop is called while starting, Start returns ErrStopped.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		err := s.err
		s.mu.Unlock()
		if err != nil && xerrors.Is(err, ErrStopped) {
			return ErrStopped
		}
		return errSessionUsed
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.startCancel = cancel
	s.startDone = make(chan struct{})
	s.setState(StateStarting, nil)
	s.mu.Unlock()

	defer func() {
		cancel()
		close(s.startDone)
	}()

	var err error
	check, handle := errorHandler(func(e error) {
		err = e
	})
	func() {
		defer handle()
		s.start(ctx, check)
	}()

	if err != nil {
		s.release()

		s.mu.Lock()
		if s.stopping {
			err = xerr.Wrap(ErrStopped, err)
			s.setState(StateStopped, ErrStopped)
		} else {
			s.log.Errorf("start failed: %s", err)
			s.setState(StateFailed, err)
		}
		s.finish()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.setState(StatePublished, nil)
	queued := s.stopQueued
	s.mu.Unlock()

	s.log.Noticef("published at %s", s.address)
	if queued {
		s.log.Info("applying queued stop")
		go s.stop(nil)
	}
	return nil
}

func (s *Session) start(ctx context.Context, check func(error, string)) {
	st := &s.settings

	l, port, err := listen(st.Server.PortRangeStart, st.Server.PortRangeEnd)
	check(err, "allocating port")
	s.mu.Lock()
	s.listener, s.port = l, port
	s.mu.Unlock()
	s.log.Infof("listening on 127.0.0.1:%d", port)

	// A persistent service keeps its key, slug and client authorization.
	ks := s.keyStore
	var rec *KeyRecord
	if id := st.General.PersistentID; id != "" && !st.Server.LocalOnly {
		if ks == nil {
			p, err := KeyStorePath()
			check(err, "key store path")
			ks, err = OpenKeyStore(p)
			check(err, "opening key store")
			defer ks.Close()
		}
		r, err := ks.Get(id)
		if err != nil && !errors.Is(err, ErrNoKey) {
			check(err, "reading key store")
		} else if err == nil {
			if r.Mode != s.mode {
				check(xerr.Prefix(ErrInvalidSettings, "persistent id %q was saved for mode %s", id, r.Mode), "loading key")
			}
			rec = r
		}
	}

	token := ""
	if !*st.General.Public {
		switch {
		case st.General.Slug != "":
			token = st.General.Slug
		case rec != nil && rec.Slug != "":
			token = rec.Slug
		default:
			token, err = slug.Generate(s.rand)
			check(err, "generating slug")
		}
	}
	s.mu.Lock()
	s.slug = token
	s.mu.Unlock()

	ws, err := web.New(s.webConfig(token))
	check(err, "creating web server")
	s.mu.Lock()
	s.web = ws
	s.mu.Unlock()

	if st.Server.LocalOnly {
		s.mu.Lock()
		s.address = fmt.Sprintf("127.0.0.1:%d", port)
		s.mu.Unlock()
		s.serve()
		return
	}

	key := s.loadKey(rec, check)
	if st.General.ClientAuth {
		var ca *onion.ClientAuth
		switch {
		case st.Onion.ClientAuthPrivateKey != "":
			ca, err = onion.ParseClientAuth(st.Onion.ClientAuthPrivateKey)
		case rec != nil && rec.ClientAuth != "":
			ca, err = onion.ParseClientAuth(rec.ClientAuth)
		default:
			ca, err = onion.NewClientAuth(s.rand)
		}
		check(err, "client authorization key")
		s.mu.Lock()
		s.clientAuth = ca
		s.mu.Unlock()
	}

	ctrl, err := torcontrol.Dial(ctx, st.Tor.ControlAddress, s.logBackend.GetLogger("torcontrol"))
	check(err, "connecting to tor")
	s.mu.Lock()
	s.ctrl = ctrl
	s.mu.Unlock()

	err = ctrl.Authenticate(ctx, torcontrol.AuthConfig{
		Method:     torcontrol.AuthMethod(st.Tor.AuthType),
		Password:   st.Tor.Password,
		CookieFile: st.Tor.CookieFile,
		Rand:       s.rand,
	})
	check(err, "authenticating to tor")
	if len(st.Tor.SetConf) > 0 {
		check(ctrl.SetConf(ctx, st.Tor.SetConf), "setconf")
	}
	check(ctrl.SetEvents(ctx, "HS_DESC"), "setevents")

	s.mu.Lock()
	s.setState(StatePublishing, nil)
	s.mu.Unlock()

	sub := ctrl.Subscribe()
	defer sub.Close()
	req := torcontrol.AddOnionRequest{
		Key:   key.Blob(),
		Ports: []torcontrol.PortMapping{{Virtual: VirtualPort, Target: fmt.Sprintf("127.0.0.1:%d", port)}},
		Flags: []string{"DiscardPK"},
	}
	if ca := s.clientAuth; ca != nil {
		req.ClientAuthV3 = []string{ca.PublicString()}
	}
	o, err := ctrl.AddOnion(ctx, req)
	check(err, "adding onion service")
	s.mu.Lock()
	s.serviceID = o.ServiceID
	s.address = key.Address()
	s.mu.Unlock()
	if o.ServiceID != key.ServiceID() {
		check(xerr.Prefix(ErrServiceIDMismatch, "tor returned %s", o.ServiceID), "adding onion service")
	}

	if st.General.SavePrivateKey && st.General.PersistentID != "" {
		r := KeyRecord{Mode: s.mode, PrivateKey: key.Blob(), Slug: token}
		if ca := s.clientAuth; ca != nil {
			r.ClientAuth = ca.PrivateString()
		}
		check(ks.Put(st.General.PersistentID, r), "saving key")
	}

	s.log.Infof("waiting for publication of %s", s.address)
	wctx, cancel := s.clock.WithTimeout(ctx, st.Tor.PublishTimeout)
	defer cancel()
	err = ctrl.WaitPublished(wctx, sub, o.ServiceID)
	if err != nil && errors.Is(wctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = xerr.Prefix(ErrPublicationTimeout, "after %s", st.Tor.PublishTimeout)
	}
	check(err, "publishing onion service")

	s.serve()
	go s.watchControl(ctrl)
}

func (s *Session) loadKey(rec *KeyRecord, check func(error, string)) onion.Key {
	st := &s.settings
	blob := st.Onion.PrivateKey
	if blob == "" && rec != nil {
		blob = rec.PrivateKey
	}
	if blob == "" {
		if st.General.Legacy {
			check(xerr.Prefix(ErrInvalidSettings, "no saved rsa1024 key for legacy service"), "loading key")
		}
		seed, err := onion.NewSeed(s.rand)
		check(err, "generating key")
		return onion.KeyFromSeed(seed)
	}

	key, err := onion.ParseKey(blob)
	check(err, "parsing key")
	if onion.IsLegacy(key) != st.General.Legacy {
		check(xerr.Prefix(ErrInvalidSettings, "key type does not match general.legacy"), "loading key")
	}
	if onion.IsLegacy(key) {
		s.log.Warningf("%s", ErrLegacyKeyDetected)
		s.events.send(Event{Kind: EventLegacyKey, Time: s.clock.Now(), Err: ErrLegacyKeyDetected})
	}
	return key
}

func (s *Session) webConfig(token string) web.Config {
	st := &s.settings
	c := web.Config{
		Mode:             s.mode,
		Public:           *st.General.Public,
		Slug:             token,
		LockoutThreshold: st.Server.LockoutThreshold,
		Title:            st.General.Title,
		TempDir:          st.Server.TempDir,
		Log:              s.logBackend.GetLogger("web"),
		Clock:            s.clock,
		OnHistory: func(e web.HistoryEntry) {
			s.events.send(Event{Kind: EventHistory, Time: s.clock.Now(), History: &e})
		},
		OnLockout: func() {
			s.events.send(Event{Kind: EventLockout, Time: s.clock.Now(), Err: ErrLockoutTriggered})
			s.stop(ErrLockoutTriggered)
		},
		OnCloseAfterDownload: func() {
			s.log.Info("first download complete, stopping")
			s.stop(nil)
		},
		OnArchiveProgress: func(id int64, processed int64) {
			s.events.send(Event{Kind: EventArchiveProgress, Time: s.clock.Now(), ID: id, Bytes: processed})
		},
	}
	switch s.mode {
	case ModeShare:
		c.Filenames = st.Share.Filenames
		c.CloseAfterFirstDownload = *st.Share.CloseAfterFirstDownload
	case ModeReceive:
		c.DataDir = st.Receive.DataDir
		c.DisableText = st.Receive.DisableText
		c.DisableFiles = st.Receive.DisableFiles
		c.WebhookURL = st.Receive.WebhookURL
		c.Webhook = s.webhook
		if c.WebhookURL != "" && c.Webhook == nil {
			c.Webhook = torhttp.NewClient(st.Tor.SocksAddress, 30*time.Second)
		}
	case ModeWebsite:
		c.Filenames = st.Website.Filenames
		c.DisableCSP = st.Website.DisableCSP
		c.CustomCSP = st.Website.CustomCSP
	case ModeChat:
		c.Room = st.Chat.Room
	}
	return c
}

func (s *Session) serve() {
	s.mu.Lock()
	ws, l := s.web, s.listener
	s.serveDone = make(chan struct{})
	done := s.serveDone
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := ws.Serve(l); err != nil {
			s.log.Errorf("serve: %s", err)
		}
	}()
}

// watchControl reports loss of the control connection. Tor removed the
// service with the connection, there is no reconnect.
func (s *Session) watchControl(ctrl *torcontrol.Conn) {
	select {
	case <-s.done:
		return
	case <-ctrl.Done():
	}
	s.mu.Lock()
	stopping := s.stopping
	s.mu.Unlock()
	if stopping {
		return
	}
	err := ctrl.Err()
	if !errors.Is(err, ErrControlConnectionLost) {
		err = xerr.Wrap(ErrControlConnectionLost, err)
	}
	s.log.Errorf("%s", err)
	s.events.send(Event{Kind: EventConnectionLost, Time: s.clock.Now(), State: StatePublished, Err: err})
}

func listen(start, end int) (net.Listener, int, error) {
	for port := start; port <= end; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return l, port, nil
		}
	}
	return nil, 0, xerr.Prefix(ErrPortUnavailable, "127.0.0.1, ports %d-%d", start, end)
}

// Stop stops the session in any state. A Start in progress is canceled and
// waited for. The onion service is removed, the control connection closed,
// requests are canceled and the listener closed. Stop is idempotent and
// returns after all resources are released.
func (s *Session) Stop() error {
	s.stop(nil)
	return nil
}

// StopWhenPublished stops the session if it is published. Otherwise the stop
// is applied as soon as it gets published. Used for scheduled stops.
func (s *Session) StopWhenPublished() {
	s.mu.Lock()
	if s.state != StatePublished && !s.finished {
		s.stopQueued = true
		s.mu.Unlock()
		s.log.Info("session not published yet, queueing stop")
		return
	}
	s.mu.Unlock()
	s.stop(nil)
}

func (s *Session) stop(reason error) {
	s.mu.Lock()
	if s.stopping || s.finished {
		s.mu.Unlock()
		<-s.done
		return
	}
	s.stopping = true
	if !s.started {
		s.started = true
		s.setState(StateStopped, ErrStopped)
		s.finish()
		s.mu.Unlock()
		return
	}
	cancel, startDone := s.startCancel, s.startDone
	s.mu.Unlock()

	cancel()
	<-startDone

	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.setState(StateStopping, reason)
	s.mu.Unlock()

	s.release()

	s.mu.Lock()
	s.setState(StateStopped, reason)
	s.finish()
	s.mu.Unlock()
	if reason != nil {
		s.log.Noticef("stopped: %s", reason)
	} else {
		s.log.Notice("stopped")
	}
}

// release frees all resources acquired by start, in reverse order.
func (s *Session) release() {
	s.mu.Lock()
	ctrl, ws, l, serviceID, serveDone := s.ctrl, s.web, s.listener, s.serviceID, s.serveDone
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	if ctrl != nil {
		if serviceID != "" && ctrl.Err() == nil {
			if err := ctrl.DelOnion(ctx, serviceID); err != nil {
				s.log.Debugf("removing onion service: %s", err)
			}
		}
		ctrl.Close()
	}
	if ws != nil {
		if err := ws.Shutdown(ctx); err != nil {
			s.log.Debugf("web server shutdown: %s", err)
		}
	}
	if l != nil {
		l.Close()
	}
	if serveDone != nil {
		<-serveDone
	}
}

// setState must be called with mu held.
func (s *Session) setState(state State, err error) {
	s.state = state
	if err != nil {
		s.err = err
	}
	e := Event{Kind: EventStateChange, Time: s.clock.Now(), State: state, Err: err}
	if state == StatePublished {
		e.Address = s.address
	}
	s.events.send(e)
}

// finish must be called with mu held.
func (s *Session) finish() {
	s.finished = true
	close(s.done)
	s.events.close()
}

// ID returns the unique id of the session, for front-ends with multiple tabs.
func (s *Session) ID() string {
	return s.id
}

func (s *Session) Mode() Mode {
	return s.mode
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session failed or stopped. Nil for a normal stop.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Address returns the onion address, or "127.0.0.1:<port>" in local-only mode.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address
}

// Slug returns the slug, empty in public mode.
func (s *Session) Slug() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slug
}

// URL returns the URL to share, including the slug.
func (s *Session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.address == "" {
		return ""
	}
	u := "http://" + s.address
	if s.slug != "" {
		u += "/" + s.slug
	}
	if s.mode == ModeWebsite || s.mode == ModeChat || s.slug == "" {
		u += "/"
	}
	return u
}

// Port returns the local port of the web server.
func (s *Session) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ClientAuth returns the private client authorization key to give to people
// who may connect, or nil if client authorization is off.
func (s *Session) ClientAuth() *onion.ClientAuth {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientAuth
}

// History returns copies of the history entries.
func (s *Session) History() []HistoryEntry {
	s.mu.Lock()
	ws := s.web
	s.mu.Unlock()
	if ws == nil {
		return nil
	}
	return ws.History()
}

// Web returns the web server, nil before Start.
func (s *Session) Web() *web.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.web
}

// Done is closed when the session has stopped or failed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Events returns the channel with events of the session, closed after the
// final state change. Events are queued until the first call.
func (s *Session) Events() <-chan Event {
	return s.events.channel()
}
