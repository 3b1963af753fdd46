package onionshare

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/op/go-logging.v1"

	"github.com/mjl-/onionshare/internal/log"
	"github.com/mjl-/onionshare/internal/xerr"
)

// ErrBadCommand is returned by ParseCommand for lines that are not a known
// command.
var ErrBadCommand = errors.New("bad command")

// Command is a request from another process to a running front-end, like a
// file manager asking to share files. Either NewTab or NewShareTab.
type Command interface {
	command()
}

// NewTab opens an empty tab.
type NewTab struct{}

// NewShareTab opens a tab sharing Filenames, and starts it.
type NewShareTab struct {
	Filenames []string
}

func (NewTab) command()      {}
func (NewShareTab) command() {}

// ParseCommand parses a JSON line like {"command": "new_tab"} or
// {"command": "new_share_tab", "filenames": ["a", "b"]}. The key "type" is
// accepted instead of "command".
func ParseCommand(line []byte) (Command, error) {
	var c struct {
		Command   string   `json:"command"`
		Type      string   `json:"type"`
		Filenames []string `json:"filenames"`
	}
	if err := json.Unmarshal(line, &c); err != nil {
		return nil, xerr.Prefix(ErrBadCommand, "%s", err)
	}
	name := c.Command
	if name == "" {
		name = c.Type
	}
	switch name {
	case "new_tab":
		return NewTab{}, nil
	case "new_share_tab":
		if len(c.Filenames) == 0 {
			return nil, xerr.Prefix(ErrBadCommand, "new_share_tab without filenames")
		}
		return NewShareTab{c.Filenames}, nil
	case "":
		return nil, xerr.Prefix(ErrBadCommand, "missing command")
	}
	return nil, xerr.Prefix(ErrBadCommand, "unknown command %q", name)
}

// Tab is a front-end tab, with a session once one is started.
type Tab struct {
	ID        int
	Filenames []string

	// Session is nil for an empty tab, or when starting failed.
	Session *Session
	Err     error
}

// Manager creates tabs and sessions for commands.
type Manager struct {
	settings Settings
	opts     []Option
	log      *logging.Logger

	// OnTab, if set, is called for each new tab, after its session started or
	// failed to start.
	OnTab func(Tab)

	mu     sync.Mutex
	tabs   []*Tab
	nextID int
}

// NewManager returns a manager that starts share sessions with a copy of
// settings, and opts. Backend may be nil.
func NewManager(settings *Settings, b *log.Backend, opts ...Option) *Manager {
	if b == nil {
		b = log.Discard()
	}
	return &Manager{
		settings: *settings,
		opts:     append([]Option{WithLogBackend(b)}, opts...),
		log:      b.GetLogger("manager"),
	}
}

// Run handles commands until ctx is done, then stops all sessions it started
// and returns after they stopped. A closed cmds channel stops reading but
// sessions keep running until ctx is done.
func (m *Manager) Run(ctx context.Context, cmds <-chan Command) error {
	g, gctx := errgroup.WithContext(ctx)

	for cmds != nil {
		select {
		case <-ctx.Done():
			cmds = nil
			continue
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			tab := m.newTab(c)
			if sc, ok := c.(NewShareTab); ok {
				g.Go(func() error {
					m.startShare(gctx, tab, sc.Filenames)
					return nil
				})
			} else if m.OnTab != nil {
				m.OnTab(*tab)
			}
		}
	}

	<-ctx.Done()
	err := g.Wait()
	for _, t := range m.Tabs() {
		if t.Session != nil {
			t.Session.Stop()
		}
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (m *Manager) newTab(c Command) *Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	t := &Tab{ID: m.nextID}
	if sc, ok := c.(NewShareTab); ok {
		t.Filenames = sc.Filenames
	}
	m.tabs = append(m.tabs, t)
	m.log.Infof("new tab %d", t.ID)
	return t
}

func (m *Manager) startShare(ctx context.Context, tab *Tab, filenames []string) {
	st := m.settings
	st.Share.Filenames = filenames
	s, err := NewSession(ModeShare, &st, m.opts...)
	if err == nil {
		m.mu.Lock()
		tab.Session = s
		m.mu.Unlock()
		err = s.Start(ctx)
	}
	if err != nil {
		m.log.Errorf("tab %d: starting share: %s", tab.ID, err)
	}

	m.mu.Lock()
	tab.Err = err
	t := *tab
	m.mu.Unlock()
	if m.OnTab != nil {
		m.OnTab(t)
	}
}

// Tabs returns copies of the tabs.
func (m *Manager) Tabs() []Tab {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := make([]Tab, len(m.tabs))
	for i, t := range m.tabs {
		l[i] = *t
	}
	return l
}
