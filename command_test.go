package onionshare

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mjl-/onionshare/internal/tortest"
)

func TestParseCommand(t *testing.T) {
	c, err := ParseCommand([]byte(`{"command": "new_tab"}`))
	require.NoError(t, err)
	require.Equal(t, NewTab{}, c)

	c, err = ParseCommand([]byte(`{"type": "new_share_tab", "filenames": ["/tmp/a", "/tmp/b"]}`))
	require.NoError(t, err)
	require.Equal(t, NewShareTab{Filenames: []string{"/tmp/a", "/tmp/b"}}, c)

	for _, line := range []string{
		``,
		`not json`,
		`{}`,
		`{"command": "delete_everything"}`,
		`{"command": "new_share_tab"}`,
		`{"command": "new_share_tab", "filenames": []}`,
	} {
		_, err := ParseCommand([]byte(line))
		check(t, err, ErrBadCommand, line)
	}
}

func TestManager(t *testing.T) {
	file := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(file, []byte("notes"), 0600))

	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.Share.CloseAfterFirstDownload = Bool(false)
	m := NewManager(st, nil)
	tabs := make(chan Tab, 3)
	m.OnTab = func(t Tab) {
		tabs <- t
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmds := make(chan Command)
	errc := make(chan error, 1)
	go func() {
		errc <- m.Run(ctx, cmds)
	}()

	next := func() Tab {
		t.Helper()
		select {
		case tab := <-tabs:
			return tab
		case <-time.After(5 * time.Second):
			t.Fatalf("no tab")
		}
		panic("unreachable")
	}

	cmds <- NewTab{}
	tab := next()
	require.Equal(t, 1, tab.ID)
	require.Nil(t, tab.Session)

	cmds <- NewShareTab{Filenames: []string{file}}
	tab = next()
	require.Equal(t, 2, tab.ID)
	require.NoError(t, tab.Err)
	require.Equal(t, StatePublished, tab.Session.State())

	cmds <- NewShareTab{Filenames: []string{filepath.Join(t.TempDir(), "missing")}}
	tab = next()
	check(t, tab.Err, ErrInvalidSettings, "share of missing file")

	close(cmds)
	require.Len(t, m.Tabs(), 3)
	cancel()
	check(t, <-errc, context.Canceled, "run")
	require.Equal(t, StateStopped, m.Tabs()[1].Session.State())
}
