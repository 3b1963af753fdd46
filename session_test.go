package onionshare

import (
	"bytes"
	"context"
	cryptorand "crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mjl-/onionshare/internal/tortest"
	"github.com/mjl-/onionshare/onion"
)

func torServer(t *testing.T, config tortest.Config) *tortest.Server {
	t.Helper()
	srv, err := tortest.NewServer(config)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func baseSettings(srv *tortest.Server) *Settings {
	s := &Settings{}
	s.General.Public = Bool(false)
	if srv != nil {
		s.Tor.ControlAddress = srv.Addr()
	}
	s.Tor.PublishTimeout = 5 * time.Second
	return s
}

func newSession(t *testing.T, mode Mode, settings *Settings, opts ...Option) *Session {
	t.Helper()
	s, err := NewSession(mode, settings, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

var client = &http.Client{
	Transport: &http.Transport{DisableKeepAlives: true},
	Timeout:   5 * time.Second,
}

func local(s *Session, path string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), path)
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	buf, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(buf)
}

// portFree returns whether port can be bound again.
func portFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

func stopped(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session not stopped")
	}
}

func states(s *Session) []State {
	var l []State
	for e := range s.Events() {
		if e.Kind == EventStateChange {
			l = append(l, e.State)
		}
	}
	return l
}

func TestStartStop(t *testing.T) {
	srv := torServer(t, tortest.Config{})
	s := newSession(t, ModeChat, baseSettings(srv))

	err := s.Start(context.Background())
	check(t, err, nil, "start")
	require.Equal(t, StatePublished, s.State())
	require.True(t, onion.ValidAddress(s.Address()))
	require.Equal(t, []string{strings.TrimSuffix(s.Address(), onion.Suffix)}, srv.Onions())
	require.Equal(t, "http://"+s.Address()+"/"+s.Slug()+"/", s.URL())
	require.GreaterOrEqual(t, s.Port(), DefaultPortRangeStart)
	require.LessOrEqual(t, s.Port(), DefaultPortRangeEnd)

	code, body := httpGet(t, local(s, "/"+s.Slug()+"/"))
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "<html")

	check(t, s.Start(context.Background()), errSessionUsed, "second start")

	port := s.Port()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "stop is idempotent")
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Err())
	require.True(t, portFree(port), "port released")
	require.Empty(t, srv.Onions())
	require.Eventually(t, func() bool { return srv.OpenConnections() == 0 }, 5*time.Second, 10*time.Millisecond)

	cmds := srv.Commands()
	require.Equal(t, []string{"PROTOCOLINFO", "AUTHENTICATE", "SETEVENTS", "ADD_ONION", "DEL_ONION"}, cmds)

	require.Equal(t, []State{StateStarting, StatePublishing, StatePublished, StateStopping, StateStopped}, states(s))
}

func TestStopWhileStarting(t *testing.T) {
	srv := torServer(t, tortest.Config{Publish: tortest.PublishNever})
	s := newSession(t, ModeChat, baseSettings(srv))

	errc := make(chan error, 1)
	go func() {
		errc <- s.Start(context.Background())
	}()
	require.Eventually(t, func() bool { return s.State() == StatePublishing && len(srv.Onions()) == 1 }, 5*time.Second, 10*time.Millisecond)

	port := s.Port()
	require.NoError(t, s.Stop())
	check(t, <-errc, ErrStopped, "start after stop")
	require.Equal(t, StateStopped, s.State())
	require.True(t, portFree(port))
	require.Eventually(t, func() bool { return srv.OpenConnections() == 0 && len(srv.Onions()) == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStopBeforeStart(t *testing.T) {
	s := newSession(t, ModeChat, baseSettings(nil))
	require.NoError(t, s.Stop())
	check(t, s.Start(context.Background()), ErrStopped, "start after stop")
	require.Equal(t, []State{StateStopped}, states(s))
}

func TestStartFailures(t *testing.T) {
	failed := func(t *testing.T, s *Session, expect error) {
		t.Helper()
		err := s.Start(context.Background())
		check(t, err, expect, "start")
		require.Equal(t, StateFailed, s.State())
		check(t, s.Err(), expect, "session error")
		stopped(t, s)
		if port := s.Port(); port != 0 {
			require.True(t, portFree(port), "port released")
		}
	}

	t.Run("publication failed", func(t *testing.T) {
		srv := torServer(t, tortest.Config{Publish: tortest.PublishFailed})
		failed(t, newSession(t, ModeChat, baseSettings(srv)), ErrPublicationFailed)
		require.Empty(t, srv.Onions())
	})

	t.Run("publication timeout", func(t *testing.T) {
		srv := torServer(t, tortest.Config{Publish: tortest.PublishNever})
		st := baseSettings(srv)
		st.Tor.PublishTimeout = 100 * time.Millisecond
		failed(t, newSession(t, ModeChat, st), ErrPublicationTimeout)
	})

	t.Run("authentication", func(t *testing.T) {
		srv := torServer(t, tortest.Config{AuthMethods: []string{"HASHEDPASSWORD"}, Password: "secret"})
		st := baseSettings(srv)
		st.Tor.AuthType = "password"
		st.Tor.Password = "wrong"
		failed(t, newSession(t, ModeChat, st), ErrAuthentication)
		require.NotContains(t, srv.Commands(), "ADD_ONION")
	})

	t.Run("no tor", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		addr := l.Addr().String()
		l.Close()
		st := baseSettings(nil)
		st.Tor.ControlAddress = addr
		s := newSession(t, ModeChat, st)
		require.Error(t, s.Start(context.Background()))
		require.Equal(t, StateFailed, s.State())
	})

	t.Run("port unavailable", func(t *testing.T) {
		l, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer l.Close()
		port := l.Addr().(*net.TCPAddr).Port
		st := baseSettings(nil)
		st.Server.PortRangeStart, st.Server.PortRangeEnd = port, port
		failed(t, newSession(t, ModeChat, st), ErrPortUnavailable)
	})
}

func TestPasswordAuthentication(t *testing.T) {
	srv := torServer(t, tortest.Config{AuthMethods: []string{"HASHEDPASSWORD"}, Password: "secret"})
	st := baseSettings(srv)
	st.Tor.AuthType = "password"
	st.Tor.Password = "secret"
	s := newSession(t, ModeChat, st)
	check(t, s.Start(context.Background()), nil, "start")
}

func TestLockoutStopsSession(t *testing.T) {
	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.Server.LockoutThreshold = 3
	s := newSession(t, ModeChat, st)
	require.NoError(t, s.Start(context.Background()))
	port := s.Port()

	for i := 0; i < 3; i++ {
		code, _ := httpGet(t, local(s, "/wrong-slug/"))
		require.Equal(t, http.StatusNotFound, code)
	}
	stopped(t, s)
	require.Equal(t, StateStopped, s.State())
	check(t, s.Err(), ErrLockoutTriggered, "stop reason")
	require.True(t, portFree(port))

	// The correct slug gets nothing anymore.
	_, err := client.Get(local(s, "/"+s.Slug()+"/"))
	require.Error(t, err)

	var lockout bool
	for e := range s.Events() {
		if e.Kind == EventLockout {
			lockout = true
		}
	}
	require.True(t, lockout)
}

func TestShareCloseAfterFirstDownload(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, fmt.Sprintf("file%d.txt", i))
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{byte('a' + i)}, 1000), 0600))
		files = append(files, p)
	}

	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.Share.Filenames = files
	st.Share.CloseAfterFirstDownload = Bool(true)
	s := newSession(t, ModeShare, st)
	require.NoError(t, s.Start(context.Background()))
	port := s.Port()

	code, body := httpGet(t, local(s, "/"+s.Slug()+"/download"))
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(body, "PK\x03\x04"))

	stopped(t, s)
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Err())
	h := s.History()
	require.Len(t, h, 1)
	require.Equal(t, StatusComplete, h[0].Status)
	require.Equal(t, int64(len(body)), h[0].Transferred)

	_, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/%s/download", port, s.Slug()))
	require.Error(t, err, "second connection refused")
}

func TestReceivePublic(t *testing.T) {
	dataDir := t.TempDir()
	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.General.Public = Bool(true)
	st.Receive.DataDir = dataDir
	s := newSession(t, ModeReceive, st)
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, "", s.Slug())
	require.Equal(t, "http://"+s.Address()+"/", s.URL())

	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		w, err := mw.CreateFormFile("file[]", "report.txt")
		require.NoError(t, err)
		fmt.Fprintf(w, "report %d", i)
		require.NoError(t, mw.Close())
		resp, err := client.Post(local(s, "/upload"), mw.FormDataContentType(), &buf)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	for name, content := range map[string]string{"report.txt": "report 0", "report (1).txt": "report 1"} {
		buf, err := os.ReadFile(filepath.Join(dataDir, name))
		require.NoError(t, err)
		require.Equal(t, content, string(buf))
	}
	h := s.History()
	require.Len(t, h, 2)
	require.NotEqual(t, h[0].ID, h[1].ID)

	require.NoError(t, s.Stop())
	var history int
	for e := range s.Events() {
		if e.Kind == EventHistory && e.History.Status == StatusComplete {
			history++
		}
	}
	require.Equal(t, 2, history)
}

func TestConnectionLost(t *testing.T) {
	srv := torServer(t, tortest.Config{})
	s := newSession(t, ModeChat, baseSettings(srv))
	require.NoError(t, s.Start(context.Background()))

	events := s.Events()
	srv.DropConnections()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.Kind != EventConnectionLost {
				continue
			}
			check(t, e.Err, ErrControlConnectionLost, "event error")
		case <-timeout:
			t.Fatalf("no connection lost event")
		}
		break
	}
	// No reconnect, the session stays up until stopped.
	require.Equal(t, StatePublished, s.State())
	code, _ := httpGet(t, local(s, "/"+s.Slug()+"/"))
	require.Equal(t, http.StatusOK, code)

	require.NoError(t, s.Stop())
	require.Equal(t, StateStopped, s.State())
}

func TestStopWhenPublished(t *testing.T) {
	srv := torServer(t, tortest.Config{})
	s := newSession(t, ModeChat, baseSettings(srv))

	// Queued, applied once published.
	s.StopWhenPublished()
	require.Equal(t, StateStopped, s.State())
	require.NoError(t, s.Start(context.Background()))
	stopped(t, s)
	require.NoError(t, s.Err())
	require.Equal(t, []State{StateStarting, StatePublishing, StatePublished, StateStopping, StateStopped}, states(s))

	s = newSession(t, ModeChat, baseSettings(srv))
	require.NoError(t, s.Start(context.Background()))
	s.StopWhenPublished()
	require.Equal(t, StateStopped, s.State())
}

func TestPersistentService(t *testing.T) {
	ks, err := OpenKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	defer ks.Close()

	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.General.PersistentID = "work"
	st.General.SavePrivateKey = true
	st.General.ClientAuth = true

	s := newSession(t, ModeChat, st, WithKeyStore(ks))
	require.NoError(t, s.Start(context.Background()))
	address, token, auth := s.Address(), s.Slug(), s.ClientAuth()
	require.NotNil(t, auth)
	require.NoError(t, s.Stop())

	rec, err := ks.Get("work")
	require.NoError(t, err)
	require.Equal(t, token, rec.Slug)
	require.Equal(t, auth.PrivateString(), rec.ClientAuth)

	s = newSession(t, ModeChat, st, WithKeyStore(ks))
	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, address, s.Address())
	require.Equal(t, token, s.Slug())
	require.Equal(t, auth.Public, s.ClientAuth().Public)
	require.NoError(t, s.Stop())

	// A saved key is only used for the mode it was saved for.
	s = newSession(t, ModeWebsite, func() *Settings {
		st := *st
		st.Website.Filenames = []string{t.TempDir()}
		return &st
	}(), WithKeyStore(ks))
	check(t, s.Start(context.Background()), ErrInvalidSettings, "start with key of other mode")
}

func TestLegacyKey(t *testing.T) {
	priv, err := rsa.GenerateKey(cryptorand.Reader, 1024)
	require.NoError(t, err)
	blob := "RSA1024:" + base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(priv))

	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.General.Legacy = true
	st.Onion.PrivateKey = blob
	s := newSession(t, ModeChat, st)
	require.NoError(t, s.Start(context.Background()))
	require.Len(t, strings.TrimSuffix(s.Address(), onion.Suffix), 16)
	require.NoError(t, s.Stop())

	var legacy bool
	for e := range s.Events() {
		if e.Kind == EventLegacyKey {
			legacy = true
			check(t, e.Err, ErrLegacyKeyDetected, "legacy event")
		}
	}
	require.True(t, legacy)
}

func TestLegacyStoredKey(t *testing.T) {
	ks, err := OpenKeyStore(filepath.Join(t.TempDir(), "keys.db"))
	require.NoError(t, err)
	defer ks.Close()

	seed, err := onion.NewSeed(cryptorand.Reader)
	require.NoError(t, err)
	require.NoError(t, ks.Put("old", KeyRecord{Mode: ModeChat, PrivateKey: onion.KeyFromSeed(seed).Blob()}))

	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.General.Legacy = true
	st.General.PersistentID = "old"
	s := newSession(t, ModeChat, st, WithKeyStore(ks))
	check(t, s.Start(context.Background()), ErrInvalidSettings, "legacy with saved v3 key")
	require.Equal(t, StateFailed, s.State())
	require.Empty(t, srv.Onions())

	// A saved legacy key is refused for a v3 service.
	priv, err := rsa.GenerateKey(cryptorand.Reader, 1024)
	require.NoError(t, err)
	blob := "RSA1024:" + base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(priv))
	require.NoError(t, ks.Put("old", KeyRecord{Mode: ModeChat, PrivateKey: blob}))
	st.General.Legacy = false
	s = newSession(t, ModeChat, st, WithKeyStore(ks))
	check(t, s.Start(context.Background()), ErrInvalidSettings, "v3 with saved legacy key")
}

func TestSessionArchiveFailure(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i := 0; i < 2; i++ {
		p := filepath.Join(dir, fmt.Sprintf("file%d.txt", i))
		require.NoError(t, os.WriteFile(p, bytes.Repeat([]byte{byte('a' + i)}, 1000), 0600))
		files = append(files, p)
	}

	srv := torServer(t, tortest.Config{})
	st := baseSettings(srv)
	st.Share.Filenames = files
	st.Share.CloseAfterFirstDownload = Bool(false)
	s := newSession(t, ModeShare, st)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, os.Rename(files[0], files[0]+".moved"))
	code, _ := httpGet(t, local(s, "/"+s.Slug()+"/download"))
	require.Equal(t, http.StatusInternalServerError, code)
	require.Equal(t, StatePublished, s.State())
	require.NoError(t, s.Err())

	require.NoError(t, os.Rename(files[0]+".moved", files[0]))
	code, body := httpGet(t, local(s, "/"+s.Slug()+"/download"))
	require.Equal(t, http.StatusOK, code)
	require.True(t, strings.HasPrefix(body, "PK\x03\x04"))

	h := s.History()
	require.Len(t, h, 2)
	require.Equal(t, StatusFailed, h[0].Status)
	check(t, h[0].Err, ErrArchiveIO, "failed download")
	require.Equal(t, StatusComplete, h[1].Status)
	require.NoError(t, s.Stop())

	// Archive progress is reported per download.
	var ids []int64
	for e := range s.Events() {
		if e.Kind == EventArchiveProgress && e.Bytes == 2000 {
			ids = append(ids, e.ID)
		}
	}
	require.Equal(t, []int64{h[1].ID}, ids)
}

func TestLocalOnly(t *testing.T) {
	st := baseSettings(nil)
	st.Server.LocalOnly = true
	s, err := Start(context.Background(), ModeChat, st)
	require.NoError(t, err)
	defer StopSession(s)
	require.Equal(t, fmt.Sprintf("127.0.0.1:%d", s.Port()), s.Address())
	code, _ := httpGet(t, "http://"+s.Address()+"/"+s.Slug()+"/")
	require.Equal(t, http.StatusOK, code)
}

func TestConcurrentSessions(t *testing.T) {
	srv := torServer(t, tortest.Config{})
	a := newSession(t, ModeChat, baseSettings(srv))
	b := newSession(t, ModeChat, baseSettings(srv))
	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	require.NotEqual(t, a.Port(), b.Port())
	require.NotEqual(t, a.Address(), b.Address())
	require.NotEqual(t, a.ID(), b.ID())
	require.NoError(t, a.Stop())
	require.Equal(t, StatePublished, b.State())
	require.Len(t, srv.Onions(), 1)
}
