package torcontrol

import (
	"bufio"
	"context"
	"crypto/rand"
	"errors"
	"net"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mjl-/onionshare/internal/tortest"
	"github.com/mjl-/onionshare/onion"
)

func check(t *testing.T, got, expect error, action string) {
	t.Helper()

	if got == expect {
		return
	}
	if expect == nil || !errors.Is(got, expect) {
		t.Fatalf("%s: got %v, expected %v", action, got, expect)
	}
}

func dial(t *testing.T, srv *tortest.Server) *Conn {
	t.Helper()
	c, err := Dial(context.Background(), srv.Addr(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func fakeServer(t *testing.T, config tortest.Config) *tortest.Server {
	t.Helper()
	srv, err := tortest.NewServer(config)
	require.NoError(t, err)
	t.Cleanup(srv.Close)
	return srv
}

func TestReadReply(t *testing.T) {
	input := "250-PROTOCOLINFO 1\r\n250+config-text=\r\nORPort 9001\r\nSocksPort 9050\r\n.\r\n250 OK\r\n" +
		"650 HS_DESC UPLOADED abc UNKNOWN $dir\r\n" +
		"25\r\n" +
		"250-a\r\n251 b\r\n"
	r := textproto.NewReader(bufio.NewReader(strings.NewReader(input)))

	reply, err := readReply(r)
	require.NoError(t, err)
	require.Equal(t, 250, reply.Code)
	require.Len(t, reply.Lines, 3)
	require.Equal(t, "config-text=", reply.Lines[1].Text)
	require.Equal(t, "ORPort 9001\nSocksPort 9050", reply.Lines[1].Data)
	require.Equal(t, "OK", reply.Text())

	reply, err = readReply(r)
	require.NoError(t, err)
	ev := parseEvent(reply)
	d, ok := ParseHSDesc(ev)
	require.True(t, ok)
	require.Equal(t, HSDesc{Action: HSDescUploaded, ServiceID: "abc", AuthType: "UNKNOWN", HSDir: "$dir"}, d)

	_, err = readReply(r)
	check(t, err, ErrProtocol, "short line")

	_, err = readReply(r)
	check(t, err, ErrProtocol, "code change within reply")
}

func TestParseKeyValues(t *testing.T) {
	kv, err := parseKeyValues(`METHODS=COOKIE,SAFECOOKIE COOKIEFILE="/var/run/tor/control \"auth\" cookie" extra`)
	require.NoError(t, err)
	require.Equal(t, "COOKIE,SAFECOOKIE", kv["METHODS"])
	require.Equal(t, `/var/run/tor/control "auth" cookie`, kv["COOKIEFILE"])

	_, err = parseKeyValues(`COOKIEFILE="unterminated`)
	check(t, err, ErrProtocol, "unterminated quoted string")

	require.Equal(t, `"a\"b\\c"`, quote(`a"b\c`))
}

func TestAuthenticate(t *testing.T) {
	ctx := context.Background()
	cookie := make([]byte, 32)
	rand.Read(cookie)
	cookieFile := filepath.Join(t.TempDir(), "control_auth_cookie")
	require.NoError(t, os.WriteFile(cookieFile, cookie, 0600))

	// NULL, chosen automatically.
	c := dial(t, fakeServer(t, tortest.Config{}))
	check(t, c.Authenticate(ctx, AuthConfig{}), nil, "null auth")
	info, err := c.GetInfo(ctx, "version")
	require.NoError(t, err)
	require.Equal(t, "0.4.8.13", info["version"])

	// SAFECOOKIE preferred over COOKIE.
	srv := fakeServer(t, tortest.Config{AuthMethods: []string{"COOKIE", "SAFECOOKIE"}, Cookie: cookie, CookieFile: cookieFile})
	c = dial(t, srv)
	check(t, c.Authenticate(ctx, AuthConfig{}), nil, "safecookie auth")
	require.Contains(t, srv.Commands(), "AUTHCHALLENGE")

	// Plain cookie.
	c = dial(t, srv)
	check(t, c.Authenticate(ctx, AuthConfig{Method: AuthCookie}), nil, "cookie auth")

	// Wrong cookie.
	other := filepath.Join(t.TempDir(), "other_cookie")
	require.NoError(t, os.WriteFile(other, make([]byte, 32), 0600))
	c = dial(t, srv)
	check(t, c.Authenticate(ctx, AuthConfig{Method: AuthSafeCookie, CookieFile: other}), ErrAuthentication, "safecookie with wrong cookie")

	// Password.
	srv = fakeServer(t, tortest.Config{AuthMethods: []string{"HASHEDPASSWORD"}, Password: "hunter2"})
	c = dial(t, srv)
	check(t, c.Authenticate(ctx, AuthConfig{}), ErrAuthentication, "no password configured")
	c = dial(t, srv)
	check(t, c.Authenticate(ctx, AuthConfig{Password: "hunter2"}), nil, "password auth")

	c = dial(t, srv)
	err = c.Authenticate(ctx, AuthConfig{Method: AuthPassword, Password: "wrong"})
	check(t, err, ErrAuthentication, "wrong password")
	var re *ReplyError
	require.True(t, errors.As(err, &re))
	require.Equal(t, 515, re.Code)
	require.NotContains(t, err.Error(), "wrong")

	// Tor closes the connection after a failed authentication.
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection not closed after failed authentication")
	}
	check(t, c.Err(), ErrConnectionLost, "connection after failed auth")
}

func TestAddOnionPublish(t *testing.T) {
	ctx := context.Background()
	srv := fakeServer(t, tortest.Config{})
	c := dial(t, srv)
	require.NoError(t, c.Authenticate(ctx, AuthConfig{}))
	require.NoError(t, c.SetConf(ctx, map[string]string{"HiddenServiceSingleHopMode": "0"}))
	require.NoError(t, c.SetEvents(ctx, "HS_DESC"))

	seed, err := onion.NewSeed(rand.Reader)
	require.NoError(t, err)
	key := onion.KeyFromSeed(seed)
	ca, err := onion.NewClientAuth(rand.Reader)
	require.NoError(t, err)

	sub := c.Subscribe()
	defer sub.Close()
	o, err := c.AddOnion(ctx, AddOnionRequest{
		Key:          key.Blob(),
		Ports:        []PortMapping{{80, "127.0.0.1:17600"}},
		ClientAuthV3: []string{ca.PublicString()},
	})
	require.NoError(t, err)
	require.Equal(t, key.ServiceID(), o.ServiceID)
	require.Empty(t, o.PrivateKey)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	check(t, c.WaitPublished(wctx, sub, o.ServiceID), nil, "publication")

	_, err = c.AddOnion(ctx, AddOnionRequest{Key: key.Blob(), Ports: []PortMapping{{80, "127.0.0.1:17601"}}})
	var re *ReplyError
	require.True(t, errors.As(err, &re), "collision")
	require.Equal(t, 550, re.Code)

	require.NoError(t, c.DelOnion(ctx, o.ServiceID))
	require.Empty(t, srv.Onions())

	// Generated key.
	o, err = c.AddOnion(ctx, AddOnionRequest{Key: "NEW:ED25519-V3", Ports: []PortMapping{{80, "127.0.0.1:17600"}}})
	require.NoError(t, err)
	k, err := onion.ParseKey(o.PrivateKey)
	require.NoError(t, err)
	require.Equal(t, k.ServiceID(), o.ServiceID)

	_, err = c.AddOnion(ctx, AddOnionRequest{Key: key.Blob()})
	check(t, err, ErrProtocol, "no ports")
}

func TestPublicationFailed(t *testing.T) {
	ctx := context.Background()
	c := dial(t, fakeServer(t, tortest.Config{Publish: tortest.PublishFailed}))
	require.NoError(t, c.Authenticate(ctx, AuthConfig{}))
	require.NoError(t, c.SetEvents(ctx, "HS_DESC"))

	seed, _ := onion.NewSeed(rand.Reader)
	key := onion.KeyFromSeed(seed)
	sub := c.Subscribe()
	defer sub.Close()
	o, err := c.AddOnion(ctx, AddOnionRequest{Key: key.Blob(), Ports: []PortMapping{{80, "127.0.0.1:17600"}}})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	check(t, c.WaitPublished(wctx, sub, o.ServiceID), ErrPublicationFailed, "all uploads failed")
}

func TestPublicationTimeout(t *testing.T) {
	ctx := context.Background()
	c := dial(t, fakeServer(t, tortest.Config{Publish: tortest.PublishNever}))
	require.NoError(t, c.Authenticate(ctx, AuthConfig{}))
	require.NoError(t, c.SetEvents(ctx, "HS_DESC"))

	seed, _ := onion.NewSeed(rand.Reader)
	key := onion.KeyFromSeed(seed)
	sub := c.Subscribe()
	defer sub.Close()
	o, err := c.AddOnion(ctx, AddOnionRequest{Key: key.Blob(), Ports: []PortMapping{{80, "127.0.0.1:17600"}}})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	check(t, c.WaitPublished(wctx, sub, o.ServiceID), context.DeadlineExceeded, "no upload confirmation")
}

func TestConnectionLost(t *testing.T) {
	ctx := context.Background()
	srv := fakeServer(t, tortest.Config{})
	c := dial(t, srv)
	require.NoError(t, c.Authenticate(ctx, AuthConfig{}))
	sub := c.Subscribe()

	srv.DropConnections()

	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("connection loss not detected")
	}
	check(t, c.Err(), ErrConnectionLost, "after drop")

	_, ok := <-sub.C
	require.False(t, ok, "subscription ended")

	_, err := c.GetInfo(ctx, "version")
	check(t, err, ErrConnectionLost, "command after loss")

	// Close after loss keeps the original reason.
	c.Close()
	check(t, c.Err(), ErrConnectionLost, "close after loss")
}

func TestCommandCancel(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client, nil)

	go func() {
		// Read the command, never reply.
		r := bufio.NewReader(server)
		r.ReadString('\n')
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.GetInfo(ctx, "version")
	check(t, err, context.DeadlineExceeded, "command without reply")
	check(t, c.Err(), ErrClosed, "connection closed after abandoned command")
}
