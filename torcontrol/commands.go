package torcontrol

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/mjl-/onionshare/internal/xerr"
)

// ProtocolInfo is the result of PROTOCOLINFO.
type ProtocolInfo struct {
	AuthMethods []string
	CookieFile  string
	TorVersion  string
}

// HasMethod returns whether Tor accepts authentication method m, like "SAFECOOKIE".
func (pi *ProtocolInfo) HasMethod(m string) bool {
	for _, am := range pi.AuthMethods {
		if am == m {
			return true
		}
	}
	return false
}

// ProtocolInfo sends PROTOCOLINFO. It is allowed before authentication.
func (c *Conn) ProtocolInfo(ctx context.Context) (*ProtocolInfo, error) {
	reply, err := c.Command(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return nil, err
	}
	pi := &ProtocolInfo{}
	for _, l := range reply.Lines {
		switch {
		case strings.HasPrefix(l.Text, "AUTH "):
			kv, err := parseKeyValues(strings.TrimPrefix(l.Text, "AUTH "))
			if err != nil {
				return nil, err
			}
			if m := kv["METHODS"]; m != "" {
				pi.AuthMethods = strings.Split(m, ",")
			}
			pi.CookieFile = kv["COOKIEFILE"]
		case strings.HasPrefix(l.Text, "VERSION "):
			kv, err := parseKeyValues(strings.TrimPrefix(l.Text, "VERSION "))
			if err != nil {
				return nil, err
			}
			pi.TorVersion = kv["Tor"]
		}
	}
	return pi, nil
}

// AuthMethod selects how to authenticate to the control port.
type AuthMethod string

const (
	// AuthAuto picks the best method Tor offers: none, safecookie, cookie,
	// then password if one is configured.
	AuthAuto       AuthMethod = "auto"
	AuthNone       AuthMethod = "none"
	AuthCookie     AuthMethod = "cookie"
	AuthSafeCookie AuthMethod = "safecookie"
	AuthPassword   AuthMethod = "password"
)

// AuthConfig configures Authenticate.
type AuthConfig struct {
	Method   AuthMethod
	Password string

	// CookieFile overrides the cookie file announced in PROTOCOLINFO.
	CookieFile string

	// Rand is used for the safecookie client nonce. If nil, crypto/rand is used.
	Rand io.Reader
}

const (
	safeCookieServerKey = "Tor safe cookie authentication server-to-controller hash"
	safeCookieClientKey = "Tor safe cookie authentication controller-to-server hash"
)

// Authenticate authenticates the connection. Failures wrap ErrAuthentication.
func (c *Conn) Authenticate(ctx context.Context, config AuthConfig) error {
	// NOTE: passwords and cookies are never included in errors or logs.

	pi, err := c.ProtocolInfo(ctx)
	if err != nil {
		return xerrors.Errorf("protocolinfo: %w", err)
	}
	c.log.Debugf("tor %s, auth methods %v", pi.TorVersion, pi.AuthMethods)

	method := config.Method
	if method == "" || method == AuthAuto {
		switch {
		case pi.HasMethod("NULL"):
			method = AuthNone
		case pi.HasMethod("SAFECOOKIE"):
			method = AuthSafeCookie
		case pi.HasMethod("COOKIE"):
			method = AuthCookie
		case pi.HasMethod("HASHEDPASSWORD") && config.Password != "":
			method = AuthPassword
		default:
			return xerr.Prefix(ErrAuthentication, "no usable method among %v", pi.AuthMethods)
		}
	}

	cookieFile := config.CookieFile
	if cookieFile == "" {
		cookieFile = pi.CookieFile
	}

	var cmd string
	switch method {
	case AuthNone:
		cmd = "AUTHENTICATE"
	case AuthPassword:
		cmd = "AUTHENTICATE " + quote(config.Password)
	case AuthCookie:
		cookie, err := readCookie(cookieFile)
		if err != nil {
			return err
		}
		cmd = "AUTHENTICATE " + hex.EncodeToString(cookie)
	case AuthSafeCookie:
		hash, err := c.safeCookie(ctx, cookieFile, config.Rand)
		if err != nil {
			return err
		}
		cmd = "AUTHENTICATE " + hex.EncodeToString(hash)
	default:
		return xerr.Prefix(ErrAuthentication, "unknown method %q", method)
	}

	if _, err := c.Command(ctx, cmd); err != nil {
		if re, ok := err.(*ReplyError); ok {
			return xerr.Wrap(ErrAuthentication, re)
		}
		return xerrors.Errorf("authenticate: %w", err)
	}
	c.log.Debugf("authenticated with method %s", method)
	return nil
}

func readCookie(path string) ([]byte, error) {
	if path == "" {
		return nil, xerr.Prefix(ErrAuthentication, "no cookie file known")
	}
	cookie, err := os.ReadFile(path)
	if err != nil {
		return nil, xerr.Prefix(ErrAuthentication, "reading cookie file: %s", err)
	}
	if len(cookie) != 32 {
		return nil, xerr.Prefix(ErrAuthentication, "cookie file has %d bytes, expected 32", len(cookie))
	}
	return cookie, nil
}

func (c *Conn) safeCookie(ctx context.Context, cookieFile string, r io.Reader) ([]byte, error) {
	cookie, err := readCookie(cookieFile)
	if err != nil {
		return nil, err
	}
	if r == nil {
		r = rand.Reader
	}
	clientNonce := make([]byte, 32)
	if _, err := io.ReadFull(r, clientNonce); err != nil {
		return nil, err
	}

	reply, err := c.Command(ctx, "AUTHCHALLENGE SAFECOOKIE "+hex.EncodeToString(clientNonce))
	if err != nil {
		if re, ok := err.(*ReplyError); ok {
			return nil, xerr.Wrap(ErrAuthentication, re)
		}
		return nil, xerrors.Errorf("authchallenge: %w", err)
	}
	kv, err := parseKeyValues(strings.TrimPrefix(reply.Text(), "AUTHCHALLENGE "))
	if err != nil {
		return nil, err
	}
	serverHash, err1 := hex.DecodeString(kv["SERVERHASH"])
	serverNonce, err2 := hex.DecodeString(kv["SERVERNONCE"])
	if err1 != nil || err2 != nil || len(serverHash) != sha256.Size || len(serverNonce) == 0 {
		return nil, xerr.Prefix(ErrProtocol, "bad authchallenge reply")
	}

	msg := make([]byte, 0, len(cookie)+len(clientNonce)+len(serverNonce))
	msg = append(msg, cookie...)
	msg = append(msg, clientNonce...)
	msg = append(msg, serverNonce...)

	if !hmac.Equal(serverHash, safeCookieHash(safeCookieServerKey, msg)) {
		return nil, xerr.Prefix(ErrAuthentication, "tor does not know the cookie, server hash mismatch")
	}
	return safeCookieHash(safeCookieClientKey, msg), nil
}

func safeCookieHash(key string, msg []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

// GetInfo returns the values for keys.
func (c *Conn) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	reply, err := c.Command(ctx, "GETINFO "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	r := map[string]string{}
	for _, l := range reply.Lines {
		t := strings.SplitN(l.Text, "=", 2)
		if len(t) != 2 {
			continue
		}
		if l.Data != "" {
			r[t[0]] = l.Data
		} else {
			r[t[0]] = t[1]
		}
	}
	return r, nil
}

// SetConf sets configuration options, in sorted order of the keys.
func (c *Conn) SetConf(ctx context.Context, options map[string]string) error {
	if len(options) == 0 {
		return nil
	}
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	cmd := "SETCONF"
	for _, k := range keys {
		cmd += " " + k + "=" + quote(options[k])
	}
	_, err := c.Command(ctx, cmd)
	return err
}

// SetEvents enables asynchronous events, like "HS_DESC". It replaces the
// previously enabled set.
func (c *Conn) SetEvents(ctx context.Context, names ...string) error {
	_, err := c.Command(ctx, strings.TrimSpace("SETEVENTS "+strings.Join(names, " ")))
	return err
}

// PortMapping maps a virtual port of the onion service to a local target.
type PortMapping struct {
	Virtual int
	Target  string
}

// AddOnionRequest holds the parameters for ADD_ONION.
type AddOnionRequest struct {
	// Key is "ED25519-V3:<base64>", "RSA1024:<base64>", or "NEW:ED25519-V3" to
	// let Tor generate a key.
	Key   string
	Ports []PortMapping

	// ClientAuthV3 holds base32 x25519 public keys of authorized clients.
	ClientAuthV3 []string

	// Flags like "Detach" or "DiscardPK".
	Flags []string
}

// Onion is the result of ADD_ONION.
type Onion struct {
	ServiceID string

	// PrivateKey is only set when Tor generated the key, and DiscardPK was not set.
	PrivateKey string
}

// AddOnion creates an onion service that lives as long as this connection,
// unless the Detach flag is set.
func (c *Conn) AddOnion(ctx context.Context, req AddOnionRequest) (*Onion, error) {
	if req.Key == "" || len(req.Ports) == 0 {
		return nil, xerr.Prefix(ErrProtocol, "add_onion needs a key and at least one port")
	}
	flags := req.Flags
	if len(req.ClientAuthV3) > 0 {
		flags = append(append([]string{}, flags...), "V3Auth")
	}

	cmd := "ADD_ONION " + req.Key
	if len(flags) > 0 {
		cmd += " Flags=" + strings.Join(flags, ",")
	}
	for _, p := range req.Ports {
		cmd += " Port=" + strconv.Itoa(p.Virtual)
		if p.Target != "" {
			cmd += "," + p.Target
		}
	}
	for _, k := range req.ClientAuthV3 {
		cmd += " ClientAuthV3=" + k
	}

	reply, err := c.Command(ctx, cmd)
	if err != nil {
		return nil, err
	}
	onion := &Onion{}
	for _, l := range reply.Lines {
		switch {
		case strings.HasPrefix(l.Text, "ServiceID="):
			onion.ServiceID = strings.TrimPrefix(l.Text, "ServiceID=")
		case strings.HasPrefix(l.Text, "PrivateKey="):
			onion.PrivateKey = strings.TrimPrefix(l.Text, "PrivateKey=")
		}
	}
	if onion.ServiceID == "" {
		return nil, xerr.Prefix(ErrProtocol, "add_onion reply without ServiceID")
	}
	c.log.Infof("added onion service %s", onion.ServiceID)
	return onion, nil
}

// DelOnion removes the onion service with serviceID.
func (c *Conn) DelOnion(ctx context.Context, serviceID string) error {
	_, err := c.Command(ctx, "DEL_ONION "+serviceID)
	if err == nil {
		c.log.Infof("removed onion service %s", serviceID)
	}
	return err
}

// quote returns s as a control protocol QuotedString.
func quote(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\r", `\r`, "\n", `\n`)
	return `"` + r.Replace(s) + `"`
}

// parseKeyValues parses space-separated KEY=VALUE pairs where values may be
// quoted strings. Words without "=" are ignored.
func parseKeyValues(s string) (map[string]string, error) {
	r := map[string]string{}
	for s != "" {
		s = strings.TrimLeft(s, " ")
		if s == "" {
			break
		}
		eq := strings.IndexAny(s, "= ")
		if eq < 0 || s[eq] == ' ' {
			// Lone word.
			if eq < 0 {
				break
			}
			s = s[eq:]
			continue
		}
		key := s[:eq]
		s = s[eq+1:]
		if strings.HasPrefix(s, `"`) {
			end := 1
			for ; end < len(s); end++ {
				if s[end] == '\\' {
					end++
					continue
				}
				if s[end] == '"' {
					break
				}
			}
			if end >= len(s) {
				return nil, xerr.Prefix(ErrProtocol, "unterminated quoted string for %s", key)
			}
			v, err := strconv.Unquote(s[:end+1])
			if err != nil {
				return nil, xerr.Prefix(ErrProtocol, "bad quoted string for %s: %s", key, err)
			}
			r[key] = v
			s = s[end+1:]
		} else {
			sp := strings.IndexByte(s, ' ')
			if sp < 0 {
				sp = len(s)
			}
			r[key] = s[:sp]
			s = s[sp:]
		}
	}
	return r, nil
}
