// Package tortest provides a fake Tor control port for tests.
package tortest

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/textproto"
	"strings"
	"sync"

	"github.com/mjl-/onionshare/onion"
)

// Publish selects what the fake does after ADD_ONION.
type Publish int

const (
	// PublishUploaded reports two uploads, then a successful upload.
	PublishUploaded Publish = iota

	// PublishFailed reports two uploads that both fail.
	PublishFailed

	// PublishNever reports uploads that never finish.
	PublishNever
)

// Config configures the fake.
type Config struct {
	// AuthMethods as reported by PROTOCOLINFO. Default NULL.
	AuthMethods []string
	Password    string
	CookieFile  string
	Cookie      []byte

	Publish Publish
}

// Server is a fake Tor control port listening on a loopback address.
type Server struct {
	config   Config
	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	commands []string
	onions   map[string]bool
	wg       sync.WaitGroup
}

// NewServer starts a fake control port.
func NewServer(config Config) (*Server, error) {
	if len(config.AuthMethods) == 0 {
		config.AuthMethods = []string{"NULL"}
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	s := &Server{
		config:   config,
		listener: l,
		conns:    map[net.Conn]struct{}{},
		onions:   map[string]bool{},
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Addr returns the "host:port" to dial.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Close stops listening and closes all connections.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	s.wg.Wait()
}

// DropConnections closes all current connections, like a Tor restart.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
}

// OpenConnections returns the number of connections not yet closed.
func (s *Server) OpenConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Commands returns the verbs of all commands received, in order.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string{}, s.commands...)
}

// Onions returns the service ids of onion services currently added.
func (s *Server) Onions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var r []string
	for id := range s.onions {
		r = append(r, id)
	}
	return r
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(c)
	}
}

type session struct {
	s      *Server
	w      *bufio.Writer
	authed bool
	events map[string]bool
	nonce  []byte
	owned  []string
}

func (s *Server) serve(c net.Conn) {
	defer s.wg.Done()
	ss := &session{s: s, w: bufio.NewWriter(c), events: map[string]bool{}}
	defer func() {
		c.Close()
		s.mu.Lock()
		delete(s.conns, c)
		// Services without Detach go away with their control connection.
		for _, id := range ss.owned {
			delete(s.onions, id)
		}
		s.mu.Unlock()
	}()

	r := textproto.NewReader(bufio.NewReader(c))
	for {
		line, err := r.ReadLine()
		if err != nil {
			return
		}
		t := strings.SplitN(line, " ", 2)
		verb := strings.ToUpper(t[0])
		var args string
		if len(t) == 2 {
			args = t[1]
		}
		s.mu.Lock()
		s.commands = append(s.commands, verb)
		s.mu.Unlock()

		if !ss.handle(verb, args) {
			ss.w.Flush()
			return
		}
		if err := ss.w.Flush(); err != nil {
			return
		}
	}
}

func (ss *session) reply(lines ...string) {
	for i, l := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(ss.w, "250%s%s\r\n", sep, l)
	}
}

func (ss *session) fail(code int, msg string) {
	fmt.Fprintf(ss.w, "%d %s\r\n", code, msg)
}

func (ss *session) event(text string) {
	if ss.events["HS_DESC"] {
		fmt.Fprintf(ss.w, "650 %s\r\n", text)
	}
}

// handle returns false if the connection must be closed.
func (ss *session) handle(verb, args string) bool {
	cfg := ss.s.config
	switch verb {
	case "PROTOCOLINFO":
		auth := "AUTH METHODS=" + strings.Join(cfg.AuthMethods, ",")
		if cfg.CookieFile != "" {
			auth += fmt.Sprintf(" COOKIEFILE=%q", cfg.CookieFile)
		}
		ss.reply("PROTOCOLINFO 1", auth, `VERSION Tor="0.4.8.13"`, "OK")
		return true
	case "AUTHCHALLENGE":
		f := strings.Fields(args)
		if len(f) != 2 || f[0] != "SAFECOOKIE" {
			ss.fail(512, "Invalid argument")
			return true
		}
		clientNonce, err := hex.DecodeString(f[1])
		if err != nil {
			ss.fail(512, "Invalid nonce")
			return true
		}
		ss.nonce = make([]byte, 32)
		rand.Read(ss.nonce)
		msg := append(append(append([]byte{}, cfg.Cookie...), clientNonce...), ss.nonce...)
		ss.nonce = msg
		serverHash := mac("Tor safe cookie authentication server-to-controller hash", msg)
		ss.reply(fmt.Sprintf("AUTHCHALLENGE SERVERHASH=%X SERVERNONCE=%X", serverHash, msg[len(msg)-32:]))
		return true
	case "AUTHENTICATE":
		if ss.authenticate(args) {
			ss.authed = true
			ss.reply("OK")
			return true
		}
		ss.fail(515, "Authentication failed: Password did not match HashedControlPassword *or* authentication cookie.")
		return false
	}

	if !ss.authed {
		ss.fail(514, "Authentication required.")
		return false
	}

	switch verb {
	case "GETINFO":
		if args == "version" {
			ss.reply("version=0.4.8.13", "OK")
		} else {
			ss.fail(552, "Unrecognized key \""+args+"\"")
		}
	case "SETCONF":
		ss.reply("OK")
	case "SETEVENTS":
		ss.events = map[string]bool{}
		for _, e := range strings.Fields(args) {
			ss.events[strings.ToUpper(e)] = true
		}
		ss.reply("OK")
	case "ADD_ONION":
		ss.addOnion(args)
	case "DEL_ONION":
		ss.s.mu.Lock()
		ok := ss.s.onions[args]
		delete(ss.s.onions, args)
		ss.s.mu.Unlock()
		if !ok {
			ss.fail(552, "Unknown Onion Service id")
		} else {
			ss.reply("OK")
		}
	default:
		ss.fail(510, "Unrecognized command \""+verb+"\"")
	}
	return true
}

func (ss *session) authenticate(args string) bool {
	cfg := ss.s.config
	for _, m := range cfg.AuthMethods {
		switch m {
		case "NULL":
			return true
		case "HASHEDPASSWORD":
			if args == `"`+cfg.Password+`"` {
				return true
			}
		case "COOKIE":
			if args == hex.EncodeToString(cfg.Cookie) {
				return true
			}
		case "SAFECOOKIE":
			if ss.nonce != nil {
				exp := mac("Tor safe cookie authentication controller-to-server hash", ss.nonce)
				got, err := hex.DecodeString(args)
				if err == nil && hmac.Equal(got, exp) {
					return true
				}
			}
		}
	}
	return false
}

func mac(key string, msg []byte) []byte {
	h := hmac.New(sha256.New, []byte(key))
	h.Write(msg)
	return h.Sum(nil)
}

func (ss *session) addOnion(args string) {
	f := strings.Fields(args)
	if len(f) < 2 {
		ss.fail(512, "Invalid argument")
		return
	}
	var key onion.Key
	var newKey string
	if f[0] == "NEW:ED25519-V3" || f[0] == "NEW:BEST" {
		seed, err := onion.NewSeed(rand.Reader)
		if err != nil {
			ss.fail(551, "Internal error")
			return
		}
		k := onion.KeyFromSeed(seed)
		key, newKey = k, k.Blob()
	} else {
		var err error
		key, err = onion.ParseKey(f[0])
		if err != nil {
			ss.fail(513, "Invalid key blob")
			return
		}
	}
	detach := false
	hasPort := false
	for _, a := range f[1:] {
		if strings.HasPrefix(a, "Port=") {
			hasPort = true
		}
		if strings.HasPrefix(a, "Flags=") && strings.Contains(a, "Detach") {
			detach = true
		}
	}
	if !hasPort {
		ss.fail(512, "Missing 'Port' argument")
		return
	}

	id := key.ServiceID()
	ss.s.mu.Lock()
	if ss.s.onions[id] {
		ss.s.mu.Unlock()
		ss.fail(550, "Onion address collision")
		return
	}
	ss.s.onions[id] = true
	ss.s.mu.Unlock()
	if !detach {
		ss.owned = append(ss.owned, id)
	}

	lines := []string{"ServiceID=" + id}
	if newKey != "" {
		lines = append(lines, "PrivateKey="+newKey)
	}
	ss.reply(append(lines, "OK")...)

	const desc = "4Q3IYUOFCDGVW4SXFSEO5ZDNODHX3ENCXDPY23NUPCL3ROSFMZOQ"
	dirs := []string{"$A1B2C3D4E5F60718293A4B5C6D7E8F9012345678~relay1", "$0F1E2D3C4B5A69788796A5B4C3D2E1F098765432~relay2"}
	for _, d := range dirs {
		ss.event(fmt.Sprintf("HS_DESC UPLOAD %s UNKNOWN %s %s HSDIR_INDEX=00", id, d, desc))
	}
	switch ss.s.config.Publish {
	case PublishUploaded:
		ss.event(fmt.Sprintf("HS_DESC UPLOADED %s UNKNOWN %s", id, dirs[0]))
	case PublishFailed:
		for _, d := range dirs {
			ss.event(fmt.Sprintf("HS_DESC FAILED %s UNKNOWN %s %s REASON=UPLOAD_REJECTED", id, d, desc))
		}
	}
}
