package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/mjl-/onionshare/slug"
)

const (
	chatCookie      = "onionshare_chat"
	maxChatMessage  = 4096
	maxUsername     = 128
	maxChatUsers    = 1000
	maxChatLog      = 10000
	chatPollTimeout = 30 * time.Second
)

// Chat message kinds.
const (
	ChatKindMessage = "message"
	ChatKindStatus  = "status"
)

// ChatMessage is a message in the room, or a status update like a user joining.
type ChatMessage struct {
	ID       int64     `json:"id"`
	Time     time.Time `json:"time"`
	Kind     string    `json:"kind"`
	Username string    `json:"username,omitempty"`
	Text     string    `json:"text"`
}

type chatUser struct {
	id      string
	name    string
	limiter *rate.Limiter
}

type chat struct {
	s        *Server
	upgrader websocket.Upgrader

	// All messages from all users, bounding the room as a whole.
	limiter *rate.Limiter

	mu       sync.Mutex
	messages []ChatMessage // At most maxChatLog, oldest dropped.
	dropped  int64         // Messages dropped from the start of the log.
	changed  chan struct{} // Closed and replaced on new messages.
	users    map[string]*chatUser
	order    []string // User ids, oldest first.
	conns    map[*websocket.Conn]struct{}
}

func newChat(s *Server) (*chat, error) {
	m := &chat{
		s:       s,
		changed: make(chan struct{}),
		users:   map[string]*chatUser{},
		conns:   map[*websocket.Conn]struct{}{},
		limiter: rate.NewLimiter(rate.Every(time.Second/20), 100),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     sameOrigin,
	}
	return m, nil
}

// sameOrigin allows websocket connections without Origin, and from pages
// served by us.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && strings.EqualFold(u.Host, r.Host)
}

func (m *chat) routes(r chi.Router) {
	r.Get("/", m.index)
	r.Get("/chat/messages", m.poll)
	r.Post("/chat/messages", m.send)
	r.Post("/chat/username", m.rename)
	r.Get("/chat/ws", m.websocket)
}

// join returns the user for the request, creating a new one with a random name
// and setting a cookie if needed. Only the chat page and the websocket create
// users. When the room is full, the oldest user is forgotten.
func (m *chat) join(w http.ResponseWriter, r *http.Request) (*chatUser, error) {
	if u := m.known(r); u != nil {
		return u, nil
	}

	name, err := slug.Generate(nil)
	if err != nil {
		return nil, err
	}
	u := &chatUser{
		id:      uuid.NewString(),
		name:    name,
		limiter: rate.NewLimiter(rate.Every(time.Second/2), 10),
	}
	m.mu.Lock()
	m.users[u.id] = u
	m.order = append(m.order, u.id)
	for len(m.order) > maxChatUsers {
		delete(m.users, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()

	http.SetCookie(w, &http.Cookie{
		Name:     chatCookie,
		Value:    u.id,
		Path:     m.s.prefix + "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
	})
	return u, nil
}

// known returns the user for the cookie of the request, or nil.
func (m *chat) known(r *http.Request) *chatUser {
	c, err := r.Cookie(chatCookie)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[c.Value]
}

// knownOrForbidden is known, responding with 403 for unknown users.
func (m *chat) knownOrForbidden(w http.ResponseWriter, r *http.Request) *chatUser {
	u := m.known(r)
	if u == nil {
		m.s.forbidden(w, r)
	}
	return u
}

func (m *chat) username(u *chatUser) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return u.name
}

// add appends a message to the room and wakes up waiting readers.
func (m *chat) add(kind, username, text string) ChatMessage {
	m.mu.Lock()
	msg := ChatMessage{
		ID:       m.dropped + int64(len(m.messages)) + 1,
		Time:     m.s.clock.Now(),
		Kind:     kind,
		Username: username,
		Text:     text,
	}
	m.messages = append(m.messages, msg)
	if n := len(m.messages) - maxChatLog; n > 0 {
		m.messages = append([]ChatMessage(nil), m.messages[n:]...)
		m.dropped += int64(n)
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	m.s.metrics.chatMessages.Inc()
	return msg
}

// since returns messages after id that are still in the log, and a channel
// closed on the next message.
func (m *chat) since(id int64) ([]ChatMessage, <-chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := id - m.dropped
	if i < 0 {
		i = 0
	}
	var l []ChatMessage
	if i < int64(len(m.messages)) {
		l = append(l, m.messages[i:]...)
	}
	return l, m.changed
}

func (m *chat) index(w http.ResponseWriter, r *http.Request) {
	u, err := m.join(w, r)
	if err != nil {
		m.s.log.Errorf("new chat user: %s", err)
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}
	msgs, _ := m.since(0)
	w.Header().Set("Content-Security-Policy", defaultCSP)
	m.s.page(w, http.StatusOK, "chat", struct {
		Room     string
		Username string
		Messages []ChatMessage
	}{m.s.config.Room, m.username(u), msgs})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func isJSON(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "application/json")
}

// field returns a value from a JSON object or a form.
func field(r *http.Request, name string) (string, bool) {
	if isJSON(r) {
		var m map[string]string
		if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 64*1024)).Decode(&m); err != nil {
			return "", false
		}
		v, ok := m[name]
		return v, ok
	}
	r.Body = http.MaxBytesReader(nil, r.Body, 64*1024)
	if err := r.ParseForm(); err != nil {
		return "", false
	}
	_, ok := r.PostForm[name]
	return r.PostForm.Get(name), ok
}

// poll returns messages after "after". With "wait" set, it waits for a new
// message if there are none.
func (m *chat) poll(w http.ResponseWriter, r *http.Request) {
	if m.knownOrForbidden(w, r) == nil {
		return
	}
	after, _ := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	msgs, changed := m.since(after)
	if len(msgs) == 0 && r.URL.Query().Get("wait") != "" {
		t := m.s.clock.Timer(chatPollTimeout)
		defer t.Stop()
		select {
		case <-changed:
			msgs, _ = m.since(after)
		case <-t.C:
		case <-r.Context().Done():
			return
		}
	}
	if msgs == nil {
		msgs = []ChatMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

// post adds a chat message from u, returning an http status code.
func (m *chat) post(u *chatUser, text string) (ChatMessage, int) {
	text = strings.TrimSpace(text)
	if text == "" || len(text) > maxChatMessage {
		return ChatMessage{}, http.StatusBadRequest
	}
	if !u.limiter.Allow() || !m.limiter.Allow() {
		return ChatMessage{}, http.StatusTooManyRequests
	}
	return m.add(ChatKindMessage, m.username(u), text), http.StatusOK
}

func (m *chat) send(w http.ResponseWriter, r *http.Request) {
	u := m.knownOrForbidden(w, r)
	if u == nil {
		return
	}
	text, _ := field(r, "message")
	msg, status := m.post(u, text)
	if status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if isJSON(r) {
		writeJSON(w, http.StatusOK, msg)
		return
	}
	http.Redirect(w, r, m.s.prefix+"/", http.StatusSeeOther)
}

// setName changes the name of u and announces it.
func (m *chat) setName(u *chatUser, name string) int {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxUsername {
		return http.StatusBadRequest
	}
	m.mu.Lock()
	old := u.name
	u.name = name
	m.mu.Unlock()
	if old != name {
		m.add(ChatKindStatus, "", old+" has updated their username to: "+name)
	}
	return http.StatusOK
}

func (m *chat) rename(w http.ResponseWriter, r *http.Request) {
	u := m.knownOrForbidden(w, r)
	if u == nil {
		return
	}
	name, _ := field(r, "username")
	if status := m.setName(u, name); status != http.StatusOK {
		http.Error(w, http.StatusText(status), status)
		return
	}
	if isJSON(r) {
		writeJSON(w, http.StatusOK, map[string]string{"username": m.username(u)})
		return
	}
	http.Redirect(w, r, m.s.prefix+"/", http.StatusSeeOther)
}

// wsRequest is a message from a websocket client.
type wsRequest struct {
	Type     string `json:"type"` // "message" or "username"
	Text     string `json:"text"`
	Username string `json:"username"`
}

// websocket streams all messages to the client, starting with the backlog,
// and takes messages and name changes from it.
func (m *chat) websocket(w http.ResponseWriter, r *http.Request) {
	u, err := m.join(w, r)
	if err != nil {
		http.Error(w, "500 internal server error", http.StatusInternalServerError)
		return
	}
	conn, err := m.upgrader.Upgrade(w, r, w.Header())
	if err != nil {
		m.s.log.Debugf("websocket upgrade: %s", err)
		return
	}
	m.mu.Lock()
	m.conns[conn] = struct{}{}
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	m.add(ChatKindStatus, "", m.username(u)+" has joined.")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		var last int64
		for {
			msgs, changed := m.since(last)
			for _, msg := range msgs {
				conn.SetWriteDeadline(time.Now().Add(time.Minute))
				if err := conn.WriteJSON(msg); err != nil {
					return
				}
				last = msg.ID
			}
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
		}
	}()

	conn.SetReadLimit(64 * 1024)
	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			break
		}
		switch req.Type {
		case "message":
			if _, status := m.post(u, req.Text); status != http.StatusOK {
				m.s.log.Debugf("chat message refused: %s", http.StatusText(status))
			}
		case "username":
			m.setName(u, req.Username)
		}
	}
	cancel()
	<-writerDone
	m.add(ChatKindStatus, "", m.username(u)+" has left the room.")
}

// close closes websocket connections.
func (m *chat) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conns {
		c.Close()
	}
}
