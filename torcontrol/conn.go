package torcontrol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"
	"golang.org/x/xerrors"

	"github.com/mjl-/onionshare/internal/log"
	"github.com/mjl-/onionshare/internal/xerr"
)

var (
	// ErrConnectionLost is the terminal error after the control connection was
	// closed by Tor or failed. There is no automatic reconnect.
	ErrConnectionLost = errors.New("control connection lost")

	// ErrClosed is returned for commands on a connection closed with Close.
	ErrClosed = errors.New("control connection closed")

	// ErrAuthentication is returned when Tor rejects authentication, or no
	// configured method is acceptable.
	ErrAuthentication = errors.New("control port authentication failed")

	// ErrProtocol indicates a malformed or unexpected reply.
	ErrProtocol = errors.New("control protocol error")

	// ErrPublicationFailed is returned by WaitPublished when all descriptor
	// uploads for a service failed.
	ErrPublicationFailed = errors.New("onion service descriptor upload failed")
)

// ReplyError is returned for replies with a status other than 250.
type ReplyError struct {
	Code int
	Text string
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("tor: %d %s", e.Code, e.Text)
}

// ReplyLine is a single line of a reply. Data holds the lines following a
// "250+" line, without the terminating ".".
type ReplyLine struct {
	Code int
	Text string
	Data string
}

// Reply is a complete, possibly multi-line, reply or asynchronous event.
type Reply struct {
	Code  int
	Lines []ReplyLine
}

// Text returns the text of the final line.
func (r *Reply) Text() string {
	return r.Lines[len(r.Lines)-1].Text
}

// Conn is a connection to Tor's control port. A single goroutine reads from
// the connection. Commands are sent one at a time and wait for their reply.
// Asynchronous events (650) are passed to subscribers.
type Conn struct {
	conn net.Conn
	log  *logging.Logger

	cmdMu   sync.Mutex
	replies chan *Reply

	subMu   sync.Mutex
	subs    map[*Subscription]struct{}
	subsEnd bool

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to the control port at address: "host:port" for TCP, or
// "unix:/path" for a unix domain socket. Log may be nil.
func Dial(ctx context.Context, address string, l *logging.Logger) (*Conn, error) {
	network := "tcp"
	if strings.HasPrefix(address, "unix:") {
		network = "unix"
		address = strings.TrimPrefix(address, "unix:")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, xerrors.Errorf("dialing tor control port: %w", err)
	}
	return NewConn(conn, l), nil
}

// NewConn starts a control connection on conn. Log may be nil.
func NewConn(conn net.Conn, l *logging.Logger) *Conn {
	if l == nil {
		l = log.Discard().GetLogger("torcontrol")
	}
	c := &Conn{
		conn:    conn,
		log:     l,
		replies: make(chan *Reply),
		subs:    map[*Subscription]struct{}{},
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	r := textproto.NewReader(bufio.NewReader(c.conn))
	for {
		reply, err := readReply(r)
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			c.shutdown(xerr.Prefix(ErrConnectionLost, "%s", err))
			return
		}
		if reply.Code == 650 {
			c.dispatch(reply)
			continue
		}
		select {
		case c.replies <- reply:
		case <-c.done:
			return
		}
	}
}

func readReply(r *textproto.Reader) (*Reply, error) {
	reply := &Reply{}
	for {
		line, err := r.ReadLine()
		if err != nil {
			return nil, err
		}
		if len(line) < 4 {
			return nil, xerr.Prefix(ErrProtocol, "short reply line %q", line)
		}
		code, err := strconv.Atoi(line[:3])
		if err != nil {
			return nil, xerr.Prefix(ErrProtocol, "bad status code in %q", line)
		}
		if reply.Code != 0 && code != reply.Code {
			return nil, xerr.Prefix(ErrProtocol, "status code changed within reply, %d then %d", reply.Code, code)
		}
		reply.Code = code

		rl := ReplyLine{Code: code, Text: line[4:]}
		switch line[3] {
		case ' ':
			reply.Lines = append(reply.Lines, rl)
			return reply, nil
		case '-':
		case '+':
			data, err := r.ReadDotLines()
			if err != nil {
				return nil, err
			}
			rl.Data = strings.Join(data, "\n")
		default:
			return nil, xerr.Prefix(ErrProtocol, "bad separator in %q", line)
		}
		reply.Lines = append(reply.Lines, rl)
	}
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.err = err
		close(c.done)
		c.conn.Close()

		c.subMu.Lock()
		c.subsEnd = true
		for s := range c.subs {
			close(s.c)
		}
		c.subs = nil
		c.subMu.Unlock()

		if xerrors.Is(err, ErrConnectionLost) {
			c.log.Warningf("%s", err)
		}
	})
}

// Done is closed when the connection is gone, after Close or after connection
// loss. Err returns the reason.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns nil while the connection is up, ErrClosed after Close, and an
// error wrapping ErrConnectionLost if Tor closed the connection or it failed.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close closes the connection. Subscriptions are ended.
func (c *Conn) Close() error {
	c.shutdown(ErrClosed)
	return nil
}

// Command sends a single command line and returns the reply. A reply with a
// status other than 250 is returned along with a *ReplyError. If ctx is done
// before the reply arrives, the connection is closed: the next reply could not
// be matched to its command anymore.
func (c *Conn) Command(ctx context.Context, cmd string) (*Reply, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()

	if err := c.Err(); err != nil {
		return nil, err
	}

	verb := strings.SplitN(cmd, " ", 2)[0]
	c.log.Debugf("command %s", verb)

	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	if _, err := io.WriteString(c.conn, cmd+"\r\n"); err != nil {
		c.shutdown(xerr.Prefix(ErrConnectionLost, "writing command: %s", err))
		return nil, c.err
	}

	select {
	case reply := <-c.replies:
		if reply.Code != 250 {
			return reply, &ReplyError{reply.Code, reply.Text()}
		}
		return reply, nil
	case <-ctx.Done():
		c.shutdown(xerr.Prefix(ErrClosed, "abandoned %s: %s", verb, ctx.Err()))
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err
	}
}

// Subscription receives asynchronous events. C is closed when the connection
// ends or Close is called.
type Subscription struct {
	C <-chan *Event
	c chan *Event

	conn *Conn
}

// Subscribe registers for all asynchronous events. Only events enabled with
// SetEvents are sent by Tor. Events are dropped when the subscriber does not
// keep up.
func (c *Conn) Subscribe() *Subscription {
	ch := make(chan *Event, 256)
	s := &Subscription{C: ch, c: ch, conn: c}

	c.subMu.Lock()
	defer c.subMu.Unlock()
	if c.subsEnd {
		close(ch)
	} else {
		c.subs[s] = struct{}{}
	}
	return s
}

// Close ends the subscription.
func (s *Subscription) Close() {
	c := s.conn
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[s]; ok {
		delete(c.subs, s)
		close(s.c)
	}
}

func (c *Conn) dispatch(reply *Reply) {
	ev := parseEvent(reply)
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for s := range c.subs {
		select {
		case s.c <- ev:
		default:
			c.log.Warningf("dropping %s event for slow subscriber", ev.Name)
		}
	}
}
