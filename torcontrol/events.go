package torcontrol

import (
	"context"
	"strings"

	"github.com/mjl-/onionshare/internal/xerr"
)

// Event is an asynchronous event, from a 650 reply.
type Event struct {
	// Name is the event type, like "HS_DESC".
	Name string

	// Text is the first line after the event name.
	Text string

	Reply *Reply
}

func parseEvent(reply *Reply) *Event {
	first := reply.Lines[0].Text
	t := strings.SplitN(first, " ", 2)
	ev := &Event{Name: t[0], Reply: reply}
	if len(t) == 2 {
		ev.Text = t[1]
	}
	return ev
}

// HS_DESC actions.
const (
	HSDescUpload   = "UPLOAD"
	HSDescUploaded = "UPLOADED"
	HSDescFailed   = "FAILED"
)

// HSDesc is a parsed HS_DESC event:
//
//	650 HS_DESC Action HSAddress AuthType HsDir [DescriptorID] [REASON=...] ...
type HSDesc struct {
	Action    string
	ServiceID string
	AuthType  string
	HSDir     string
	Reason    string
}

// ParseHSDesc parses the text of an HS_DESC event. It returns false for
// other events or malformed text.
func ParseHSDesc(ev *Event) (HSDesc, bool) {
	if ev.Name != "HS_DESC" {
		return HSDesc{}, false
	}
	fields := strings.Fields(ev.Text)
	if len(fields) < 4 {
		return HSDesc{}, false
	}
	d := HSDesc{
		Action:    fields[0],
		ServiceID: strings.TrimSuffix(fields[1], ".onion"),
		AuthType:  fields[2],
		HSDir:     fields[3],
	}
	for _, f := range fields[4:] {
		if strings.HasPrefix(f, "REASON=") {
			d.Reason = strings.TrimPrefix(f, "REASON=")
		}
	}
	return d, true
}

// WaitPublished waits until Tor reports a successful descriptor upload for
// serviceID on sub. It returns an error wrapping ErrPublicationFailed if every
// upload Tor started failed, the connection's error if it ends, and ctx's error
// when ctx is done first. The subscription must have been created before the
// service was added, or early events may have been missed.
func (c *Conn) WaitPublished(ctx context.Context, sub *Subscription, serviceID string) error {
	uploads := map[string]bool{}
	failed := map[string]string{}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C:
			if !ok {
				if err := c.Err(); err != nil {
					return err
				}
				return ErrClosed
			}
			d, ok := ParseHSDesc(ev)
			if !ok || d.ServiceID != serviceID {
				continue
			}
			switch d.Action {
			case HSDescUpload:
				uploads[d.HSDir] = true
			case HSDescUploaded:
				c.log.Debugf("descriptor for %s uploaded to %s", serviceID, d.HSDir)
				return nil
			case HSDescFailed:
				failed[d.HSDir] = d.Reason
				if len(uploads) > 0 && len(failed) >= len(uploads) {
					return xerr.Prefix(ErrPublicationFailed, "%d uploads failed, last reason %q", len(failed), d.Reason)
				}
			}
		}
	}
}
