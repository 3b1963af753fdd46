package onionshare

import (
	"errors"

	"github.com/mjl-/onionshare/internal/xerr"
	"github.com/mjl-/onionshare/onion"
	"github.com/mjl-/onionshare/torcontrol"
	"github.com/mjl-/onionshare/web"
	"github.com/mjl-/onionshare/zipstream"
)

const (
	// DefaultPortRangeStart and DefaultPortRangeEnd bound the local ports tried
	// for the web server, in ascending order.
	DefaultPortRangeStart = 17600
	DefaultPortRangeEnd   = 17650

	// DefaultControlAddress is the control port of a system Tor.
	DefaultControlAddress = "127.0.0.1:9051"

	// VirtualPort is the port of the onion service.
	VirtualPort = 80
)

var (
	// ErrPortUnavailable is returned when no local port in the configured range
	// could be bound.
	ErrPortUnavailable = errors.New("no local port available")

	// ErrAuthentication is returned when Tor refused the control port
	// credentials, or none of its methods could be used.
	ErrAuthentication = torcontrol.ErrAuthentication

	// ErrPublicationTimeout is returned when Tor did not confirm publication of the
	// onion service descriptor in time.
	ErrPublicationTimeout = errors.New("onion service publication timed out")

	// ErrPublicationFailed is returned when all descriptor uploads failed.
	ErrPublicationFailed = torcontrol.ErrPublicationFailed

	// ErrControlConnectionLost indicates the connection to the Tor control port
	// broke. There is no reconnect.
	ErrControlConnectionLost = torcontrol.ErrConnectionLost

	// ErrInvalidSettings is returned for settings that cannot be used for the
	// mode, including missing security-relevant fields.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrArchiveIO wraps I/O errors while building a zip archive for a download.
	// It fails that download, not the session.
	ErrArchiveIO = zipstream.ErrArchiveIO

	// ErrLockoutTriggered is the stop reason of a session that was stopped after
	// too many requests with a wrong slug.
	ErrLockoutTriggered = errors.New("lockout after too many invalid slugs")

	// ErrLegacyKeyDetected is informational: the session runs with an RSA1024
	// key, which Tor no longer supports for new services.
	ErrLegacyKeyDetected = errors.New("legacy rsa1024 key in use")

	// ErrStopped is returned by Start when the session was stopped before it was
	// published.
	ErrStopped = errors.New("session stopped")

	// ErrBadKey is returned for unusable private key blobs.
	ErrBadKey = onion.ErrBadKey

	// ErrServiceIDMismatch is returned when Tor's service id for a key differs
	// from the locally derived address.
	ErrServiceIDMismatch = errors.New("service id from tor does not match derived address")

	errSessionUsed = errors.New("session already started")
)

// Mode selects what a session serves.
type Mode = web.Mode

const (
	ModeShare   = web.ModeShare
	ModeReceive = web.ModeReceive
	ModeWebsite = web.ModeWebsite
	ModeChat    = web.ModeChat
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeShare, ModeReceive, ModeWebsite, ModeChat:
		return m, nil
	}
	return "", xerr.Prefix(ErrInvalidSettings, "unknown mode %q", s)
}

// State of a session.
type State int

const (
	StateStopped State = iota
	StateStarting
	StatePublishing
	StatePublished
	StateStopping
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StatePublishing:
		return "publishing"
	case StatePublished:
		return "published"
	case StateStopping:
		return "stopping"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// HistoryEntry is a download, upload or visit, see web.HistoryEntry.
type HistoryEntry = web.HistoryEntry

// Status of a history entry.
type Status = web.Status

const (
	StatusInProgress = web.StatusInProgress
	StatusComplete   = web.StatusComplete
	StatusCanceled   = web.StatusCanceled
	StatusFailed     = web.StatusFailed
)
