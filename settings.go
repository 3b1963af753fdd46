package onionshare

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mjl-/onionshare/internal/log"
	"github.com/mjl-/onionshare/internal/xerr"
	"github.com/mjl-/onionshare/onion"
	"github.com/mjl-/onionshare/slug"
	"github.com/mjl-/onionshare/torcontrol"
)

// DefaultPublishTimeout is how long Start waits for Tor to publish the
// descriptor.
const DefaultPublishTimeout = 60 * time.Second

// Settings configure a session. Fields that affect security have no defaults:
// Validate fails when they are missing.
type Settings struct {
	// Mode can be set in a settings file, the mode passed to NewSession wins.
	Mode string

	General General
	Onion   Onion
	Share   Share
	Receive Receive
	Website Website
	Chat    Chat
	Tor     Tor
	Logging Logging
	Server  Server
}

// General settings for all modes.
type General struct {
	// Public disables the slug. Must be set explicitly.
	Public *bool

	// Slug to use instead of a new random one, for persistent services.
	Slug string

	Title string

	// AutostartAt and AutostopAt schedule the session, see Scheduler.
	AutostartAt time.Time
	AutostopAt  time.Time

	// Legacy requests an RSA1024 service. Only existing keys can be used, they
	// are never generated.
	Legacy bool

	// ClientAuth restricts the service to clients with the client
	// authorization key.
	ClientAuth bool

	// SavePrivateKey stores the key, slug and client auth key under
	// PersistentID in the key store, to get the same address next time.
	SavePrivateKey bool
	PersistentID   string
}

// Onion holds keys for the service.
type Onion struct {
	// PrivateKey in ADD_ONION form, "ED25519-V3:..." or "RSA1024:...".
	PrivateKey string

	// ClientAuthPrivateKey is the base32 x25519 private key of the client
	// authorization key pair.
	ClientAuthPrivateKey string
}

// Share mode settings.
type Share struct {
	Filenames []string

	// CloseAfterFirstDownload stops the session after the first completed
	// download. Must be set explicitly for share mode.
	CloseAfterFirstDownload *bool
}

// Receive mode settings.
type Receive struct {
	DataDir      string
	WebhookURL   string
	DisableText  bool
	DisableFiles bool
}

// Website mode settings.
type Website struct {
	Filenames  []string
	DisableCSP bool
	CustomCSP  string
}

// Chat mode settings.
type Chat struct {
	Room string
}

// Tor control port settings.
type Tor struct {
	// ControlAddress is "host:port" or "unix:/path". Default 127.0.0.1:9051.
	ControlAddress string

	// AuthType is auto, none, cookie, safecookie or password. Default auto.
	AuthType   string
	CookieFile string
	Password   string

	// SocksAddress is used for webhook requests. Default 127.0.0.1:9050.
	SocksAddress string

	PublishTimeout time.Duration

	// SetConf options applied before adding the service.
	SetConf map[string]string
}

// Logging settings.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

// Server settings for the local web server.
type Server struct {
	PortRangeStart   int
	PortRangeEnd     int
	LockoutThreshold int

	// LocalOnly skips Tor and serves on 127.0.0.1 only, for development.
	LocalOnly bool

	// TempDir for archives of share downloads.
	TempDir string
}

// Load parses a settings file.
func Load(b []byte) (*Settings, error) {
	s := new(Settings)
	md, err := toml.Decode(string(b), s)
	if err != nil {
		return nil, xerr.Prefix(ErrInvalidSettings, "%s", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, xerr.Prefix(ErrInvalidSettings, "undecoded keys in settings file: %v", undecoded)
	}
	return s, nil
}

// LoadFile reads and parses a settings file.
func LoadFile(path string) (*Settings, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}

// Validate checks the settings for mode and fills in defaults for fields that
// do not affect security.
func (s *Settings) Validate(mode Mode) error {
	if s.General.Public == nil {
		return xerr.Prefix(ErrInvalidSettings, "general.public must be set explicitly")
	}
	if s.General.Legacy && s.Onion.PrivateKey == "" && s.General.PersistentID == "" {
		return xerr.Prefix(ErrInvalidSettings, "legacy services need an existing rsa1024 key, new ones cannot be created")
	}
	if s.Onion.PrivateKey != "" {
		key, err := onion.ParseKey(s.Onion.PrivateKey)
		if err != nil {
			return xerr.Prefix(ErrInvalidSettings, "onion.privatekey: %s", err)
		}
		if onion.IsLegacy(key) != s.General.Legacy {
			return xerr.Prefix(ErrInvalidSettings, "onion.privatekey type does not match general.legacy")
		}
	}
	if s.Onion.ClientAuthPrivateKey != "" {
		if _, err := onion.ParseClientAuth(s.Onion.ClientAuthPrivateKey); err != nil {
			return xerr.Prefix(ErrInvalidSettings, "onion.clientauthprivatekey: %s", err)
		}
	}
	if s.General.ClientAuth && s.General.Legacy {
		return xerr.Prefix(ErrInvalidSettings, "client authorization requires a v3 service")
	}
	if s.General.ClientAuth && *s.General.Public {
		return xerr.Prefix(ErrInvalidSettings, "client authorization cannot be combined with public mode")
	}
	if s.General.SavePrivateKey && s.General.PersistentID == "" {
		return xerr.Prefix(ErrInvalidSettings, "general.saveprivatekey requires general.persistentid")
	}
	if s.General.Slug != "" {
		if *s.General.Public {
			return xerr.Prefix(ErrInvalidSettings, "general.slug set in public mode")
		}
		if !slug.Valid(s.General.Slug) {
			return xerr.Prefix(ErrInvalidSettings, "general.slug is not a valid slug")
		}
	}
	if !s.General.AutostartAt.IsZero() && !s.General.AutostopAt.IsZero() && !s.General.AutostopAt.After(s.General.AutostartAt) {
		return xerr.Prefix(ErrInvalidSettings, "general.autostopat must be after general.autostartat")
	}

	switch mode {
	case ModeShare:
		if len(s.Share.Filenames) == 0 {
			return xerr.Prefix(ErrInvalidSettings, "share mode needs files")
		}
		if s.Share.CloseAfterFirstDownload == nil {
			return xerr.Prefix(ErrInvalidSettings, "share.closeafterfirstdownload must be set explicitly")
		}
		if err := checkFiles(s.Share.Filenames); err != nil {
			return err
		}
	case ModeReceive:
		if s.Receive.DataDir == "" {
			return xerr.Prefix(ErrInvalidSettings, "receive mode needs receive.datadir")
		}
		if s.Receive.DisableFiles && s.Receive.DisableText {
			return xerr.Prefix(ErrInvalidSettings, "receive mode with both files and text disabled")
		}
	case ModeWebsite:
		if len(s.Website.Filenames) == 0 {
			return xerr.Prefix(ErrInvalidSettings, "website mode needs files")
		}
		if err := checkFiles(s.Website.Filenames); err != nil {
			return err
		}
	case ModeChat:
	default:
		return xerr.Prefix(ErrInvalidSettings, "unknown mode %q", mode)
	}

	switch torcontrol.AuthMethod(s.Tor.AuthType) {
	case "":
		s.Tor.AuthType = string(torcontrol.AuthAuto)
	case torcontrol.AuthAuto, torcontrol.AuthNone, torcontrol.AuthCookie, torcontrol.AuthSafeCookie:
	case torcontrol.AuthPassword:
		if s.Tor.Password == "" {
			return xerr.Prefix(ErrInvalidSettings, "tor.authtype password without tor.password")
		}
	default:
		return xerr.Prefix(ErrInvalidSettings, "unknown tor.authtype %q", s.Tor.AuthType)
	}
	if s.Tor.ControlAddress == "" {
		s.Tor.ControlAddress = DefaultControlAddress
	}
	if s.Tor.SocksAddress == "" {
		s.Tor.SocksAddress = "127.0.0.1:9050"
	}
	if s.Tor.PublishTimeout == 0 {
		s.Tor.PublishTimeout = DefaultPublishTimeout
	}
	if s.Tor.PublishTimeout < 0 {
		return xerr.Prefix(ErrInvalidSettings, "negative tor.publishtimeout")
	}

	if s.Server.PortRangeStart == 0 && s.Server.PortRangeEnd == 0 {
		s.Server.PortRangeStart, s.Server.PortRangeEnd = DefaultPortRangeStart, DefaultPortRangeEnd
	}
	if s.Server.PortRangeStart <= 0 || s.Server.PortRangeEnd > 65535 || s.Server.PortRangeStart > s.Server.PortRangeEnd {
		return xerr.Prefix(ErrInvalidSettings, "bad port range %d-%d", s.Server.PortRangeStart, s.Server.PortRangeEnd)
	}
	if s.Server.LockoutThreshold == 0 {
		s.Server.LockoutThreshold = slug.DefaultThreshold
	}
	if s.Server.LockoutThreshold < 0 {
		return xerr.Prefix(ErrInvalidSettings, "negative server.lockoutthreshold")
	}

	if s.Logging.Level == "" {
		s.Logging.Level = "NOTICE"
	}
	if _, err := log.ParseLevel(s.Logging.Level); err != nil {
		return xerr.Prefix(ErrInvalidSettings, "%s", err)
	}
	return nil
}

func checkFiles(l []string) error {
	for _, p := range l {
		if _, err := os.Stat(p); err != nil {
			return xerr.Prefix(ErrInvalidSettings, "%s", err)
		}
	}
	return nil
}

// InitLogBackend returns the log backend for the logging settings.
func (s *Settings) InitLogBackend() (*log.Backend, error) {
	f := s.Logging.File
	if !s.Logging.Disable && f != "" && !filepath.IsAbs(f) {
		return nil, fmt.Errorf("log file path must be absolute path")
	}
	level := s.Logging.Level
	if level == "" {
		level = "NOTICE"
	}
	return log.New(f, level, s.Logging.Disable)
}

// Bool returns a pointer to v, for the explicit settings.
func Bool(v bool) *bool {
	return &v
}
