package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/katzenpost/qrterminal"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mjl-/onionshare"
)

type globalFlags struct {
	config         string
	public         bool
	title          string
	controlAddress string
	authType       string
	cookieFile     string
	password       string
	socksAddress   string
	logLevel       string
	localOnly      bool
	persistentID   string
	saveKey        bool
	clientAuth     bool
	legacy         bool
	autostartAt    string
	autostopAt     string
	qr             bool
	metrics        string
}

func (f *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.config, "config", "f", "", "settings file in TOML format")
	pf.BoolVar(&f.public, "public", false, "no slug in URLs, anyone with the address can connect")
	pf.StringVar(&f.title, "title", "", "title shown on pages")
	pf.StringVar(&f.controlAddress, "control", onionshare.DefaultControlAddress, "tor control port, host:port or unix:/path")
	pf.StringVar(&f.authType, "auth", "auto", "control port authentication: auto, none, cookie, safecookie or password")
	pf.StringVar(&f.cookieFile, "cookie-file", "", "control port cookie file, instead of the one announced by tor")
	pf.StringVar(&f.password, "password", "", "control port password")
	pf.StringVar(&f.socksAddress, "socks", "127.0.0.1:9050", "tor socks port, for webhooks and get")
	pf.StringVar(&f.logLevel, "log-level", "NOTICE", "log level: ERROR, WARNING, NOTICE, INFO or DEBUG")
	pf.BoolVar(&f.localOnly, "local-only", false, "do not use tor, serve on 127.0.0.1 only, for development")
	pf.StringVar(&f.persistentID, "persistent", "", "id of a persistent service in the key store, keeping address and slug")
	pf.BoolVar(&f.saveKey, "save-key", false, "save key, slug and client authorization key under the persistent id")
	pf.BoolVar(&f.clientAuth, "client-auth", false, "require client authorization")
	pf.BoolVar(&f.legacy, "legacy", false, "use a saved legacy rsa1024 key")
	pf.StringVar(&f.autostartAt, "autostart-at", "", "start at time, RFC3339")
	pf.StringVar(&f.autostopAt, "autostop-at", "", "stop at time, RFC3339")
	pf.BoolVar(&f.qr, "qr", false, "print the URL as QR code")
	pf.StringVar(&f.metrics, "metrics", "", "serve prometheus metrics on this address, e.g. localhost:9100")
}

// settings reads the settings file, if any, and applies the flags. Flags only
// override settings from the file when explicitly set.
func (f *globalFlags) settings(cmd *cobra.Command) *onionshare.Settings {
	st := &onionshare.Settings{}
	if f.config != "" {
		var err error
		st, err = onionshare.LoadFile(f.config)
		check(err, "loading settings")
	}

	changed := func(name string) bool {
		return cmd.Flags().Changed(name)
	}
	str := func(name string, v string, dst *string) {
		if changed(name) || *dst == "" {
			*dst = v
		}
	}
	boolean := func(name string, v bool, dst *bool) {
		if changed(name) {
			*dst = v
		}
	}

	if changed("public") || st.General.Public == nil {
		st.General.Public = onionshare.Bool(f.public)
	}
	str("title", f.title, &st.General.Title)
	str("control", f.controlAddress, &st.Tor.ControlAddress)
	str("auth", f.authType, &st.Tor.AuthType)
	str("cookie-file", f.cookieFile, &st.Tor.CookieFile)
	str("password", f.password, &st.Tor.Password)
	str("socks", f.socksAddress, &st.Tor.SocksAddress)
	str("log-level", f.logLevel, &st.Logging.Level)
	str("persistent", f.persistentID, &st.General.PersistentID)
	boolean("local-only", f.localOnly, &st.Server.LocalOnly)
	boolean("save-key", f.saveKey, &st.General.SavePrivateKey)
	boolean("client-auth", f.clientAuth, &st.General.ClientAuth)
	boolean("legacy", f.legacy, &st.General.Legacy)

	parseTime := func(name, v string, dst *time.Time) {
		if v == "" {
			return
		}
		t, err := time.Parse(time.RFC3339, v)
		check(err, "parsing --"+name)
		*dst = t
	}
	parseTime("autostart-at", f.autostartAt, &st.General.AutostartAt)
	parseTime("autostop-at", f.autostopAt, &st.General.AutostopAt)
	return st
}

// run starts a session for mode and serves until it stops or the process is
// interrupted.
func (f *globalFlags) run(mode onionshare.Mode, st *onionshare.Settings) {
	backend, err := st.InitLogBackend()
	check(err, "initializing logging")
	xlog := backend.GetLogger("main")

	s, err := onionshare.NewSession(mode, st, onionshare.WithLogBackend(backend))
	check(err, "settings")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		for e := range s.Events() {
			switch e.Kind {
			case onionshare.EventHistory:
				h := e.History
				if h.Status != onionshare.StatusInProgress {
					xlog.Noticef("%s %s: %s", h.Kind, h.Filename, h.Status)
				}
			case onionshare.EventLockout:
				xlog.Warning("too many requests with a wrong slug, stopping")
			case onionshare.EventConnectionLost:
				xlog.Errorf("%s, the service is gone, stop with ctrl-c", e.Err)
			}
		}
	}()

	started := make(chan error, 1)
	if !st.General.AutostartAt.IsZero() || !st.General.AutostopAt.IsZero() {
		sched := onionshare.NewScheduler(nil, s, st.General.AutostartAt, st.General.AutostopAt, backend.GetLogger("scheduler"))
		sched.Arm(ctx)
		defer sched.Cancel()
		go func() {
			select {
			case <-sched.Started():
				started <- sched.Err()
			case <-ctx.Done():
			}
		}()
	} else {
		go func() {
			started <- s.Start(ctx)
		}()
	}

	select {
	case err := <-started:
		check(err, "starting")
	case <-ctx.Done():
		s.Stop()
		return
	}

	url := s.URL()
	fmt.Printf("%s: %s\n", mode, url)
	if ca := s.ClientAuth(); ca != nil {
		fmt.Printf("client authorization key, for tor browser: %s\n", ca.PrivateString())
	}
	if f.qr {
		qrterminal.GenerateWithConfig(url, qrterminal.Config{
			Level:      qrterminal.L,
			Writer:     os.Stdout,
			HalfBlocks: true,
			QuietZone:  1,
		})
	}
	if f.metrics != "" {
		serveMetrics(f.metrics, s)
	}

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Stop()
	}
	if err := s.Err(); err != nil {
		log.Printf("stopped: %s", err)
	}
}

func serveMetrics(addr string, s *onionshare.Session) {
	l, err := net.Listen("tcp", addr)
	check(err, "listen for metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.Web().Registry(), promhttp.HandlerOpts{}))
	go func() {
		err := http.Serve(l, mux)
		log.Printf("serving metrics: %s", err)
	}()
}

func shareCommand(f *globalFlags) *cobra.Command {
	var closeAfter bool
	cmd := &cobra.Command{
		Use:   "share file ...",
		Short: "Share files for download",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := f.settings(cmd)
			st.Share.Filenames = args
			if cmd.Flags().Changed("close-after-first-download") || st.Share.CloseAfterFirstDownload == nil {
				st.Share.CloseAfterFirstDownload = onionshare.Bool(closeAfter)
			}
			f.run(onionshare.ModeShare, st)
		},
	}
	cmd.Flags().BoolVar(&closeAfter, "close-after-first-download", true, "stop after the first completed download")
	return cmd
}

func receiveCommand(f *globalFlags) *cobra.Command {
	var dataDir, webhook string
	var disableText, disableFiles bool
	cmd := &cobra.Command{
		Use:   "receive",
		Short: "Receive files and messages",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			st := f.settings(cmd)
			if dataDir != "" {
				st.Receive.DataDir = dataDir
			}
			if webhook != "" {
				st.Receive.WebhookURL = webhook
			}
			st.Receive.DisableText = st.Receive.DisableText || disableText
			st.Receive.DisableFiles = st.Receive.DisableFiles || disableFiles
			f.run(onionshare.ModeReceive, st)
		},
	}
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "directory to store received files in")
	cmd.Flags().StringVar(&webhook, "webhook-url", "", "url to post a notification to for each submission, requested through tor")
	cmd.Flags().BoolVar(&disableText, "disable-text", false, "do not accept text messages")
	cmd.Flags().BoolVar(&disableFiles, "disable-files", false, "do not accept files")
	return cmd
}

func websiteCommand(f *globalFlags) *cobra.Command {
	var disableCSP bool
	var csp string
	cmd := &cobra.Command{
		Use:   "website file ...",
		Short: "Host a static website",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			st := f.settings(cmd)
			st.Website.Filenames = args
			st.Website.DisableCSP = st.Website.DisableCSP || disableCSP
			if csp != "" {
				st.Website.CustomCSP = csp
			}
			f.run(onionshare.ModeWebsite, st)
		},
	}
	cmd.Flags().BoolVar(&disableCSP, "disable-csp", false, "do not send a Content-Security-Policy header")
	cmd.Flags().StringVar(&csp, "csp", "", "custom Content-Security-Policy header")
	return cmd
}

func chatCommand(f *globalFlags) *cobra.Command {
	var room string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run an anonymous chat room",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			st := f.settings(cmd)
			if room != "" {
				st.Chat.Room = room
			}
			f.run(onionshare.ModeChat, st)
		},
	}
	cmd.Flags().StringVar(&room, "room", "", "name of the chat room")
	return cmd
}
