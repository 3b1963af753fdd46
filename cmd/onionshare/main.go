/*
Onionshare shares files, receives files, hosts a website or runs a chat room
through a Tor onion service.

	$ onionshare share photos/ notes.txt
	share: http://25njqamcweflpvkl73j4szahhihoc4xt3ktcgjnpaingr5yhkenl5sid.onion/harbor-quill

Tor must be running with its control port enabled, by default at
127.0.0.1:9051. Onionshare adds an onion service for the duration of the
session and removes it when stopped with ctrl-c.

Settings

Settings can be read from a TOML file with --config. The nearest ".onionshare"
directory, walking up from the current directory, or the onionshare directory in
the user config directory, holds the key store for persistent services. Flags
override settings from the file.

Share

Share serves files for download. With multiple files or a directory, a zip
archive is streamed while it is being built. By default the session stops after
the first completed download, use --close-after-first-download=false to keep
sharing.

Receive

Receive lets others upload files and messages into --data-dir.

Website

Website serves a static website from the given files or directory.

Chat

Chat runs an anonymous chat room.

Keys

Genkey prints a new private key in the form used by ADD_ONION, with its
address. Address prints the address for a key read from stdin.

	$ onionshare genkey
	ED25519-V3:...
	25njqamcweflpvkl73j4szahhihoc4xt3ktcgjnpaingr5yhkenl5sid.onion

Get

Get fetches a URL through Tor's SOCKS port, useful for checking a service.

Daemon

Daemon reads commands, one JSON object per line, from stdin and starts a share
session for each {"command": "new_share_tab", "filenames": [...]}.
*/
package main

import (
	"context"
	"log"
	"os"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
)

func check(err error, action string) {
	if err != nil {
		log.Fatalf("%s: %s\n", action, err)
	}
}

func main() {
	log.SetFlags(0)

	cmd := &cobra.Command{
		Use:   "onionshare",
		Short: "Share files, receive files, host a website or chat over Tor onion services",
		Long: `Onionshare starts a Tor onion service serving files for download, a form for
uploads, a static website or a chat room. The address is only known to the people
you give it to, and every URL contains a secret slug unless --public is used.`,
		SilenceUsage: true,
	}
	flags := &globalFlags{}
	flags.register(cmd)

	cmd.AddCommand(
		shareCommand(flags),
		receiveCommand(flags),
		websiteCommand(flags),
		chatCommand(flags),
		genkeyCommand(),
		addressCommand(),
		getCommand(),
		daemonCommand(flags),
	)

	if err := fang.Execute(context.Background(), cmd, fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}
