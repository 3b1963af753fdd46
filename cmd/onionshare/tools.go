package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mjl-/onionshare"
	"github.com/mjl-/onionshare/onion"
	"github.com/mjl-/onionshare/torhttp"
)

func genkeyCommand() *cobra.Command {
	var clientAuth bool
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Print a new onion service private key and its address",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			seed, err := onion.NewSeed(rand.Reader)
			check(err, "generating key")
			key := onion.KeyFromSeed(seed)
			fmt.Println(key.Blob())
			fmt.Println(key.Address())
			if clientAuth {
				ca, err := onion.NewClientAuth(rand.Reader)
				check(err, "generating client authorization key")
				fmt.Printf("client auth public key: %s\n", ca.PublicString())
				fmt.Printf("client auth line: %s\n", ca.ClientLine(key.ServiceID()))
			}
		},
	}
	cmd.Flags().BoolVar(&clientAuth, "client-auth", false, "also generate a client authorization keypair")
	return cmd
}

func addressCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "address < key",
		Short: "Print the address for a private key read from stdin",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			buf, err := io.ReadAll(os.Stdin)
			check(err, "reading key")
			key, err := onion.ParseKey(strings.TrimSpace(string(buf)))
			check(err, "parsing key")
			if onion.IsLegacy(key) {
				log.Printf("warning: %s", onionshare.ErrLegacyKeyDetected)
			}
			fmt.Println(key.Address())
		},
	}
}

func getCommand() *cobra.Command {
	var socks string
	cmd := &cobra.Command{
		Use:   "get url",
		Short: "Fetch a URL through tor and write the body to stdout",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			client := torhttp.NewClient(socks, 5*time.Minute)
			resp, err := client.Get(args[0])
			check(err, "http get")
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				log.Fatalf("http response status %v, expected 200", resp.StatusCode)
			}
			_, err = io.Copy(os.Stdout, resp.Body)
			check(err, "copy")
		},
	}
	cmd.Flags().StringVar(&socks, "socks", torhttp.DefaultSocksAddress, "tor socks port")
	return cmd
}

func daemonCommand(f *globalFlags) *cobra.Command {
	var closeAfter bool
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Start share sessions for commands read from stdin, as JSON lines",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			st := f.settings(cmd)
			if cmd.Flags().Changed("close-after-first-download") || st.Share.CloseAfterFirstDownload == nil {
				st.Share.CloseAfterFirstDownload = onionshare.Bool(closeAfter)
			}
			backend, err := st.InitLogBackend()
			check(err, "initializing logging")

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			m := onionshare.NewManager(st, backend)
			m.OnTab = func(t onionshare.Tab) {
				switch {
				case t.Err != nil:
					fmt.Printf("tab %d: %s\n", t.ID, t.Err)
				case t.Session != nil:
					fmt.Printf("tab %d: %s\n", t.ID, t.Session.URL())
				default:
					fmt.Printf("tab %d: new\n", t.ID)
				}
			}

			cmds := make(chan onionshare.Command)
			go func() {
				defer close(cmds)
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					line := scanner.Bytes()
					if len(strings.TrimSpace(string(line))) == 0 {
						continue
					}
					c, err := onionshare.ParseCommand(line)
					if err != nil {
						log.Printf("%s", err)
						continue
					}
					select {
					case cmds <- c:
					case <-ctx.Done():
						return
					}
				}
			}()

			err = m.Run(ctx, cmds)
			if err != nil && err != context.Canceled {
				check(err, "daemon")
			}
		},
	}
	cmd.Flags().BoolVar(&closeAfter, "close-after-first-download", true, "stop shares after their first completed download")
	return cmd
}
