/*
Package onionshare runs sessions that publish a local web server as a Tor onion
service: sharing files, receiving uploads, hosting a static website or running a
chat room.

A Session binds a local port, generates or loads an onion service key, connects
to Tor's control port, adds the service and waits for Tor to confirm its
descriptor was published. Stop removes the service and shuts the web server
down. Session state changes, download and upload history, and failures are
reported on the Events channel.

	st := &onionshare.Settings{}
	st.General.Public = onionshare.Bool(false)
	st.Share.Filenames = []string{"notes.txt"}
	st.Share.CloseAfterFirstDownload = onionshare.Bool(true)
	s, err := onionshare.Start(ctx, onionshare.ModeShare, st)
	if err != nil {
		return err
	}
	fmt.Println(s.URL())
	<-s.Done()

Unless the session is public, every URL contains a secret slug. Repeated
requests with a wrong slug trigger a lockout that stops the session.

Keys of persistent services, with their slug and client authorization key, are
kept in a key store in the nearest ".onionshare" directory, or the onionshare
directory in the user config directory.

Errors returned by onionshare are typically wrapped with additional information.
Use errors.Is() or Unwrap to check for errors.

Security

Version 3 onion service keys are ed25519 keys. Legacy RSA1024 keys are only
accepted when loaded from settings or the key store, and are reported with
ErrLegacyKeyDetected. Client authorization uses an x25519 keypair, Tor only
serves the descriptor to clients with the private key.
*/
package onionshare
