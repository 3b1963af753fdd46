/*
Package torcontrol implements a client for Tor's control protocol, enough to
publish onion services: authentication, configuration, ADD_ONION, DEL_ONION and
HS_DESC events.

Commands and replies are CRLF-terminated lines. A reply has one or more lines
starting with a 3-digit status, followed by "-" (more lines follow), "+" (a
dot-terminated data block follows) or " " (last line). Status 650 marks an
asynchronous event, which can arrive between replies at any time. Each Conn
has one goroutine reading the connection, routing replies to the waiting
command and events to subscribers.

When Tor closes the connection, Done is closed and Err returns an error
wrapping ErrConnectionLost. Nothing reconnects: callers decide what to do.
*/
package torcontrol
