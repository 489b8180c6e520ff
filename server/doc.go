/*
Package server serves a broadcast.Registry to viewers over WebSockets, and provides a client for viewing.

Viewers connect to "/" or "/ws". There is one kind of message, a text message carrying one line of output. The protocol
proceeds as follows:

1. The viewer opens a WebSocket connection with the server.
2. The server sends its current history, oldest line first, one message per line.
3. The server sends every line broadcast after that, in order.
4. Either side closes the connection. Anything else the viewer sends is read and discarded. When the server shuts
down it closes every viewer with StatusGoingAway.

Replaying history and registering for new lines happen atomically with respect to broadcasts, so a viewer never misses
or repeats a line at the boundary. When the watched command restarts, the history is cleared and viewers receive the
terminal clear sequence broadcast.ControlLine.

If sending to a viewer fails, the viewer is dropped and its connection closed. There are no retries.

The server also serves "/healthz" as JSON, and "/metrics" in the Prometheus exposition format when configured.
*/
package server
