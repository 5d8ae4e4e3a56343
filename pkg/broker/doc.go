/*
Package broker implements a length-framed TCP message broker: a server
that tracks client sessions and routes messages, and a client with
heartbeats, buffering and auto-reconnect.

# Wire Format

Every frame is a 4-byte big-endian length prefix followed by that many
bytes of UTF-8 JSON. A frame whose declared length exceeds the configured
buffer size is drained and rejected without disconnecting the peer;
malformed JSON is likewise dropped with an error count. A session
accumulates strikes for malformed frames and is closed after 32, so a
misbehaving peer cannot spin the error counter forever.

# Server

The accept loop assigns each peer a fresh client id, sends a system
welcome frame carrying that id, and serves frames until the peer goes
away. Broadcast and chat messages fan out to every session concurrently
with independent failures; private messages go to their target id, and a
missing target is a soft failure. A background sweep every 30 seconds
evicts sessions idle past the client timeout. Stop closes the listener,
disconnects all sessions concurrently, and waits for the loops to drain.

Per-connection write order is preserved by serializing writes through a
per-session mutex. The server retains a bounded message history and
exposes counter snapshots for the ops surface.

# Client

Connect dials with a timeout and starts three background loops: receive,
heartbeat, and reconnect. While disconnected, sends are buffered up to a
bounded capacity and drain on reconnect in (priority desc, insertion asc)
order; a message whose send fails is re-enqueued until its retry budget
is spent. Heartbeat failures and read errors both count as connection
loss, which flips the client to the error state and signals the reconnect
loop; Disconnect stops reconnection permanently.
*/
package broker
