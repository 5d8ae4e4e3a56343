/*
Package bridge pumps engine output to live websocket subscribers.

Each subscription is a full-duplex channel: outbound frames carry typed
JSON events, inbound frames carry control (ping/pong, stop_ping). The
bridge sits between the engines and their consumers:

	subscriber ⇄ bridge → { ping engine, port scanner, registry }

# Ping subscriptions

/ws/ping/{target} greets the subscriber, registers a stop signal keyed
by the subscriber id in a shared map, and forwards one ping_result per
sample from a continuous ping. An inbound stop_ping sets the shared
signal; since interval waits are sliced into 100ms chunks the producer
exits well inside one interval. When the producer finishes the
subscription stays open until the subscriber leaves.

# Scan subscriptions

/ws/scan emits scan_started per target, then drives the scanner in
batches of min(max_threads, remaining ports). Open findings stream as
scan_port_found; each completed batch emits scan_progress with overall
percent and counters; closed and filtered results are never surfaced
individually. A millisecond yield separates batches. Subscriber
disconnects are detected at batch boundaries and abandon the task as
cancelled; completion emits scan_completed.

Registry tasks back both subscription kinds, so the polling surface sees
the same progress the stream does.
*/
package bridge
