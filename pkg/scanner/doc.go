/*
Package scanner implements asynchronous TCP and UDP port probing with
bounded concurrency.

The scanner probes individual host:port pairs, contiguous ranges, and
target x port batches. In-flight probes are bounded by a weighted
semaphore so large scans do not exhaust file descriptors.

# Probe Semantics

TCP: a completed connect means open; connection refused means closed; a
timeout is reported as timeout. UDP: a small payload is sent and any
response means open, while silence within the timeout is reported as
filtered (the classic UDP open-or-filtered ambiguity); an ICMP port
unreachable surfaces as closed. SYN: raw-socket SYN scans require
elevated privileges, so the scanner degrades to a short-timeout connect
probe.

Transient errors are retried with a 100ms backoff; connection refused is
never retried. Validation failures (empty host, port out of range,
unknown protocol) produce a result with status error rather than a Go
error, so a batch always yields one result per pair.

# Options

Service detection maps open ports to well-known service names (ssh, http,
postgresql, ...) from a built-in table. Banner grabbing reads up to 1 KiB
from open TCP ports with a 2s sub-timeout, decoded lossily as UTF-8.

A progress callback can be registered to observe (completed, total, host,
port) after each probe during range and batch scans.
*/
package scanner
