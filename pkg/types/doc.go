/*
Package types defines the core data structures used throughout netprobe.

This package contains all fundamental types that represent netprobe's domain
model, including probe results, ping samples, diagnostic tasks, broker
sessions and messages. These types are used by all other packages for state
management, wire serialization, and stream delivery.

# Core Types

Port scanning:
  - ProbeResult: Outcome of one host:port probe
  - Protocol: TCP, UDP, or SYN (connect approximation)
  - PortStatus: Open, closed, filtered, timeout, error

Ping:
  - PingSample: Outcome of one ICMP probe, with method and error kind
  - PingStatistics: Aggregates (loss, min/max/avg, stddev, jitter)
  - PingMethod: Which strategy produced the sample
  - QualityRating / PathStability: Derived assessments

Tasks:
  - ScanTask / PingTask: Registry-owned job records
  - TaskStatus: Pending, running, completed, failed, cancelled

Broker:
  - BrokerSession: Server-side record of a connected peer
  - BrokerMessage: JSON body of one length-prefixed frame
  - BufferedMessage: Client-side message held while disconnected
  - SessionStatus / ClientState: Connection state machines

# Invariants

Several cross-field invariants are maintained by producers and relied on
by consumers:

  - ProbeResult.ResponseTime is present iff Status == PortOpen; a banner
    implies the port was open.
  - PingSample.Success implies ResponseTime is set and ErrorKind ==
    PingErrNone.
  - A task whose status is terminal (Terminal() == true) never transitions
    again, and CompletedAt is set exactly then.
  - BrokerMessage with Type == MessagePrivate requires Target.

All types serialize to JSON with the field names used on the wire by the
broker and the stream bridge.
*/
package types
