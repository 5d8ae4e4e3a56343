/*
Package ping measures host reachability with ICMP echo probes.

The engine walks an ordered list of probe strategies for every sample and
uses the first one that answers:

	┌──────────────────── STRATEGY CHAIN ────────────────────┐
	│                                                          │
	│  1. system command   OS ping binary; preferred because   │
	│                      the reply TTL is visible            │
	│  2. library fallback pro-bing in unprivileged UDP mode;  │
	│                      RTT only, works without root        │
	│  3. raw socket       hand-built echo request; needs      │
	│                      privileges, sees TTL                │
	│                                                          │
	└─────────────────────────────────────────────────────────┘

A strategy that cannot run in the current environment (missing binary,
no privileges) reports itself unavailable and is skipped for that probe;
only when every strategy fails does the sample carry method all_failed.

# Modes

Ping performs a single probe. PingCount performs a fixed number separated
by the configured interval, with sequence numbers 1..n. ContinuousPing
streams samples until a duration elapses, a stop signal fires, or name
resolution fails on the first probe; interval waits are sliced into 100ms
chunks so a stop signal is honored quickly.

Timeouts widen to 8s for hostnames containing well-known external names
(google, youtube, facebook, twitter), which tend to be rate-limited or
slow from some vantage points.

# System ping output

Localized ping builds write the local code page rather than UTF-8. Output
that is valid UTF-8 is used as is; anything else is decoded as GBK/CP936
before falling back to lossy UTF-8, and success detection relies on numeric-RTT and TTL patterns that survive
mojibake.

# Derived measures

CalculateStatistics aggregates a batch into loss, min/max/avg, standard
deviation, jitter and duration. AssessConnectionQuality maps a batch to a
0-100 score and an excellent/good/fair/poor/bad rating. AnalyzeNetworkPath
reports routing stability from the TTL spread.
*/
package ping
