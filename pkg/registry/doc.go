/*
Package registry owns all in-process diagnostic task state.

The registry keeps three keyed collections: scan tasks, ping tasks, and
their result buffers, plus a one-shot stop signal per task. Engines
append results through the registry; HTTP collaborators and the stream
bridge read snapshots. Everything is in-memory and ephemeral.

Task invariants are enforced at the update boundary rather than trusted
to callers: a task in a terminal state (completed, failed, cancelled)
never transitions again, progress is monotonically non-decreasing and
clamped to [0, 100], and CompletedAt is set exactly when a task turns
terminal.

A StopSignal is a single-writer cooperative cancellation flag observed
by producers either as a channel (Done) or by polling (IsSet). Cancel
fires the signal and marks the task cancelled; Shutdown fires every
signal so producers exit before the process does.

The registry is an explicit value passed into collaborators. It has no
package-level state.
*/
package registry
