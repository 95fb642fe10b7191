// Package autosave turns a stream of form edits into debounced, rate-limited,
// retried draft saves.
//
// # Overview
//
// A Scheduler instance owns one form session. The form-state owner calls
// Changed on every edit; the Scheduler debounces those edits, gates fresh
// attempts through a RateWindow, invokes the Saver with the latest snapshot,
// and drives a StatusMachine through Idle/Saving/Saved/Error so UIs can show
// a save indicator without flicker.
//
// # Timing rules
//
//   - Edits are trailing-debounced: only the last edit inside the debounce
//     window triggers a save.
//   - Fresh attempts are rate-gated: minimum spacing between attempts plus a
//     burst cap over a sliding window. A denied attempt is silently dropped;
//     the next debounce cycle re-checks.
//   - Failures retry with exponential backoff. Retries are continuations of
//     one logical attempt: they bypass the rate gate and the in-flight check,
//     and they always read the snapshot current at the moment they fire.
//   - On success the Saving state is held for a minimum dwell so fast saves
//     don't flash the indicator, then Saved decays to Idle unless a new save
//     cycle supersedes it.
//
// # Concurrency
//
// At most one save attempt is in flight per Scheduler, including the backoff
// gaps of a retry chain. The persistence call runs synchronously in the
// goroutine that fired the attempt (a timer goroutine or the SaveNow caller);
// everything else is mutex-guarded bookkeeping. All timers go through the
// clock.Clock interface so tests can drive a virtual clock.
//
// The engine never mutates or clones the snapshot it is handed; it reads the
// latest reference at the moment of use, so a retry never overwrites a newer
// edit with stale data.
package autosave
