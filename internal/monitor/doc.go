// Package monitor is the poll-diff-notify engine.
//
// A Scheduler visits every configured group in order, fetches its current
// member list from a Provider, reconciles it against the stored snapshot
// through the DiffEngine and hands each resulting Departure to a Dispatcher.
// State carries the first-population gate: while the store was empty at
// startup and the first full pass has not finished, a group seen for the
// first time is only recorded, never diffed.
//
// Failures are isolated per group. A fetch error, an empty fetch, a storage
// error or a failed dispatch is logged and the pass moves on; nothing stops
// the loop except cancelling the context given to Run.
package monitor
