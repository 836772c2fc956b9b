// Package engine implements the client sync state machine.
//
// ARCHITECTURE:
//
// Pure Reducer:
// Reduce(State, Action, Inputs) returns the next State and the commands the
// transition requires. It performs no I/O and reads no clocks, so every
// transition can be tested as a table of inputs and outputs.
//
// Single-Writer Executor:
// Engine owns the State and is the only caller of Reduce. Actions arrive
// on a FIFO queue from the change subscription, finished sends, timers and
// local edits. Engine.Run dequeues them one at a time and executes the
// resulting commands:
//  1. Flush runs synchronously and its FinishFlush is applied at once
//  2. Send and Reconnect run on their own goroutines and report back through
//     the queue
//  3. ScheduleRetry arms a timer that enqueues RetryElapsed
//
// States:
//
//	Loading  -> initial fetch in flight
//	Idle     -> nothing in flight; re-evaluated on entry
//	Sending  -> one append in flight
//	Flushing -> received changes being applied
//	Disabled -> no change log configured; terminal
//
// INVARIANTS:
//   - At most one of Sending or Flushing at a time
//   - Received changes are applied strictly in key order
//   - HighestKey never decreases
//   - A send is started only once every change up to the client's highest
//     known key has been applied, so committed steps awaiting their echo are
//     never appended twice
package engine
