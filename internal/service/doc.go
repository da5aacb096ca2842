// Package service orchestrates evaluation tests on the remote job service
// and tracks the jobs they create.
//
// Overview
// The Dispatcher owns the remote client and a Registry of active processes,
// one per test kind. Launch reserves the kind and starts two goroutines: an
// execution unit that sequences the calls of the test, and a relay that
// performs them. The unit never touches the remote client. It only sends
// call descriptors and waits for the correlated replies.
//
// The Poller follows every job id the relay registers. It fetches all non
// terminal jobs in one bounded batch per cycle, caches the snapshots and
// removes terminal jobs after a grace delay. The loop starts on the first
// tracked job and exits when none is left.
//
// Data flow:
//
//	Dispatcher              relay                   unit
//	    |                     |                       |
//	Launch -> Reserve         |                       |
//	    | ------------------->|                       | run()
//	    |                     |<----- CallRequest ----|
//	    |                     | remote call           |
//	    |                     | Register(job id) ---------------> Poller.Track
//	    |                     |------ CallReply ----->|
//	    |                     |<------ Outcome -------|
//	    |<- Release + notify -|                       |
//
// Invariants:
//   - At most one active process per test kind.
//   - FAIRNESS datasets are evaluated strictly in order, the first failure
//     aborts the run.
//   - Every run produces exactly one Outcome and one final notification.
//   - A removed job id is never tracked again.
//   - Only one poll loop runs at a time.
package service
