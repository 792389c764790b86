// Package acs runs CWMP sessions end to end.
//
// A session is a sequence of HTTP exchanges between one CPE and the ACS.
// Each exchange carries a single rpc.Envelope; the Service rehydrates the
// suspended session.Context, feeds it the CPE's message and answers with
// the next ACS message, or reports that the session is over.
//
// # Session Phases
//
// After the Inform, work is applied to the device in a fixed order:
//
//  1. Provisions re-added by completed or timed-out operations.
//  2. Queued tasks, one at a time, each on channel "task_<id>".
//  3. A fetch of every parameter a matching preset's precondition reads.
//  4. Presets whose events, schedule and precondition match, added in
//     weight order.
//
// A fault ends the current phase for the channels it names. Those
// channels are stored as device faults when the session ends; a channel
// that converged has its stored fault cleared, and a converged task is
// deleted.
//
// # Persistence
//
// Between exchanges the session is serialized, compressed and stored via
// device.SessionStore with a TTL. At the end of the session the device
// data, pending operations, faults and task outcomes are committed and
// events are published to every configured EventSink.
//
// # Thread Safety
//
// Service is safe for concurrent use. Exchanges of the same session are
// serialized by a striped lock.
package acs
