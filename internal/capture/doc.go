// Package capture coordinates periodic frame capture and publication.
//
// Three pieces cooperate:
//
//   - [Scheduler] owns the period timer and one long-lived worker
//     goroutine. The timer only posts a coalescing [wake.Signal]; it
//     never touches the camera or the network. The scheduler is armed
//     by the first broker session and stays armed for the life of the
//     process.
//   - [Routine] is one capture-and-publish cycle: gate on the broker
//     session, borrow a frame, bound its size, base64 it, give the frame
//     back, wrap it in the JSON envelope and publish at QoS 0 without
//     retain. Every failure is classified, logged and absorbed.
//   - [Recovery] deinitializes and reinitializes the camera after a
//     failed acquisition, with a settle delay in between.
//
// No failure inside a cycle stops the worker. The next tick is the
// retry mechanism.
package capture
