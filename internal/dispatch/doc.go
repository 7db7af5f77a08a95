// Package dispatch runs the scheduler's single worker loop.
//
// The dispatcher polls the queue on a ticker and hands at most one job at a
// time to the plotter controller. The controller owns the subprocess and its
// timeout/cancellation handling; the dispatcher's job is to pick work in
// FIFO order, record outcomes, and never die.
//
// Key properties:
//   - Serial FIFO dispatch (one job in flight, ever)
//   - Startup recovery: persisted running jobs from a previous process are
//     crash artifacts and are marked failed before the loop starts
//   - Store errors are logged and the poll retried; a database hiccup must
//     not halt scheduling permanently
//   - Cancellation: queued jobs are cancelled directly in the store; the
//     running job's cancellation is forwarded to the controller
package dispatch
