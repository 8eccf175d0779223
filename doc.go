// Package dispatch implements a message-dispatch scheduler: a pool of
// single-goroutine event loops, each locked to an OS thread, executing
// prioritized, execution-affine units of work.
//
// # Architecture
//
// A [Pool] owns a fixed set of [Worker] instances. Work is registered as a
// [Context], which is owned by exactly one worker for its lifetime, chosen
// round robin or via [WithAffinity]. There is no shared run queue and no
// work stealing.
//
// Each worker owns:
//   - a priority run queue, one FIFO lane per priority (0 is highest)
//   - a timer heap, ordered by deadline
//   - a double-buffered mailbox, the only way other goroutines reach it
//
// # Execution Model
//
// Work is cooperative: it runs to completion, and may return [Reschedule]
// to run again, or dispatch other contexts via the [Exec] it is passed. The
// [Exec] identifies the executing worker, so dispatching a context owned by
// the same worker links it directly, bypassing the mailbox.
//
// Dispatch requests made from other goroutines ([Context.RequestDispatch])
// coalesce: any number of requests made before the owning worker drains its
// mailbox result in a single run, and a single wakeup.
//
// Order of execution within a worker:
//  1. Strict priority across lanes, FIFO within a lane
//  2. Timer callbacks, once due (earliest deadline first)
//  3. Mailbox events, in arrival order
//
// # Failure
//
// A panic from a unit of work terminates the worker that ran it. The
// failure is delivered to the handler configured by [WithErrorHandler] as a
// [*WorkError], every context the worker owns is closed, and shutdown
// waiters are released. Other workers are unaffected.
//
// # Usage
//
//	pool, err := dispatch.NewPool(dispatch.WithWorkers(4))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := pool.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer pool.Shutdown(context.Background())
//
//	var n int
//	c, err := pool.Register(func(x *dispatch.Exec) dispatch.Outcome {
//	    n++
//	    if n < 10 {
//	        return dispatch.Reschedule
//	    }
//	    return dispatch.Completed
//	}, "counter", dispatch.WithPriority(dispatch.QueueDefault))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c.RequestDispatch()
package dispatch
