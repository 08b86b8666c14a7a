// Package commandqueue provides lane-based task execution with FIFO ordering per lane.
//
// Invariants:
// - Tasks in the same lane execute in FIFO order.
// - Tasks in different lanes may execute concurrently.
// - On-demand lanes (such as one per session) are dropped once idle.
// - Queue activity is observable through enqueued/completed events and metrics.
//
// Usage:
//
//	queue := commandqueue.New(commandqueue.Config{})
//	defer queue.Close()
//	err := queue.Enqueue(ctx, commandqueue.SessionLane("abc"), func(ctx context.Context) error {
//		return nil
//	}, nil)
package commandqueue
