package session

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/nist-kishan/collabcall/pkg/logger"
)

// Command priorities. Teardown outranks everything so an end request is
// never stuck behind a backlog of signaling work.
const (
	prioTeardown = iota
	prioControl
	prioSignal
)

// command is one unit of state machine work
type command struct {
	name     string
	callID   string
	priority int
	seq      uint64
	fn       func() error
	resp     chan error // nil for fire-and-forget
	index    int
}

type commandHeap []*command

func (h commandHeap) Len() int { return len(h) }

func (h commandHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	// Within one priority, strict FIFO
	return h[i].seq < h[j].seq
}

func (h commandHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *commandHeap) Push(x any) {
	cmd := x.(*command)
	cmd.index = len(*h)
	*h = append(*h, cmd)
}

func (h *commandHeap) Pop() any {
	old := *h
	n := len(old)
	cmd := old[n-1]
	old[n-1] = nil
	cmd.index = -1
	*h = old[0 : n-1]
	return cmd
}

// dispatchQueue serializes all transitions onto one worker goroutine
type dispatchQueue struct {
	logger *logger.Logger

	mu   sync.Mutex
	heap commandHeap
	seq  uint64

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newDispatchQueue(log *logger.Logger) *dispatchQueue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &dispatchQueue{
		logger: log,
		heap:   make(commandHeap, 0),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	heap.Init(&q.heap)
	return q
}

func (q *dispatchQueue) start() {
	q.wg.Add(1)
	go q.workerLoop()
}

// stop shuts the worker down and fails pending blocking submitters
func (q *dispatchQueue) stop() {
	q.cancel()
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()
	for q.heap.Len() > 0 {
		cmd := heap.Pop(&q.heap).(*command)
		if cmd.resp != nil {
			cmd.resp <- context.Canceled
			close(cmd.resp)
		}
	}
}

// submit enqueues a command and blocks until it executed
func (q *dispatchQueue) submit(name, callID string, priority int, fn func() error) error {
	cmd := q.push(name, callID, priority, fn, make(chan error, 1))
	select {
	case err := <-cmd.resp:
		return err
	case <-q.ctx.Done():
		return context.Canceled
	}
}

// enqueue schedules a command without waiting for it. Used for inbound
// envelopes so the channel read loop never blocks on a transition.
func (q *dispatchQueue) enqueue(name, callID string, priority int, fn func() error) {
	q.push(name, callID, priority, fn, nil)
}

func (q *dispatchQueue) push(name, callID string, priority int, fn func() error, resp chan error) *command {
	q.mu.Lock()
	q.seq++
	cmd := &command{
		name:     name,
		callID:   callID,
		priority: priority,
		seq:      q.seq,
		fn:       fn,
		resp:     resp,
	}
	heap.Push(&q.heap, cmd)
	depth := q.heap.Len()
	q.mu.Unlock()

	q.logger.DebugSession("command enqueued",
		"command", name, "call_id", callID, "queue_depth", depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return cmd
}

func (q *dispatchQueue) workerLoop() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			for {
				q.mu.Lock()
				if q.heap.Len() == 0 {
					q.mu.Unlock()
					break
				}
				cmd := heap.Pop(&q.heap).(*command)
				q.mu.Unlock()

				q.execute(cmd)
			}
		}
	}
}

func (q *dispatchQueue) execute(cmd *command) {
	start := time.Now()
	err := cmd.fn()

	q.logger.DebugSession("command executed",
		"command", cmd.name,
		"call_id", cmd.callID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", err)

	if cmd.resp != nil {
		cmd.resp <- err
		close(cmd.resp)
	} else if err != nil {
		q.logger.Warn("async command failed",
			"command", cmd.name, "call_id", cmd.callID, "error", err)
	}
}
