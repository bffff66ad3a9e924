package service

import "sync/atomic"

// lineQueue is a bounded multi-producer single-consumer queue for captured
// log lines (Vyukov's intrusive MPSC design). Producers are the per-session
// stream reader goroutines; the single consumer is the batch-flush loop.
// Push never blocks: when the bound is reached the line is dropped and
// counted instead of stalling the reader.
type lineQueue struct {
	head     *lineNode              // consumer-owned; points at the stub/consumed node
	tail     atomic.Pointer[lineNode]
	size     atomic.Int64
	dropped  atomic.Int64
	capacity int64
}

type lineNode struct {
	next atomic.Pointer[lineNode]
	line string
}

// newLineQueue creates a queue holding at most capacity lines; capacity <= 0
// means unbounded.
func newLineQueue(capacity int) *lineQueue {
	stub := &lineNode{}
	q := &lineQueue{head: stub, capacity: int64(capacity)}
	q.tail.Store(stub)
	return q
}

// push appends a line. Safe for concurrent producers. Returns false if the
// line was dropped because the queue is full.
func (q *lineQueue) push(line string) bool {
	if q.capacity > 0 && q.size.Load() >= q.capacity {
		q.dropped.Add(1)
		return false
	}
	n := &lineNode{line: line}
	prev := q.tail.Swap(n)
	// Between the swap and this store the queue is momentarily "broken" for
	// the consumer; pop treats a nil next as empty and retries next tick.
	prev.next.Store(n)
	q.size.Add(1)
	return true
}

// pop removes the oldest line. Single consumer only.
func (q *lineQueue) pop() (string, bool) {
	next := q.head.next.Load()
	if next == nil {
		return "", false
	}
	q.head = next
	line := next.line
	next.line = ""
	q.size.Add(-1)
	return line, true
}

// drain pops up to max lines (all pending if max <= 0).
func (q *lineQueue) drain(max int) []string {
	var out []string
	for max <= 0 || len(out) < max {
		line, ok := q.pop()
		if !ok {
			break
		}
		out = append(out, line)
	}
	return out
}

func (q *lineQueue) len() int {
	return int(q.size.Load())
}

func (q *lineQueue) droppedCount() int64 {
	return q.dropped.Load()
}
