package proxy

import (
	"fmt"
	"sync"
)

// cmdMode selects how the upstream reader treats responses belonging to
// an in-flight command.
type cmdMode int

const (
	// cmdPass relays responses verbatim, rewriting the tagged completion
	// back to the client's tag.
	cmdPass cmdMode = iota
	// cmdFilter buffers untagged responses until the tagged completion,
	// then filters LIST/LSUB lines through the namespace resolver.
	cmdFilter
	// cmdInternal is a proxy-originated command (MOVE emulation steps);
	// its completion is delivered on done and never sent to the client.
	cmdInternal
)

// segment is literal data the client already supplied, waiting to be
// drained to upstream: the body plus the command line that followed it.
type segment struct {
	data    []byte // literal body followed by the next command line, raw
	nonSync bool   // {n+}: upstream expects the data without a continuation
}

// internalResult is the tagged completion of a proxy-originated command.
type internalResult struct {
	status string // OK, NO, BAD; "" when the session tore down first
	text   string
}

// pendingCmd tracks one command forwarded to upstream. The client's tag
// is rewritten to a proxy-generated tag so client-chosen tags can never
// collide with in-flight or internal commands.
type pendingCmd struct {
	clientTag   string
	upstreamTag string
	name        string

	mode     cmdMode
	segments []segment // literal segments not yet written upstream
	buffered [][]byte  // response chunks held back for filtering

	// SELECT/EXAMINE bookkeeping: commit the folder on tagged OK.
	isSelect     bool
	selectFolder string
	readOnly     bool

	done chan internalResult // cmdInternal only

	// drained is set when synchronizing segments remain after the first
	// write; it is closed once every segment has reached upstream, or
	// once the command can no longer need them.
	drained     chan struct{}
	drainedOnce sync.Once
}

// signalDrained releases a writer blocked on this command's literal
// segments. Safe to call more than once and on commands without
// segments.
func (p *pendingCmd) signalDrained() {
	if p.drained != nil {
		p.drainedOnce.Do(func() { close(p.drained) })
	}
}

// pendingQueue is the ordered set of commands awaiting their tagged
// completion, oldest first. Within a session, upstream completes commands
// in the order they were sent, so the head of the queue owns any
// untagged data the upstream emits.
type pendingQueue struct {
	mu      sync.Mutex
	queue   []*pendingCmd
	counter int
	closed  bool
}

// add registers a command and assigns its upstream tag.
func (q *pendingQueue) add(p *pendingCmd) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("proxy: session closed")
	}
	for _, existing := range q.queue {
		if existing.clientTag != "" && existing.clientTag == p.clientTag {
			return fmt.Errorf("proxy: tag %s already in flight", p.clientTag)
		}
	}
	q.counter++
	p.upstreamTag = fmt.Sprintf("P%04d", q.counter)
	q.queue = append(q.queue, p)
	return nil
}

// head returns the oldest in-flight command, or nil.
func (q *pendingQueue) head() *pendingCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil
	}
	return q.queue[0]
}

// complete removes and returns the command matching the upstream tag.
// Completions arrive in order; a tag that is not the head indicates a
// confused upstream and is reported as such.
func (q *pendingQueue) complete(upstreamTag string) (*pendingCmd, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.queue) == 0 {
		return nil, fmt.Errorf("proxy: unexpected tagged response %s", upstreamTag)
	}
	if q.queue[0].upstreamTag != upstreamTag {
		return nil, fmt.Errorf("proxy: out-of-order completion %s, expected %s", upstreamTag, q.queue[0].upstreamTag)
	}
	p := q.queue[0]
	q.queue = q.queue[1:]
	return p, nil
}

// depth returns the number of in-flight commands.
func (q *pendingQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// close aborts all in-flight commands. Internal commands are woken with
// an empty result so waiters do not block forever.
func (q *pendingQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, p := range q.queue {
		if p.done != nil {
			close(p.done)
		}
		p.signalDrained()
	}
	q.queue = nil
}
