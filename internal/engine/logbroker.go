package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each output subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines a late subscriber is replayed.
	backlogSize = 256
)

// LogBroker manages per-request output streaming to subscribers.
// It is safe for concurrent use.
//
// A topic accepts lines only between Open and Close. Close removes the topic
// entirely, so finished requests leave nothing behind; callers that need to
// know whether a request already finished consult the store.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	live    bool
	backlog []string
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

// Open starts accepting output for the request. Subscribers that arrived
// while the request was still queued are kept.
func (b *LogBroker) Open(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[requestID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[requestID] = t
	}
	t.live = true
}

// Subscribe returns a channel that first replays the recent output of the
// request and then receives new lines, plus an unsubscribe function. The
// channel is closed when the request's topic is closed.
func (b *LogBroker) Subscribe(requestID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[requestID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[requestID] = t
	}

	ch := make(chan string, subscriberBufferSize+len(t.backlog))
	for _, line := range t.backlog {
		ch <- line
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
		if len(t.subs) == 0 && !t.live && b.topics[requestID] == t {
			delete(b.topics, requestID)
		}
	}
}

// Publish sends an output line to all subscribers of the given request.
// Lines for a request that is not open are dropped, as are lines for
// subscribers whose buffers are full.
func (b *LogBroker) Publish(requestID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[requestID]
	if !ok || !t.live {
		return
	}

	t.backlog = append(t.backlog, line)
	if len(t.backlog) > backlogSize {
		t.backlog = t.backlog[len(t.backlog)-backlogSize:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close signals that no more output will be published for the request.
// All subscriber channels are closed and the topic is removed.
func (b *LogBroker) Close(requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[requestID]
	if !ok {
		return
	}
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	t.live = false
	delete(b.topics, requestID)
}

// Topics returns the number of requests the broker currently tracks.
func (b *LogBroker) Topics() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
