package cache

import (
	"context"
	"sync"
)

// doubleBuffer is one stream's L2 state: produce appends to next; consume
// drains active, swapping active<->next once active empties. Grounded on
// the teacher's redis client's own internal single-producer/single-consumer
// pipe pattern, and directly modeled on the double-buffer cache in the
// source cache package this engine replaces.
type doubleBuffer struct {
	mu     sync.Mutex
	active []uint64
	next   []uint64
}

func (b *doubleBuffer) produce(items []uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = append(b.next, items...)
}

// consume drains up to k items from active, swapping in next if active
// empties partway through.
func (b *doubleBuffer) consume(k int) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]uint64, 0, k)
	for len(out) < k {
		if len(b.active) == 0 {
			if len(b.next) == 0 {
				break
			}
			b.active, b.next = b.next, b.active[:0]
		}
		take := k - len(out)
		if take > len(b.active) {
			take = len(b.active)
		}
		out = append(out, b.active[:take]...)
		b.active = b.active[take:]
	}
	return out
}

// produceRequest and consumeRequest are the tuples carried over the
// bounded channels a single producer/consumer goroutine pair uses to
// serialize access to every stream's doubleBuffer, deliberately bounding
// concurrent swap-heavy work to one pair per cache instance rather than
// one per stream.
type produceRequest struct {
	stream string
	items  []uint64
}

type consumeRequest struct {
	stream string
	k      int
	reply  chan []uint64
}

// L2 is the staging tier: one produce channel, one consume channel, and
// the goroutine pair draining them against a map of per-stream buffers.
type L2 struct {
	buffers sync.Map // string -> *doubleBuffer

	produceCh chan produceRequest
	consumeCh chan consumeRequest

	wg sync.WaitGroup
}

// NewL2 starts the producer and consumer goroutines with the given
// channel depth (default 100 per the resource model's bounded-channel
// policy).
func NewL2(ctx context.Context, channelDepth int) *L2 {
	if channelDepth <= 0 {
		channelDepth = 100
	}
	l := &L2{
		produceCh: make(chan produceRequest, channelDepth),
		consumeCh: make(chan consumeRequest, channelDepth),
	}
	l.wg.Add(2)
	go l.runProducer(ctx)
	go l.runConsumer(ctx)
	return l
}

func (l *L2) bufferFor(stream string) *doubleBuffer {
	if v, ok := l.buffers.Load(stream); ok {
		return v.(*doubleBuffer)
	}
	b := &doubleBuffer{}
	actual, _ := l.buffers.LoadOrStore(stream, b)
	return actual.(*doubleBuffer)
}

func (l *L2) runProducer(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case req := <-l.produceCh:
			l.bufferFor(req.stream).produce(req.items)
		case <-ctx.Done():
			return
		}
	}
}

func (l *L2) runConsumer(ctx context.Context) {
	defer l.wg.Done()
	for {
		select {
		case req := <-l.consumeCh:
			req.reply <- l.bufferFor(req.stream).consume(req.k)
		case <-ctx.Done():
			return
		}
	}
}

// Produce enqueues items for stream; it blocks (suspends the caller, not
// an OS thread) if the bounded produce channel is full.
func (l *L2) Produce(ctx context.Context, stream string, items []uint64) {
	select {
	case l.produceCh <- produceRequest{stream: stream, items: items}:
	case <-ctx.Done():
	}
}

// Consume drains up to k items for stream.
func (l *L2) Consume(ctx context.Context, stream string, k int) []uint64 {
	reply := make(chan []uint64, 1)
	select {
	case l.consumeCh <- consumeRequest{stream: stream, k: k, reply: reply}:
	case <-ctx.Done():
		return nil
	}
	select {
	case out := <-reply:
		return out
	case <-ctx.Done():
		return nil
	}
}

// Shutdown waits for the producer and consumer goroutines to exit after
// their context has been canceled by the caller.
func (l *L2) Shutdown() {
	l.wg.Wait()
}
