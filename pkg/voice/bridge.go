package voice

import (
	"sync"

	"github.com/panda-one/go-panda/internal/log"
)

// Subscriber receives voice events. Callbacks run on the bridge goroutine;
// a panic is recovered and logged, never allowed to break the bridge.
type Subscriber func(Event)

// Bridge is the single hand-off point between the worker goroutines that
// produce events and the consumers that observe them. Producers never touch
// the subscriber set; one bridge goroutine owns all fan-out, so audio
// workers and the network layer share no locks.
//
// Ordered events (state changes, transcripts, errors) are delivered in
// publish order. Level updates are coalesced under load: a delivered level
// is always the most recent sample, never a stale one.
type Bridge struct {
	events chan Event
	level  chan Event
	done   chan struct{}
	wg     sync.WaitGroup

	mu        sync.Mutex
	subs      map[int]Subscriber
	nextID    int
	closeOnce sync.Once
}

// NewBridge starts the fan-out goroutine.
func NewBridge() *Bridge {
	b := &Bridge{
		events: make(chan Event, 64),
		level:  make(chan Event, 1),
		done:   make(chan struct{}),
		subs:   make(map[int]Subscriber),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

func (b *Bridge) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			// Flush remaining ordered events so a consumer that closed the
			// session still sees the final transitions.
			for {
				select {
				case ev := <-b.events:
					b.deliver(ev)
				default:
					return
				}
			}
		case ev := <-b.events:
			b.deliver(ev)
		case ev := <-b.level:
			b.deliver(ev)
		}
	}
}

func (b *Bridge) deliver(ev Event) {
	b.mu.Lock()
	subs := make([]Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		b.safeCall(s, ev)
	}
}

func (b *Bridge) safeCall(s Subscriber, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("event subscriber panicked", "panic", r, "event", ev.Type.String())
		}
	}()
	s(ev)
}

// Publish hands an ordered event to the bridge. It blocks only if the
// bridge is severely backlogged.
func (b *Bridge) Publish(ev Event) {
	select {
	case b.events <- ev:
	case <-b.done:
	}
}

// PublishLevel hands off a level sample, replacing any undelivered one.
func (b *Bridge) PublishLevel(ev Event) {
	for {
		select {
		case b.level <- ev:
			return
		case <-b.done:
			return
		default:
			// Displace the stale sample.
			select {
			case <-b.level:
			default:
			}
		}
	}
}

// Subscribe registers a callback and returns an id for Unsubscribe.
func (b *Bridge) Subscribe(s Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	return id
}

// Unsubscribe removes a previously registered callback.
func (b *Bridge) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Close stops the bridge after flushing pending ordered events.
func (b *Bridge) Close() {
	b.closeOnce.Do(func() { close(b.done) })
	b.wg.Wait()
}
