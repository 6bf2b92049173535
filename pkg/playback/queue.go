package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
)

// ErrClosed is returned when enqueuing on a closed queue.
var ErrClosed = errors.New("playback: queue closed")

// queueDepth bounds pending clips. Synthesis outruns playback by design;
// a full queue drops the newest clip rather than blocking the producer.
const queueDepth = 32

type job struct {
	clip *audio.Clip
	done chan error // nil for fire-and-forget
}

// Queue plays clips strictly FIFO on one long-lived worker goroutine. A
// clip's failure is logged and the worker moves on; only Close stops it.
type Queue struct {
	player Player

	mu        sync.Mutex
	jobs      chan job
	closed    bool
	playing   bool
	interrupt context.CancelFunc

	wg sync.WaitGroup
}

// NewQueue starts the worker draining onto the given player.
func NewQueue(player Player) *Queue {
	q := &Queue{
		player: player,
		jobs:   make(chan job, queueDepth),
	}
	q.wg.Add(1)
	go q.worker()
	return q
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for j := range q.jobs {
		err := q.playOne(j.clip)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("clip playback failed, continuing",
				"player", q.player.Name(),
				"duration", j.clip.Duration(),
				"error", err,
			)
		}
		if j.done != nil {
			j.done <- err
		}
	}
}

func (q *Queue) playOne(clip *audio.Clip) error {
	ctx, cancel := context.WithCancel(context.Background())
	q.mu.Lock()
	q.playing = true
	q.interrupt = cancel
	q.mu.Unlock()

	err := q.player.Play(ctx, clip)

	q.mu.Lock()
	q.playing = false
	q.interrupt = nil
	q.mu.Unlock()
	cancel()
	return err
}

// Enqueue adds a clip without waiting for playback. When the queue is full
// the clip is dropped with a log line rather than blocking the caller.
func (q *Queue) Enqueue(clip *audio.Clip) {
	if clip == nil || len(clip.Samples) == 0 {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		log.Debug("enqueue on closed playback queue dropped")
		return
	}
	select {
	case q.jobs <- job{clip: clip}:
	default:
		log.Warn("playback queue full, dropping clip", "duration", clip.Duration())
	}
}

// PlayBlocking enqueues a clip and waits for its playback to finish.
func (q *Queue) PlayBlocking(ctx context.Context, clip *audio.Clip) error {
	if clip == nil || len(clip.Samples) == 0 {
		return nil
	}
	done := make(chan error, 1)

	// The send happens under the lock so it can never race a Close.
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	select {
	case q.jobs <- job{clip: clip, done: done}:
		q.mu.Unlock()
	default:
		q.mu.Unlock()
		return errors.New("playback: queue full")
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Abandon the wait; the worker still finishes or interrupts the
		// clip on its own schedule.
		return ctx.Err()
	}
}

// Stop empties the pending queue and interrupts any in-flight playback.
// The worker stays alive for future clips.
func (q *Queue) Stop() {
	q.mu.Lock()
	dropped := q.drainLocked()
	cancel := q.interrupt
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if dropped > 0 {
		log.Info("playback queue stopped", "dropped", dropped)
	}
}

// drainLocked empties pending jobs, failing any blocked waiters.
func (q *Queue) drainLocked() int {
	dropped := 0
	for {
		select {
		case j := <-q.jobs:
			dropped++
			if j.done != nil {
				j.done <- context.Canceled
			}
		default:
			return dropped
		}
	}
}

// IsPlaying reports whether a clip is currently in flight.
func (q *Queue) IsPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Pending returns the number of queued clips.
func (q *Queue) Pending() int {
	return len(q.jobs)
}

// Close stops the queue permanently: pending clips are dropped, in-flight
// playback is interrupted, and the worker exits.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.drainLocked()
	cancel := q.interrupt
	close(q.jobs)
	q.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	q.wg.Wait()
}
