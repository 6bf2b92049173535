package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/panda-one/go-panda/pkg/audio"
)

// fakePlayer records played clips and can fail or block on demand.
type fakePlayer struct {
	mu     sync.Mutex
	played []*audio.Clip
	failOn map[int]error // play index -> error
	block  time.Duration
}

func (f *fakePlayer) Name() string { return "fake" }

func (f *fakePlayer) Play(ctx context.Context, clip *audio.Clip) error {
	f.mu.Lock()
	idx := len(f.played)
	f.played = append(f.played, clip)
	err := f.failOn[idx]
	block := f.block
	f.mu.Unlock()

	if block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

func (f *fakePlayer) playedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.played)
}

func clipOfDuration(ms int) *audio.Clip {
	return audio.NewClip(make([]int16, 16*ms), 16000)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestFailingClipDoesNotStopWorker(t *testing.T) {
	player := &fakePlayer{failOn: map[int]error{1: errors.New("device exploded")}}
	q := NewQueue(player)
	defer q.Close()

	q.Enqueue(clipOfDuration(10))
	q.Enqueue(clipOfDuration(10)) // this one fails
	if err := q.PlayBlocking(context.Background(), clipOfDuration(10)); err != nil {
		t.Fatalf("clip after a failed one should play: %v", err)
	}

	if got := player.playedCount(); got != 3 {
		t.Fatalf("player saw %d clips, want 3", got)
	}
}

func TestPlayBlockingReturnsPlayError(t *testing.T) {
	wantErr := errors.New("no such device")
	player := &fakePlayer{failOn: map[int]error{0: wantErr}}
	q := NewQueue(player)
	defer q.Close()

	err := q.PlayBlocking(context.Background(), clipOfDuration(10))
	if !errors.Is(err, wantErr) {
		t.Fatalf("PlayBlocking error = %v, want %v", err, wantErr)
	}
}

func TestFIFOOrder(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)
	defer q.Close()

	first := clipOfDuration(10)
	second := clipOfDuration(20)
	q.Enqueue(first)
	q.Enqueue(second)
	waitFor(t, func() bool { return player.playedCount() == 2 }, "clips never played")

	player.mu.Lock()
	defer player.mu.Unlock()
	if player.played[0] != first || player.played[1] != second {
		t.Error("clips played out of order")
	}
}

func TestStopDrainsAndInterrupts(t *testing.T) {
	player := &fakePlayer{block: 10 * time.Second}
	q := NewQueue(player)
	defer q.Close()

	q.Enqueue(clipOfDuration(10)) // in flight, blocked
	waitFor(t, q.IsPlaying, "first clip never started")
	q.Enqueue(clipOfDuration(10))
	q.Enqueue(clipOfDuration(10))

	q.Stop()

	waitFor(t, func() bool { return !q.IsPlaying() }, "in-flight clip not interrupted")
	if q.Pending() != 0 {
		t.Errorf("pending = %d after Stop, want 0", q.Pending())
	}

	// Worker is still alive for new clips.
	player.mu.Lock()
	player.block = 0
	player.mu.Unlock()
	if err := q.PlayBlocking(context.Background(), clipOfDuration(10)); err != nil {
		t.Fatalf("playback after Stop: %v", err)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)
	q.Close()
	q.Close() // idempotent

	if err := q.PlayBlocking(context.Background(), clipOfDuration(10)); !errors.Is(err, ErrClosed) {
		t.Fatalf("PlayBlocking after Close = %v, want ErrClosed", err)
	}
	// Enqueue after Close must not panic.
	q.Enqueue(clipOfDuration(10))
}

func TestEmptyClipIgnored(t *testing.T) {
	player := &fakePlayer{}
	q := NewQueue(player)
	defer q.Close()

	q.Enqueue(nil)
	q.Enqueue(audio.NewClip(nil, 16000))
	if err := q.PlayBlocking(context.Background(), nil); err != nil {
		t.Fatalf("blocking nil clip: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if got := player.playedCount(); got != 0 {
		t.Errorf("player saw %d clips, want 0", got)
	}
}
