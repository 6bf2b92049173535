package chunker

import (
	"strings"
	"testing"
	"time"

	"golang.org/x/text/language"
)

// collect drains every chunk, failing the test if the stream never closes.
func collect(t *testing.T, c *Chunker) []StreamChunk {
	t.Helper()
	var chunks []StreamChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-c.Chunks():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("chunk stream never closed")
		}
	}
}

func TestSentenceSplit(t *testing.T) {
	c := New(Options{MinRunes: 5, MaxRunes: 200, ForceLang: language.English})
	go func() {
		c.Feed("Hello world. ")
		c.Feed("This is PANDA.")
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks %v, want 2", len(chunks), chunks)
	}
	if chunks[0].Text != "Hello world." {
		t.Errorf("first chunk = %q", chunks[0].Text)
	}
	if chunks[1].Text != "This is PANDA." {
		t.Errorf("second chunk = %q", chunks[1].Text)
	}
	for _, chunk := range chunks {
		if chunk.Final {
			t.Errorf("boundary chunk %q marked final", chunk.Text)
		}
	}
}

func TestBoundaryBeforeMinStaysBuffered(t *testing.T) {
	c := New(Options{MinRunes: 40, MaxRunes: 200, ForceLang: language.English})
	go func() {
		c.Feed("Hi. ")
		c.Feed("Short fragments should merge into one chunk. ")
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks %v, want 1", len(chunks), chunks)
	}
	if !strings.HasPrefix(chunks[0].Text, "Hi. Short") {
		t.Errorf("chunk = %q, want the merged text", chunks[0].Text)
	}
}

func TestForceBreakAtWhitespace(t *testing.T) {
	c := New(Options{MinRunes: 5, MaxRunes: 20, ForceLang: language.English})
	go func() {
		c.Feed("one two three four five six seven")
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) < 2 {
		t.Fatalf("got %d chunks %v, want a forced split", len(chunks), chunks)
	}
	for _, chunk := range chunks {
		if n := len([]rune(chunk.Text)); n > 20 {
			t.Errorf("chunk %q has %d runes, max 20", chunk.Text, n)
		}
		if strings.HasPrefix(chunk.Text, " ") || strings.HasSuffix(chunk.Text, " ") {
			t.Errorf("chunk %q not trimmed", chunk.Text)
		}
	}
}

func TestHardCutWithoutWhitespace(t *testing.T) {
	c := New(Options{MinRunes: 5, MaxRunes: 10, ForceLang: language.English})
	go func() {
		c.Feed(strings.Repeat("x", 25))
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) != 3 {
		t.Fatalf("got %d chunks %v, want 3", len(chunks), chunks)
	}
	if chunks[0].Text != strings.Repeat("x", 10) {
		t.Errorf("first chunk = %q, want ten x's", chunks[0].Text)
	}
}

func TestEndFlushesRemainder(t *testing.T) {
	c := New(Options{MinRunes: 40, MaxRunes: 200, ForceLang: language.English})
	go func() {
		c.Feed("no boundary here")
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	if chunks[0].Text != "no boundary here" || !chunks[0].Final {
		t.Errorf("flush chunk = %+v", chunks[0])
	}
}

func TestCJKBoundaries(t *testing.T) {
	c := New(Options{MinRunes: 2, MaxRunes: 200, ForceLang: language.Korean})
	go func() {
		c.Feed("안녕하세요。")
		c.Feed("판다입니다！")
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks %v, want 2", len(chunks), chunks)
	}
	if chunks[0].Text != "안녕하세요。" {
		t.Errorf("first chunk = %q", chunks[0].Text)
	}
	if chunks[0].Lang != language.Korean {
		t.Errorf("chunk lang = %v, want Korean", chunks[0].Lang)
	}
}

func TestAutoDetectTagsChunks(t *testing.T) {
	c := New(Options{MinRunes: 5, MaxRunes: 200})
	go func() {
		c.Feed("The quick brown fox jumps over the lazy dog. ")
		c.End()
	}()

	chunks := collect(t, c)
	if len(chunks) != 1 {
		t.Fatalf("got %d chunks, want 1", len(chunks))
	}
	base, _ := chunks[0].Lang.Base()
	if base.String() != "en" {
		t.Errorf("detected language = %v, want en", chunks[0].Lang)
	}
}

func TestCancelStopsStream(t *testing.T) {
	c := New(Options{MinRunes: 5, MaxRunes: 20, ForceLang: language.English, QueueSize: 1})
	done := make(chan struct{})
	go func() {
		defer close(done)
		// More chunks than the queue holds; Cancel must unwedge the feed.
		for i := 0; i < 50; i++ {
			c.Feed("one two three four five six. ")
		}
	}()

	time.Sleep(20 * time.Millisecond)
	c.Cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Feed still blocked after Cancel")
	}

	// Stream is closed, nothing more arrives.
	for range c.Chunks() {
	}

	// Feeding after cancel is a no-op.
	c.Feed("ignored")
	c.End()
}

func TestEndTwiceIsSafe(t *testing.T) {
	c := New(Options{MinRunes: 5, MaxRunes: 200, ForceLang: language.English})
	c.End()
	c.End()
	if chunks := collect(t, c); len(chunks) != 0 {
		t.Fatalf("empty stream produced %v", chunks)
	}
}
