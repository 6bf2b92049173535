// Package chunker turns an incrementally produced text stream into bounded
// chunks that are ready for immediate synthesis, so audio can start before
// the full response text exists.
package chunker

import (
	"strings"
	"sync"
	"unicode"

	"github.com/pemistahl/lingua-go"
	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/internal/log"
)

// StreamChunk is one synthesizable span of text.
type StreamChunk struct {
	Text  string
	Lang  language.Tag
	Final bool
}

// Default chunk bounds, in runes.
const (
	DefaultMinRunes = 40
	DefaultMaxRunes = 200
)

// family is a script family with its own sentence boundary set.
type family int

const (
	familyLatin family = iota
	familyCJK
)

// boundaries maps each family to the runes that end a sentence in it.
// CJK text accepts both fullwidth and ASCII terminators.
var boundaries = map[family][]rune{
	familyLatin: {'.', '!', '?'},
	familyCJK:   {'.', '!', '?', '。', '？', '！'},
}

// Options configures a Chunker.
type Options struct {
	// MinRunes is the shortest chunk worth synthesizing. A boundary before
	// this length stays buffered.
	MinRunes int

	// MaxRunes bounds chunk length. Past it with no boundary, the chunker
	// force-breaks at the last whitespace, or hard-cuts if there is none.
	MaxRunes int

	// ForceLang pins the language instead of detecting it. Zero means auto.
	ForceLang language.Tag

	// QueueSize bounds the chunk channel. Zero means a small default.
	QueueSize int
}

// Chunker accumulates fed text and emits bounded chunks on a channel
// consumed by exactly one synthesis worker.
type Chunker struct {
	min      int
	max      int
	force    language.Tag
	detector lingua.LanguageDetector

	mu      sync.Mutex
	buf     []rune
	ended   bool
	lastTag language.Tag

	ch         chan StreamChunk
	done       chan struct{}
	cancelOnce sync.Once
	closeOnce  sync.Once
}

// New creates a chunker. Invalid bounds fall back to defaults.
func New(opts Options) *Chunker {
	min := opts.MinRunes
	if min < 1 {
		min = DefaultMinRunes
	}
	max := opts.MaxRunes
	if max <= min {
		max = DefaultMaxRunes
		if max <= min {
			max = min * 2
		}
	}
	queue := opts.QueueSize
	if queue < 1 {
		queue = 8
	}

	c := &Chunker{
		min:     min,
		max:     max,
		force:   opts.ForceLang,
		lastTag: language.English,
		ch:      make(chan StreamChunk, queue),
		done:    make(chan struct{}),
	}
	if c.force == (language.Tag{}) {
		c.detector = lingua.NewLanguageDetectorBuilder().
			FromLanguages(lingua.English, lingua.Korean, lingua.Japanese, lingua.Chinese).
			Build()
	}
	return c
}

// Chunks returns the channel of emitted chunks. It is closed by End or
// Cancel; the final chunk carries Final=true.
func (c *Chunker) Chunks() <-chan StreamChunk { return c.ch }

// Feed appends a token to the buffer and emits any complete chunks.
// Feeding after End or Cancel is a no-op.
func (c *Chunker) Feed(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended || c.cancelled() {
		return
	}
	c.buf = append(c.buf, []rune(token)...)
	c.drainLocked()
}

// End flushes the remaining buffered text as a final chunk and closes the
// chunk channel. Nothing fed is ever silently dropped.
func (c *Chunker) End() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ended {
		return
	}
	c.ended = true
	c.drainLocked()

	rest := strings.TrimSpace(string(c.buf))
	c.buf = nil
	if rest != "" && !c.cancelled() {
		c.emitLocked(rest, true)
	}
	c.closeOnce.Do(func() { close(c.ch) })
}

// Cancel stops the pipeline promptly. Buffered text is discarded and the
// chunk channel is closed without a final chunk. The done channel is closed
// before taking the lock so a producer blocked on a full queue unwedges.
func (c *Chunker) Cancel() {
	c.cancelOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = nil
	c.ended = true
	c.closeOnce.Do(func() { close(c.ch) })
}

func (c *Chunker) cancelled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// drainLocked repeatedly scans the buffer and emits chunks until no more
// can be produced.
func (c *Chunker) drainLocked() {
	for !c.cancelled() {
		cut, ok := c.scanLocked()
		if !ok {
			return
		}
		text := strings.TrimSpace(string(c.buf[:cut]))
		c.buf = c.buf[cut:]
		if text != "" {
			c.emitLocked(text, false)
		}
	}
}

// scanLocked finds the next cut point: a sentence boundary at or beyond the
// minimum length, or a forced break once the buffer exceeds the maximum.
func (c *Chunker) scanLocked() (int, bool) {
	fam := c.familyLocked()
	ends := boundaries[fam]

	for i := c.min - 1; i < len(c.buf); i++ {
		if i >= c.max {
			break
		}
		for _, b := range ends {
			if c.buf[i] == b {
				return i + 1, true
			}
		}
	}

	if len(c.buf) <= c.max {
		return 0, false
	}

	// No boundary within the cap: break at the last whitespace inside it,
	// hard cut when the text has none.
	for i := c.max; i > 0; i-- {
		if unicode.IsSpace(c.buf[i-1]) {
			return i, true
		}
	}
	return c.max, true
}

// familyLocked classifies the buffered text's script family, remembering
// the last confident detection for short continuation tokens.
func (c *Chunker) familyLocked() family {
	tag := c.detectLocked()
	base, _ := tag.Base()
	switch base.String() {
	case "ko", "ja", "zh":
		return familyCJK
	default:
		return familyLatin
	}
}

func (c *Chunker) detectLocked() language.Tag {
	if c.force != (language.Tag{}) {
		return c.force
	}
	text := strings.TrimSpace(string(c.buf))
	if text == "" {
		return c.lastTag
	}
	lang, ok := c.detector.DetectLanguageOf(text)
	if !ok {
		return c.lastTag
	}
	tag := language.Make(strings.ToLower(lang.IsoCode639_1().String()))
	if tag != (language.Tag{}) {
		c.lastTag = tag
	}
	return c.lastTag
}

// emitLocked hands a chunk to the consumer, honoring cancellation so a
// full queue never wedges the producer after Cancel.
func (c *Chunker) emitLocked(text string, final bool) {
	chunk := StreamChunk{Text: text, Lang: c.detectChunk(text), Final: final}
	select {
	case c.ch <- chunk:
	case <-c.done:
		log.Debug("chunk dropped after cancel", "len", len(text))
	}
}

// detectChunk tags an emitted chunk with its own language.
func (c *Chunker) detectChunk(text string) language.Tag {
	if c.force != (language.Tag{}) {
		return c.force
	}
	lang, ok := c.detector.DetectLanguageOf(text)
	if !ok {
		return c.lastTag
	}
	tag := language.Make(strings.ToLower(lang.IsoCode639_1().String()))
	if tag == (language.Tag{}) {
		return c.lastTag
	}
	c.lastTag = tag
	return tag
}
