package synth

import (
	"context"

	"golang.org/x/text/language"

	"github.com/panda-one/go-panda/internal/log"
	"github.com/panda-one/go-panda/pkg/audio"
)

// NullBackend logs text instead of producing audio. It is the terminal link
// of the fallback chain, so a machine with no synthesis capability loses
// audio output but keeps the rest of the pipeline alive.
type NullBackend struct{}

func NewNullBackend() *NullBackend { return &NullBackend{} }

func (n *NullBackend) Kind() Kind { return KindNull }

func (n *NullBackend) Warmup(ctx context.Context) error { return nil }

func (n *NullBackend) Healthcheck(ctx context.Context) error { return nil }

func (n *NullBackend) Synthesize(ctx context.Context, text string, lang language.Tag) (*audio.Clip, error) {
	log.Info("null synth", "lang", lang.String(), "text", text)
	return nil, nil
}

func (n *NullBackend) Close() error { return nil }

var _ Backend = (*NullBackend)(nil)
