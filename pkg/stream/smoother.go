package stream

import (
	"context"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// Smoother re-chunks joined text into word-sized deltas emitted with a
// small inter-chunk delay, so clients render a steady typing effect
// instead of bursty provider-sized chunks.
type Smoother struct {
	delay time.Duration
	emit  func(delta string) error

	pending string
}

// NewSmoother creates a smoother that calls emit for each word chunk.
// A zero delay disables pacing (tests).
func NewSmoother(delay time.Duration, emit func(delta string) error) *Smoother {
	return &Smoother{delay: delay, emit: emit}
}

// Feed splits text into word chunks and emits all complete ones. The
// trailing partial word is held until the next Feed or Flush.
func (s *Smoother) Feed(ctx context.Context, text string) error {
	s.pending += text
	for {
		chunk, rest, ok := nextWord(s.pending)
		if !ok {
			return nil
		}
		s.pending = rest
		if err := s.emitPaced(ctx, chunk); err != nil {
			return err
		}
	}
}

// Flush emits whatever partial word remains.
func (s *Smoother) Flush(ctx context.Context) error {
	if s.pending == "" {
		return nil
	}
	chunk := s.pending
	s.pending = ""
	return s.emitPaced(ctx, chunk)
}

func (s *Smoother) emitPaced(ctx context.Context, chunk string) error {
	if err := s.emit(chunk); err != nil {
		return err
	}
	if s.delay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// nextWord splits off one word together with its trailing whitespace.
// ok is false when the remainder has no whitespace yet — the word may
// still be growing.
func nextWord(text string) (chunk, rest string, ok bool) {
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		return "", text, false
	}
	// Extend through the whitespace run.
	i := end
	for i < len(text) {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !unicode.IsSpace(r) {
			break
		}
		i += size
	}
	return text[:i], text[i:], true
}
