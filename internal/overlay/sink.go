package overlay

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/reconcile"
)

const debugLines = 20

// Sink renders the displayed caption. OBS reads the text file through a
// text source; the browser host prints to the writer.
type Sink struct {
	mu       sync.Mutex
	file     string
	out      io.Writer
	debug    bool
	lastText string
	rendered bool
	ring     []string
	now      func() time.Time
}

// NewSink writes the display text to file (when non-empty) and to out (when
// non-nil). Debug keeps the last diagnostic lines.
func NewSink(file string, out io.Writer, debug bool) *Sink {
	return &Sink{file: file, out: out, debug: debug, now: time.Now}
}

// Render writes v when its text differs from the previous render.
func (s *Sink) Render(v reconcile.View) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rendered && v.Text == s.lastText {
		return nil
	}
	s.rendered = true
	s.lastText = v.Text
	s.debugfLocked("render listening=%t translating=%t dissolved=%t text=%q", v.Listening, v.Translating, v.Dissolved, v.Text)

	var errs []error
	if s.file != "" {
		if err := fanout.WriteFileAtomic(s.file, []byte(renderText(v))); err != nil {
			errs = append(errs, err)
		}
	}
	if s.out != nil {
		if _, err := fmt.Fprintln(s.out, renderLine(v)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Debugf appends a diagnostic line when debug mode is on.
func (s *Sink) Debugf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugfLocked(format, args...)
}

func (s *Sink) debugfLocked(format string, args ...any) {
	if !s.debug {
		return
	}
	line := s.now().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...)
	s.ring = append(s.ring, line)
	if len(s.ring) > debugLines {
		s.ring = s.ring[len(s.ring)-debugLines:]
	}
}

// DebugLines returns the retained diagnostic lines, oldest first.
func (s *Sink) DebugLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ring...)
}

func renderText(v reconcile.View) string {
	if v.Original != "" && v.Text != "" {
		return v.Original + "\n" + v.Text
	}
	return v.Text
}

func renderLine(v reconcile.View) string {
	var b strings.Builder
	switch {
	case v.Translating:
		b.WriteString("… ")
	case !v.Listening:
		b.WriteString("■ ")
	}
	if v.Original != "" {
		b.WriteString(v.Original)
		b.WriteString(" / ")
	}
	b.WriteString(v.Text)
	return b.String()
}
