package recognition

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/mattn/go-shellwords"
)

// NewBackend builds the backend selected by cfg.Mode. stdin feeds the lines
// backend.
func NewBackend(cfg config.RecognitionConfig, stdin io.Reader, log *slog.Logger) (Backend, error) {
	switch cfg.Mode {
	case "", "lines":
		return NewLinesBackend(stdin), nil
	case "exec":
		return NewExecBackend(cfg.Command)
	case "whisper":
		return NewWhisperBackend(cfg)
	case "hybrid":
		fallback, err := NewExecBackend(cfg.Command)
		if err != nil {
			return nil, err
		}
		preferred, err := NewWhisperBackend(cfg)
		if err != nil {
			log.Warn("whisper backend unavailable, using fallback", slogError(err))
			return fallback, nil
		}
		return NewHybridBackend(preferred, fallback, log), nil
	case "mock":
		return NewMockBackend(DemoScript()...), nil
	}
	return nil, fmt.Errorf("unknown recognition mode %q", cfg.Mode)
}

// LinesBackend treats every non-empty input line as a final result. The
// reader is consumed by a single goroutine shared across restarts, and its
// end stops the adapter.
type LinesBackend struct {
	r     io.Reader
	once  sync.Once
	lines chan string
	err   error
}

func NewLinesBackend(r io.Reader) *LinesBackend {
	return &LinesBackend{r: r, lines: make(chan string)}
}

func (b *LinesBackend) Name() string { return "lines" }

func (b *LinesBackend) Run(ctx context.Context, _ string, emit func(Event)) error {
	b.once.Do(func() { go b.read() })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-b.lines:
			if !ok {
				if b.err != nil {
					return &Error{Code: CodeAudioCapture, Err: b.err}
				}
				return io.EOF
			}
			emit(Event{Kind: EventFinal, Text: line})
		}
	}
}

func (b *LinesBackend) read() {
	scanner := bufio.NewScanner(b.r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		b.lines <- line
	}
	b.err = scanner.Err()
	close(b.lines)
}

// ExecBackend runs a streaming recognizer process. The process receives
// --language and prints one JSON event per line:
//
//	{"type":"interim","text":"..."}
//	{"type":"final","text":"..."}
//	{"type":"error","code":"no-speech"}
type ExecBackend struct {
	cmd []string
}

func NewExecBackend(command string) (*ExecBackend, error) {
	args, err := shellwords.NewParser().Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognition command is empty")
	}
	return &ExecBackend{cmd: args}, nil
}

func (b *ExecBackend) Name() string { return "exec" }

func (b *ExecBackend) Run(ctx context.Context, language string, emit func(Event)) error {
	args := append(append([]string{}, b.cmd[1:]...), "--language", language)
	command := exec.CommandContext(ctx, b.cmd[0], args...)
	var stderr strings.Builder
	command.Stderr = &stderr
	stdout, err := command.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recognizer stdout: %w", err)
	}
	if err := command.Start(); err != nil {
		return fmt.Errorf("start recognizer: %w", err)
	}

	var fatal error
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		if ev.Kind == EventError {
			rerr := &Error{Code: ev.Code, Message: ev.Text}
			if !rerr.Recoverable() {
				fatal = rerr
				break
			}
		}
		emit(ev)
	}
	if fatal != nil {
		_ = command.Process.Kill()
	}
	waitErr := command.Wait()

	switch {
	case fatal != nil:
		return fatal
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		return &Error{Code: CodeAborted, Message: strings.TrimSpace(stderr.String()), Err: waitErr}
	}
	return nil
}

// MockBackend replays a fixed script once per session, then returns Err or
// blocks until cancelled when Hold is set.
type MockBackend struct {
	Script []Event
	Err    error
	Hold   bool

	mu   sync.Mutex
	runs int
	last string
}

func NewMockBackend(script ...Event) *MockBackend {
	return &MockBackend{Script: script, Hold: true}
}

// DemoScript is the script used by mode "mock".
func DemoScript() []Event {
	return []Event{
		{Kind: EventInterim, Text: "안녕하세요 여러분 반갑습니다"},
		{Kind: EventFinal, Text: "안녕하세요 여러분 반갑습니다"},
		{Kind: EventFinal, Text: "감사합니다"},
	}
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Run(ctx context.Context, language string, emit func(Event)) error {
	b.mu.Lock()
	b.runs++
	b.last = language
	script := append([]Event(nil), b.Script...)
	hold, err := b.Hold, b.Err
	b.mu.Unlock()

	for _, ev := range script {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		emit(ev)
	}
	if err != nil {
		return err
	}
	if hold {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// Runs returns how many sessions have started.
func (b *MockBackend) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.runs
}

// LastLanguage returns the language of the most recent session.
func (b *MockBackend) LastLanguage() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last
}
