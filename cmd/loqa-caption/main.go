package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/producer"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

var version = "0.1.0-dev"

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage error")

const usage = `usage: loqa-caption <command> [flags]

commands:
  speak     recognize speech, translate and publish captions
  overlay   follow a session and render its caption
  push      send one caption update
  clear     stop a session and clear its caption
  session   print (or create) the local session id
  version   print the version
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch args[0] {
	case "speak":
		err = runSpeak(ctx, args[1:], stdout, stderr)
	case "overlay":
		err = runOverlay(ctx, args[1:], stdout, stderr)
	case "push":
		err = runPush(ctx, args[1:], stdout, stderr)
	case "clear":
		err = runClear(ctx, args[1:], stdout, stderr)
	case "session":
		err = runSession(args[1:], stdout, stderr)
	case "version":
		fmt.Fprintln(stdout, version)
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return exitUsage
	default:
		fmt.Fprintln(stderr, err)
		return exitError
	}
}

// common holds the flags every networked command shares.
type common struct {
	configPath string
	sessionID  string
	server     string
	logLevel   string
}

func newFlagSet(name string, stderr io.Writer, c *common) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&c.sessionID, "session", "", "Session id (defaults to the persisted local id)")
	fs.StringVar(&c.server, "server", "", "Caption server base URL")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level override (debug|info|warn|error)")
	return fs
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		fmt.Fprintf(fs.Output(), "unexpected arguments: %s\n", strings.Join(fs.Args(), " "))
		return errUsage
	}
	return nil
}

func (c *common) load() (config.Config, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, err
	}
	if c.server != "" {
		cfg.Producer.ServerURL = c.server
		cfg.Overlay.ServerURL = c.server
	}
	if c.logLevel != "" {
		cfg.Telemetry.LogLevel = c.logLevel
	}
	return cfg, nil
}

// session resolves the explicit id or the persisted one.
func (c *common) session(cfg config.Config) (string, error) {
	if id := strings.TrimSpace(c.sessionID); id != "" {
		return id, nil
	}
	return producer.LoadOrCreateSessionID(cfg.Producer.SessionFile)
}

func newLogger(cfg config.Config, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// connectBus dials an external NATS bus when one is configured. The embedded
// broker belongs to captiond, so the CLI only joins it. Failures leave the
// command on HTTP alone.
func connectBus(ctx context.Context, cfg config.Config, name string, log *slog.Logger) *bus.Client {
	if !cfg.Bus.Enabled || len(cfg.Bus.Servers) == 0 {
		return nil
	}
	client, err := bus.Connect(ctx, cfg.Bus, name, log.With(slog.String("component", "bus")))
	if err != nil {
		log.Warn("bus unavailable, continuing without it", slog.String("error", err.Error()))
		return nil
	}
	return client
}

func runPush(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		c          common
		original   string
		translated string
		source     string
		target     string
		interim    bool
	)
	fs := newFlagSet("push", stderr, &c)
	fs.StringVar(&original, "text", "", "Original caption text")
	fs.StringVar(&translated, "translated", "", "Translated caption text")
	fs.StringVar(&source, "source", "ko", "Source language")
	fs.StringVar(&target, "target", "en", "Target language")
	fs.BoolVar(&interim, "interim", false, "Mark the caption as an interim result")
	if err := parse(fs, args); err != nil {
		return err
	}
	if strings.TrimSpace(original) == "" && strings.TrimSpace(translated) == "" {
		fmt.Fprintln(stderr, "push: -text or -translated is required")
		return errUsage
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	id, err := c.session(cfg)
	if err != nil {
		return err
	}
	state := protocol.CaptionState{
		OriginalText:   original,
		TranslatedText: translated,
		IsListening:    true,
		IsTranslating:  interim,
		SourceLanguage: source,
		TargetLanguage: target,
		Status:         protocol.StatusListening,
		Timestamp:      protocol.NowMillis(),
	}
	return post(ctx, cfg, id, state, !interim, stdout)
}

func runClear(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var c common
	fs := newFlagSet("clear", stderr, &c)
	if err := parse(fs, args); err != nil {
		return err
	}
	cfg, err := c.load()
	if err != nil {
		return err
	}
	id, err := c.session(cfg)
	if err != nil {
		return err
	}
	state := protocol.CaptionState{
		Status:    protocol.StatusStopped,
		Timestamp: protocol.NowMillis(),
	}
	return post(ctx, cfg, id, state, true, stdout)
}

func post(ctx context.Context, cfg config.Config, sessionID string, state protocol.CaptionState, final bool, stdout io.Writer) error {
	ch := fanout.NewHTTPChannel(cfg.Producer.ServerURL, time.Duration(cfg.Producer.RequestTimeout)*time.Millisecond, nil)
	resp, err := ch.Post(ctx, sessionID, state, final)
	if err != nil {
		return fmt.Errorf("post caption: %w", err)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runSession(args []string, stdout, stderr io.Writer) error {
	var (
		configPath string
		rotate     bool
	)
	fs := flag.NewFlagSet("session", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&configPath, "config", "", "Path to configuration file")
	fs.BoolVar(&rotate, "new", false, "Discard the persisted id and create a new one")
	if err := parse(fs, args); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if rotate {
		if err := os.Remove(cfg.Producer.SessionFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove session file: %w", err)
		}
	}
	id, err := producer.LoadOrCreateSessionID(cfg.Producer.SessionFile)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, id)
	return nil
}
