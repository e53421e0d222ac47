package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/producer"
	"github.com/loqalabs/loqa-captions/internal/recognition"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

func runSpeak(ctx context.Context, args []string, _ io.Writer, stderr io.Writer) error {
	var (
		c        common
		language string
		target   string
		mode     string
		noHTTP   bool
		noFile   bool
		interim  bool
	)
	fs := newFlagSet("speak", stderr, &c)
	fs.StringVar(&language, "lang", "", "Recognition language, e.g. ko-KR")
	fs.StringVar(&target, "target", "", "Translation target language")
	fs.StringVar(&mode, "mode", "", "Recognition backend (lines|exec|whisper|hybrid|mock)")
	fs.BoolVar(&noHTTP, "no-http", false, "Do not post captions to the server")
	fs.BoolVar(&noFile, "no-file", false, "Do not write the local sync file")
	fs.BoolVar(&interim, "interim", true, "Publish interim results")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	if mode != "" {
		cfg.Recognition.Mode = mode
	}
	if language != "" {
		cfg.Recognition.Language = language
	}
	if target != "" {
		cfg.Producer.TargetLanguage = target
	}
	cfg.Producer.PublishInterim = interim
	log := newLogger(cfg, stderr)

	id, err := c.session(cfg)
	if err != nil {
		return err
	}

	backend, err := recognition.NewBackend(cfg.Recognition, os.Stdin, log)
	if err != nil {
		return fmt.Errorf("recognition backend: %w", err)
	}
	adapter := recognition.NewAdapter(backend, cfg.Recognition, log)
	defer adapter.Close()

	translator, err := translate.New(cfg.Translate, log)
	if err != nil {
		return err
	}

	busClient := connectBus(ctx, cfg, "loqa-caption-speak", log)
	defer busClient.Close()

	var channels []fanout.Channel
	if !noHTTP && cfg.Producer.ServerURL != "" {
		channels = append(channels, fanout.NewHTTPChannel(cfg.Producer.ServerURL, time.Duration(cfg.Producer.RequestTimeout)*time.Millisecond, nil))
	}
	if busClient != nil {
		channels = append(channels, fanout.NewBusChannel(busClient))
	}
	if !noFile && cfg.Producer.SyncDir != "" {
		channels = append(channels, fanout.NewFileChannel(cfg.Producer.SyncDir))
	}
	if len(channels) == 0 {
		fmt.Fprintln(stderr, "speak: every output channel is disabled")
		return errUsage
	}

	pub := fanout.NewPublisher(id, time.Duration(cfg.Producer.DebounceMS)*time.Millisecond, log, channels...)
	ctrl := producer.NewController(adapter, translator, pub, busClient, cfg.Producer, log)

	log.Info("speaking",
		slog.String("session_id", id),
		slog.String("language", cfg.Recognition.Language),
		slog.String("target", ctrl.Target()),
		slog.String("mode", backend.Name()),
		slog.Int("channels", len(channels)))

	if err := ctrl.Run(ctx, cfg.Recognition.Language); err != nil {
		return fmt.Errorf("recognition stopped: %w", err)
	}
	return nil
}
