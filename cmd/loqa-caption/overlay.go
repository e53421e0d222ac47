package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/loqalabs/loqa-captions/internal/overlay"
)

// defaultOBSFile is where obs hosts read the caption when no output file is
// configured.
const defaultOBSFile = "caption.txt"

func runOverlay(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var (
		c            common
		params       overlay.Params
		host         string
		transport    string
		output       string
		quiet        bool
		noDissolve   bool
		dissolveTime int
	)
	fs := newFlagSet("overlay", stderr, &c)
	fs.StringVar(&params.Source, "source", "", "Expected source language")
	fs.StringVar(&params.Target, "target", "", "Expected target language")
	fs.BoolVar(&params.ShowOriginal, "show-original", false, "Render the original above the translation")
	fs.BoolVar(&params.Debug, "debug", false, "Print diagnostic lines")
	fs.StringVar(&host, "host", string(overlay.HostBrowser), "Render host (browser|obs)")
	fs.StringVar(&transport, "transport", "", "Push transport (sse|ws|poll)")
	fs.StringVar(&output, "out", "", "Write the displayed caption to this file")
	fs.BoolVar(&quiet, "quiet", false, "Do not print captions to stdout")
	fs.BoolVar(&noDissolve, "no-dissolve", false, "Keep captions on screen until replaced")
	fs.IntVar(&dissolveTime, "dissolve-after", 0, "Seconds before an idle caption dissolves")
	if err := parse(fs, args); err != nil {
		return err
	}

	cfg, err := c.load()
	if err != nil {
		return err
	}
	switch transport {
	case "":
	case "sse", "ws", "poll":
		cfg.Overlay.Transport = transport
	default:
		fmt.Fprintf(stderr, "overlay: unknown transport %q\n", transport)
		return errUsage
	}
	if noDissolve {
		cfg.Overlay.EnableAutoDissolve = false
	}
	if dissolveTime > 0 {
		cfg.Overlay.AutoDissolveTime = dissolveTime
	}
	log := newLogger(cfg, stderr)

	params.SessionID, err = c.session(cfg)
	if err != nil {
		return err
	}
	params.Host = overlay.HostBrowser
	if host == string(overlay.HostOBS) {
		params.Host = overlay.HostOBS
	}

	file := output
	if file == "" {
		file = cfg.Overlay.OutputFile
	}
	if file == "" && params.Host == overlay.HostOBS {
		file = defaultOBSFile
	}
	var out io.Writer = stdout
	if quiet {
		out = nil
	}
	sink := overlay.NewSink(file, out, params.Debug)

	busClient := connectBus(ctx, cfg, "loqa-caption-overlay", log)
	defer busClient.Close()

	log.Info("overlay following session",
		slog.String("session_id", params.SessionID),
		slog.String("server", cfg.Overlay.ServerURL),
		slog.String("transport", cfg.Overlay.Transport),
		slog.String("host", string(params.Host)),
		slog.String("file", file))

	consumer := overlay.NewConsumer(cfg.Overlay, params, busClient, sink, log)
	err = consumer.Run(ctx)
	if params.Debug {
		for _, line := range sink.DebugLines() {
			fmt.Fprintln(stderr, line)
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
