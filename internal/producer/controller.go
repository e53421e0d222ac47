package producer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/fanout"
	"github.com/loqalabs/loqa-captions/internal/presence"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/loqalabs/loqa-captions/internal/recognition"
	"github.com/loqalabs/loqa-captions/internal/translate"
)

const (
	heartbeatInterval = 2 * time.Second
	queueSize         = 64
)

// ErrAlreadyRunning is returned by Run when the controller is already running.
var ErrAlreadyRunning = errors.New("producer: already running")

// Recognizer is the part of recognition.Adapter the controller drives.
type Recognizer interface {
	Subscribe(obs recognition.Observer) (func(), error)
	Start(language string) bool
	Stop()
	SetLanguage(lang string)
	Language() string
}

// Translator turns recognized text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLang, sourceLang string) translate.Result
}

type jobKind int

const (
	jobInterim jobKind = iota
	jobFinal
	jobStatus
	jobFlush
)

type job struct {
	kind  jobKind
	text  string
	epoch uint64
	done  chan struct{}
}

// Controller turns recognition results into published caption states.
// Interims are published untranslated with isTranslating set; finals are
// translated first. Publishing happens on one worker goroutine so captions
// reach the channels in recognition order.
type Controller struct {
	rec        Recognizer
	translator Translator
	pub        *fanout.Publisher
	bus        *bus.Client
	cfg        config.ProducerConfig
	producerID string
	log        *slog.Logger

	jobs chan job

	mu        sync.Mutex
	running   bool
	listening bool
	epoch     uint64
	target    string
	status    string
	lastErr   *recognition.Error
	ended     chan struct{}
	endOnce   *sync.Once
	workerCtx context.Context
}

// NewController wires a recognizer, a translator and a publisher. busClient
// may be nil, in which case no presence heartbeats are sent.
func NewController(rec Recognizer, translator Translator, pub *fanout.Publisher, busClient *bus.Client, cfg config.ProducerConfig, log *slog.Logger) *Controller {
	target := cfg.TargetLanguage
	if target == "" {
		target = "en"
	}
	return &Controller{
		rec:        rec,
		translator: translator,
		pub:        pub,
		bus:        busClient,
		cfg:        cfg,
		producerID: uuid.NewString(),
		log:        log.With(slog.String("component", "producer"), slog.String("session_id", pub.SessionID())),
		jobs:       make(chan job, queueSize),
		target:     target,
		status:     protocol.StatusIdle,
	}
}

// SessionID returns the session the controller publishes to.
func (c *Controller) SessionID() string { return c.pub.SessionID() }

// Run starts listening in language and blocks until ctx is cancelled or
// recognition ends by itself. A fatal recognition error is returned.
func (c *Controller) Run(ctx context.Context, language string) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.ended = make(chan struct{})
	c.endOnce = &sync.Once{}
	c.lastErr = nil
	c.workerCtx = ctx
	ended := c.ended
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
	}()

	unsubscribe, err := c.rec.Subscribe(c)
	if err != nil {
		return err
	}
	defer unsubscribe()

	// the worker outlives ctx long enough to flush queued results
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.work(runCtx)
	}()
	if c.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			presence.RunHeartbeat(runCtx, c.bus, c.SessionID(), c.producerID, heartbeatInterval, c.log)
		}()
	}

	c.mu.Lock()
	c.epoch++
	c.listening = true
	c.mu.Unlock()

	if !c.rec.Start(language) {
		c.publishStopped(ctx, protocol.StatusError)
		cancel()
		wg.Wait()
		return &recognition.Error{Code: recognition.CodeUnsupported, Err: recognition.ErrNoBackend}
	}
	c.log.Info("producer started", slog.String("language", language), slog.String("target", c.Target()))

	select {
	case <-ctx.Done():
		c.Stop()
	case <-ended:
	}
	stopCtx, stopCancel := context.WithTimeout(runCtx, 3*time.Second)
	defer stopCancel()
	c.flush(stopCtx)
	c.mu.Lock()
	c.listening = false
	c.epoch++
	c.mu.Unlock()
	c.publishStopped(stopCtx, protocol.StatusStopped)
	cancel()
	wg.Wait()
	c.log.Info("producer stopped")

	c.mu.Lock()
	lastErr := c.lastErr
	c.mu.Unlock()
	if lastErr != nil {
		return lastErr
	}
	return nil
}

// Stop stops listening and discards results still queued. Run publishes the
// cleared state and returns once recognition has ended.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.listening = false
	c.epoch++
	c.mu.Unlock()
	c.rec.Stop()
}

// SetSourceLanguage switches the recognition language.
func (c *Controller) SetSourceLanguage(lang string) {
	c.rec.SetLanguage(lang)
}

// SetTargetLanguage changes the translation target for later results.
func (c *Controller) SetTargetLanguage(lang string) {
	if lang == "" {
		return
	}
	c.mu.Lock()
	c.target = lang
	c.mu.Unlock()
}

func (c *Controller) Target() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.target
}

// OnInterim implements recognition.Observer.
func (c *Controller) OnInterim(text string) {
	if !c.cfg.PublishInterim {
		return
	}
	c.enqueue(jobInterim, text)
}

// OnResult implements recognition.Observer.
func (c *Controller) OnResult(text string) {
	c.enqueue(jobFinal, text)
}

// OnError implements recognition.Observer.
func (c *Controller) OnError(err *recognition.Error) {
	c.log.Warn("recognition error", slog.String("code", string(err.Code)), slogError(err))
	c.mu.Lock()
	c.lastErr = err
	c.listening = false
	c.epoch++
	c.mu.Unlock()
	c.publishStopped(c.ctx(), protocol.StatusError)
}

// OnStatus implements recognition.Observer. The stopped label is published
// by Run after queued results are out.
func (c *Controller) OnStatus(label string) {
	c.mu.Lock()
	c.status = label
	listening := c.listening
	c.mu.Unlock()

	if listening && label != protocol.StatusStopped {
		c.enqueue(jobStatus, "")
	}
}

// OnEnd implements recognition.Observer.
func (c *Controller) OnEnd() {
	c.mu.Lock()
	once, ended := c.endOnce, c.ended
	c.mu.Unlock()
	if once != nil {
		once.Do(func() { close(ended) })
	}
}

func (c *Controller) ctx() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.workerCtx == nil {
		return context.Background()
	}
	return context.WithoutCancel(c.workerCtx)
}

func (c *Controller) enqueue(kind jobKind, text string) {
	c.mu.Lock()
	j := job{kind: kind, text: text, epoch: c.epoch}
	c.mu.Unlock()
	select {
	case c.jobs <- j:
	default:
		if kind == jobFinal {
			c.log.Warn("caption queue full, dropping final result")
			return
		}
		c.log.Debug("caption queue full, dropping interim")
	}
}

// flush waits until the worker has handled everything queued before it.
func (c *Controller) flush(ctx context.Context) {
	done := make(chan struct{})
	select {
	case c.jobs <- job{kind: jobFlush, done: done}:
	case <-ctx.Done():
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (c *Controller) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-c.jobs:
			c.handle(ctx, j)
		}
	}
}

func (c *Controller) handle(ctx context.Context, j job) {
	if j.kind == jobFlush {
		close(j.done)
		return
	}
	c.mu.Lock()
	current := j.epoch == c.epoch && c.listening
	source := c.rec.Language()
	target := c.target
	status := c.status
	c.mu.Unlock()
	if !current {
		return
	}

	state := protocol.CaptionState{
		IsListening:    true,
		SourceLanguage: source,
		TargetLanguage: target,
		Status:         status,
	}
	final := false
	switch j.kind {
	case jobInterim:
		state.OriginalText = j.text
		state.IsTranslating = true
		state.Status = protocol.StatusTranslating
	case jobFinal:
		res := c.translator.Translate(ctx, j.text, target, source)
		state.OriginalText = j.text
		state.TranslatedText = res.Text
		final = true
		c.log.Debug("caption translated", slog.String("origin", res.Origin))
		// a stop while translating wins over the late result
		c.mu.Lock()
		current = j.epoch == c.epoch && c.listening
		c.mu.Unlock()
		if !current {
			return
		}
	case jobStatus:
		// the label alone; an overlay may have dissolved the caption since
		c.pub.PublishStatus(ctx, protocol.Patch{
			Status:         &state.Status,
			SourceLanguage: &state.SourceLanguage,
			TargetLanguage: &state.TargetLanguage,
		})
		return
	}
	c.pub.Publish(ctx, state, final)
}

func (c *Controller) publishStopped(ctx context.Context, status string) {
	c.mu.Lock()
	state := protocol.CaptionState{
		IsListening:    false,
		SourceLanguage: c.rec.Language(),
		TargetLanguage: c.target,
		Status:         status,
	}
	if c.lastErr != nil {
		state.Error = string(c.lastErr.Code)
	}
	c.mu.Unlock()
	c.pub.Publish(ctx, state, true)
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
