package translate

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/loqalabs/loqa-captions/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Origins reported in Result.
const (
	OriginPassthrough = "passthrough"
	OriginCache       = "cache"
	OriginKeyword     = "keyword"
	OriginOriginal    = "original"
)

// Result is a translation and where it came from.
type Result struct {
	Text   string `json:"translatedText"`
	Origin string `json:"origin"`
}

// Client runs the cache, service chain and keyword fallback. It never returns
// an error for a failed translation; the input text comes back instead.
type Client struct {
	services []Service
	keywords *KeywordTable
	cache    *expirable.LRU[string, string]
	limiter  *rate.Limiter
	log      *slog.Logger
	tracer   trace.Tracer

	requests  metric.Int64Counter
	failures  metric.Int64Counter
	durations metric.Float64Histogram
}

type Option func(*Client)

// WithServices replaces the configured service chain.
func WithServices(services ...Service) Option {
	return func(c *Client) { c.services = services }
}

func WithKeywords(t *KeywordTable) Option {
	return func(c *Client) { c.keywords = t }
}

// New builds a client from config. Services are created in the configured order.
func New(cfg config.TranslateConfig, log *slog.Logger, opts ...Option) (*Client, error) {
	c := &Client{
		keywords: DefaultKeywords(),
		log:      log.With(slog.String("component", "translate")),
		tracer:   otel.Tracer("github.com/loqalabs/loqa-captions/translate"),
	}

	if cfg.KeywordFile != "" {
		if err := c.keywords.LoadKeywordFile(cfg.KeywordFile); err != nil {
			return nil, err
		}
	}

	httpClient := &http.Client{Transport: http.DefaultTransport}
	for _, name := range cfg.Services {
		switch name {
		case "mymemory":
			c.services = append(c.services, NewMyMemory(cfg.MyMemoryURL, ms(cfg.MyMemoryTimeoutMS, 1500), httpClient))
		case "libretranslate":
			for _, u := range cfg.LibreURLs {
				c.services = append(c.services, NewLibreTranslate(u, ms(cfg.LibreTimeoutMS, 2000), httpClient))
			}
		case "ollama":
			c.services = append(c.services, NewOllama(cfg.OllamaEndpoint, cfg.OllamaModel, ms(cfg.OllamaTimeoutMS, 3000), httpClient))
		}
	}

	if cfg.CacheSize > 0 {
		c.cache = expirable.NewLRU[string, string](cfg.CacheSize, nil, ms(cfg.CacheTTLMS, 30000))
	}
	if cfg.MinIntervalMS > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Duration(cfg.MinIntervalMS)*time.Millisecond), 1)
	}

	for _, opt := range opts {
		opt(c)
	}
	c.initMetrics()
	return c, nil
}

func ms(v, def int) time.Duration {
	if v <= 0 {
		v = def
	}
	return time.Duration(v) * time.Millisecond
}

func (c *Client) initMetrics() {
	meter := otel.Meter("github.com/loqalabs/loqa-captions/translate")
	var err error
	if c.requests, err = meter.Int64Counter("captions_translate_requests_total",
		metric.WithDescription("Translations by origin")); err != nil {
		c.log.Warn("failed to create translate counter", slog.String("error", err.Error()))
	}
	if c.failures, err = meter.Int64Counter("captions_translate_service_failures_total",
		metric.WithDescription("Failed translation service calls")); err != nil {
		c.log.Warn("failed to create failure counter", slog.String("error", err.Error()))
	}
	if c.durations, err = meter.Float64Histogram("captions_translate_duration_ms",
		metric.WithDescription("End-to-end translation latency"), metric.WithUnit("ms")); err != nil {
		c.log.Warn("failed to create duration histogram", slog.String("error", err.Error()))
	}
}

// Services lists the active service names in order.
func (c *Client) Services() []string {
	names := make([]string, 0, len(c.services))
	for _, s := range c.services {
		names = append(names, s.Name())
	}
	return names
}

func cacheKey(text, source, target string) string {
	return source + ":" + target + ":" + strings.ToLower(strings.TrimSpace(text))
}

// Translate converts text from sourceLang to targetLang. Locales such as
// "ko-KR" are accepted.
func (c *Client) Translate(ctx context.Context, text, targetLang, sourceLang string) Result {
	source := SpeechLocaleToLanguage(sourceLang)
	target := SpeechLocaleToLanguage(targetLang)

	if source == target || strings.TrimSpace(text) == "" {
		return Result{Text: text, Origin: OriginPassthrough}
	}

	ctx, span := c.tracer.Start(ctx, "translate",
		trace.WithAttributes(attribute.String("source", source), attribute.String("target", target)))
	defer span.End()
	start := time.Now()

	res := c.resolve(ctx, text, source, target)

	span.SetAttributes(attribute.String("origin", res.Origin))
	if c.requests != nil {
		c.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("origin", res.Origin)))
	}
	if c.durations != nil {
		c.durations.Record(ctx, float64(time.Since(start).Milliseconds()))
	}
	return res
}

func (c *Client) resolve(ctx context.Context, text, source, target string) Result {
	key := cacheKey(text, source, target)
	if c.cache != nil {
		if cached, ok := c.cache.Get(key); ok {
			return Result{Text: cached, Origin: OriginCache}
		}
	}

	for _, svc := range c.services {
		if ctx.Err() != nil {
			break
		}
		out, err := c.call(ctx, svc, text, source, target)
		if err != nil {
			c.log.Debug("translation service failed",
				slog.String("service", svc.Name()), slog.String("error", err.Error()))
			if c.failures != nil {
				c.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("service", svc.Name())))
			}
			continue
		}
		if out == "" || out == text {
			continue
		}
		c.store(key, out)
		return Result{Text: out, Origin: svc.Name()}
	}

	if out, ok := c.keywords.Lookup(text, source, target); ok {
		c.store(key, out)
		return Result{Text: out, Origin: OriginKeyword}
	}

	c.log.Warn("all translation paths failed, returning original text",
		slog.String("source", source), slog.String("target", target))
	return Result{Text: text, Origin: OriginOriginal}
}

func (c *Client) call(ctx context.Context, svc Service, text, source, target string) (string, error) {
	timeout := svc.Timeout()
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if c.limiter != nil {
		if err := c.limiter.Wait(callCtx); err != nil {
			return "", err
		}
	}
	return svc.Translate(callCtx, text, source, target)
}

func (c *Client) store(key, value string) {
	if c.cache != nil {
		c.cache.Add(key, value)
	}
}

var sentenceEnd = regexp.MustCompile(`[^.!?。！？]*[.!?。！？]+|[^.!?。！？]+$`)

// SplitSentences breaks text into chunks no longer than maxLen runes, cutting
// only at sentence terminators. A single sentence longer than maxLen is kept
// whole.
func SplitSentences(text string, maxLen int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxLen <= 0 || len([]rune(text)) <= maxLen {
		return []string{text}
	}
	var chunks []string
	var current strings.Builder
	for _, sentence := range sentenceEnd.FindAllString(text, -1) {
		if current.Len() > 0 && len([]rune(current.String()+sentence)) > maxLen {
			if chunk := strings.TrimSpace(current.String()); chunk != "" {
				chunks = append(chunks, chunk)
			}
			current.Reset()
		}
		current.WriteString(sentence)
	}
	if chunk := strings.TrimSpace(current.String()); chunk != "" {
		chunks = append(chunks, chunk)
	}
	return chunks
}

// TranslateLong translates text in sentence chunks of at most maxLen runes and
// joins the results with spaces.
func (c *Client) TranslateLong(ctx context.Context, text, targetLang, sourceLang string, maxLen int) Result {
	if maxLen <= 0 {
		maxLen = 200
	}
	chunks := SplitSentences(text, maxLen)
	if len(chunks) <= 1 {
		return c.Translate(ctx, text, targetLang, sourceLang)
	}
	parts := make([]string, 0, len(chunks))
	origin := ""
	for _, chunk := range chunks {
		res := c.Translate(ctx, chunk, targetLang, sourceLang)
		parts = append(parts, res.Text)
		switch {
		case origin == "":
			origin = res.Origin
		case origin != res.Origin:
			origin = "mixed"
		}
	}
	return Result{Text: strings.Join(parts, " "), Origin: origin}
}
