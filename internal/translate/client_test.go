package translate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubService struct {
	name  string
	out   string
	err   error
	delay time.Duration
	calls atomic.Int32
}

func (s *stubService) Name() string           { return s.name }
func (s *stubService) Timeout() time.Duration { return 50 * time.Millisecond }
func (s *stubService) Translate(ctx context.Context, text, _, _ string) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.out, s.err
}

func newClient(t *testing.T, services ...Service) *Client {
	t.Helper()
	cfg := config.Default().Translate
	cfg.MinIntervalMS = 0
	c, err := New(cfg, testLogger(), WithServices(services...))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestSameLanguageIsNoop(t *testing.T) {
	svc := &stubService{name: "stub", out: "never"}
	c := newClient(t, svc)
	res := c.Translate(context.Background(), "hello", "en", "en-US")
	if res.Text != "hello" || res.Origin != OriginPassthrough {
		t.Fatalf("expected passthrough, got %+v", res)
	}
	if svc.calls.Load() != 0 {
		t.Fatal("same-language translation must not call services")
	}
	if res := c.Translate(context.Background(), "   ", "en", "ko"); res.Origin != OriginPassthrough {
		t.Fatalf("blank text should pass through, got %+v", res)
	}
}

func TestFirstUsefulServiceWins(t *testing.T) {
	failing := &stubService{name: "down", err: errors.New("boom")}
	echo := &stubService{name: "echo", out: "안녕하세요 친구"}
	good := &stubService{name: "good", out: "Hello friend"}
	never := &stubService{name: "never", out: "unused"}
	c := newClient(t, failing, echo, good, never)

	res := c.Translate(context.Background(), "안녕하세요 친구", "en", "ko-KR")
	if res.Text != "Hello friend" || res.Origin != "good" {
		t.Fatalf("unexpected result %+v", res)
	}
	if never.calls.Load() != 0 {
		t.Fatal("chain should stop at the first useful result")
	}
}

func TestCacheHit(t *testing.T) {
	svc := &stubService{name: "svc", out: "Thanks"}
	c := newClient(t, svc)
	c.Translate(context.Background(), "고마워", "en", "ko")
	res := c.Translate(context.Background(), "  고마워 ", "en", "ko")
	if res.Origin != OriginCache || res.Text != "Thanks" {
		t.Fatalf("expected cache hit, got %+v", res)
	}
	if svc.calls.Load() != 1 {
		t.Fatalf("expected a single service call, got %d", svc.calls.Load())
	}
}

func TestFallbackChainKeywordExactMatch(t *testing.T) {
	slow := &stubService{name: "slow", out: "late", delay: time.Second}
	failing := &stubService{name: "down", err: errors.New("unreachable")}
	c := newClient(t, slow, failing)

	res := c.Translate(context.Background(), "감사합니다", "en", "ko")
	if res.Text != "Thank you" || res.Origin != OriginKeyword {
		t.Fatalf("expected keyword fallback, got %+v", res)
	}
}

func TestFallbackChainReturnsOriginal(t *testing.T) {
	c := newClient(t, &stubService{name: "down", err: errors.New("unreachable")})
	res := c.Translate(context.Background(), "xyz", "en", "ko")
	if res.Text != "xyz" || res.Origin != OriginOriginal {
		t.Fatalf("expected original text, got %+v", res)
	}
}

func TestKeywordSubstringReplacesFirstMatch(t *testing.T) {
	table := DefaultKeywords()
	out, ok := table.Lookup("오늘 학교 가요", "ko", "en")
	if !ok || out != "오늘 school 가요" {
		t.Fatalf("unexpected substring result %q %v", out, ok)
	}
	out, ok = table.Lookup("안녕하세요 여러분", "ko", "en")
	if !ok || out != "Hello 여러분" {
		t.Fatalf("longer phrase should win over its prefix, got %q", out)
	}
	if _, ok := table.Lookup("hello", "en", "ko"); ok {
		t.Fatal("unknown pair must not match")
	}
}

func TestKeywordFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keywords.yaml")
	data := []byte(`
pairs:
  - source: ko
    target: en
    entries:
      - from: 감사합니다
        to: Thanks a lot
  - source: en
    target: ko
    entries:
      - from: hello
        to: 안녕하세요
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	table := DefaultKeywords()
	if err := table.LoadKeywordFile(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if out, _ := table.Lookup("감사합니다", "ko", "en"); out != "Thanks a lot" {
		t.Fatalf("file entry should take precedence, got %q", out)
	}
	if out, _ := table.Lookup("hello", "en", "ko"); out != "안녕하세요" {
		t.Fatalf("new pair not loaded, got %q", out)
	}
}

func TestMyMemoryRetriesOnceOn429(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("langpair") != "ko|en" {
			t.Errorf("unexpected langpair %q", r.URL.Query().Get("langpair"))
		}
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"responseStatus":"200","responseData":{"translatedText":"Hello"}}`))
	}))
	defer srv.Close()

	mm := NewMyMemory(srv.URL, time.Second, srv.Client())
	mm.retryDelay = 10 * time.Millisecond
	out, err := mm.Translate(context.Background(), "안녕하세요", "ko", "en")
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if out != "Hello" || hits.Load() != 2 {
		t.Fatalf("expected retry success, got %q after %d hits", out, hits.Load())
	}
}

func TestMyMemoryGivesUpAfterSecond429(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	mm := NewMyMemory(srv.URL, time.Second, srv.Client())
	mm.retryDelay = 10 * time.Millisecond
	if _, err := mm.Translate(context.Background(), "x", "ko", "en"); err == nil {
		t.Fatal("expected error")
	}
	if hits.Load() != 2 {
		t.Fatalf("expected exactly two attempts, got %d", hits.Load())
	}
}

func TestLibreTranslate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req libreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.Source != "ko" || req.Target != "en" || req.Format != "text" {
			t.Errorf("unexpected request %+v", req)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"translatedText": "Good morning"})
	}))
	defer srv.Close()

	lt := NewLibreTranslate(srv.URL, time.Second, srv.Client())
	out, err := lt.Translate(context.Background(), "좋은 아침", "ko", "en")
	if err != nil || out != "Good morning" {
		t.Fatalf("unexpected %q %v", out, err)
	}
}

func TestOllamaStreamsTranslation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte("{\"response\":\"\\\"Good \",\"done\":false}\n{\"response\":\"night\\\"\",\"done\":true}\n"))
	}))
	defer srv.Close()

	o := NewOllama(srv.URL, "", time.Second, srv.Client())
	out, err := o.Translate(context.Background(), "잘 자", "ko", "en")
	if err != nil || out != "Good night" {
		t.Fatalf("unexpected %q %v", out, err)
	}
}

func TestServiceTimeoutFallsThrough(t *testing.T) {
	slow := &stubService{name: "slow", out: "late", delay: time.Second}
	fast := &stubService{name: "fast", out: "on time"}
	c := newClient(t, slow, fast)
	start := time.Now()
	res := c.Translate(context.Background(), "텍스트", "en", "ko")
	if res.Origin != "fast" {
		t.Fatalf("expected fallthrough to fast service, got %+v", res)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatal("per-service timeout was not applied")
	}
}

func TestSplitSentences(t *testing.T) {
	chunks := SplitSentences("첫 문장입니다. 두 번째 문장! 세 번째?", 10)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %q", chunks)
	}
	if chunks[0] != "첫 문장입니다." {
		t.Fatalf("terminators should be kept, got %q", chunks[0])
	}
	if got := SplitSentences("short", 200); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text should be one chunk, got %q", got)
	}
}

func TestTranslateLong(t *testing.T) {
	svc := &stubService{name: "svc", out: "X"}
	c := newClient(t, svc)
	res := c.TranslateLong(context.Background(), "하나. 둘. 셋.", "en", "ko", 4)
	if res.Text != "X X X" {
		t.Fatalf("unexpected joined result %q", res.Text)
	}
	if svc.calls.Load() != 3 {
		t.Fatalf("expected one call per chunk, got %d", svc.calls.Load())
	}
}

func TestSpeechLocaleToLanguage(t *testing.T) {
	cases := map[string]string{"ko-KR": "ko", "en-US": "en", "ja-JP": "ja", "zh-CN": "zh", "es-ES": "es", "fr-FR": "fr", "": "ko", "de": "de"}
	for in, want := range cases {
		if got := SpeechLocaleToLanguage(in); got != want {
			t.Errorf("SpeechLocaleToLanguage(%q) = %q, want %q", in, got, want)
		}
	}
	if !IsLanguageSupported("ja") || IsLanguageSupported("xx") {
		t.Fatal("unexpected supported language result")
	}
	if len(SupportedLanguages()) != 10 {
		t.Fatal("expected 10 supported languages")
	}
}
