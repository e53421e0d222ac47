package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrEmptyResult = errors.New("translation service returned no text")
	errRateLimited = errors.New("rate limited")
)

// Service is one external translation backend.
type Service interface {
	Name() string
	Timeout() time.Duration
	Translate(ctx context.Context, text, source, target string) (string, error)
}

// MyMemory calls the MyMemory GET API. A 429 is retried once after 500ms.
type MyMemory struct {
	URL        string
	HTTP       *http.Client
	timeout    time.Duration
	retryDelay time.Duration
}

func NewMyMemory(endpoint string, timeout time.Duration, client *http.Client) *MyMemory {
	if client == nil {
		client = http.DefaultClient
	}
	return &MyMemory{URL: endpoint, HTTP: client, timeout: timeout, retryDelay: 500 * time.Millisecond}
}

func (m *MyMemory) Name() string           { return "mymemory" }
func (m *MyMemory) Timeout() time.Duration { return m.timeout }

type myMemoryResponse struct {
	ResponseStatus flexInt `json:"responseStatus"`
	ResponseData   struct {
		TranslatedText string `json:"translatedText"`
	} `json:"responseData"`
}

func (m *MyMemory) Translate(ctx context.Context, text, source, target string) (string, error) {
	q := url.Values{}
	q.Set("q", text)
	q.Set("langpair", source+"|"+target)
	endpoint := m.URL + "?" + q.Encode()

	op := func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := m.HTTP.Do(req)
		if err != nil {
			return "", backoff.Permanent(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			return "", errRateLimited
		}
		if resp.StatusCode >= 300 {
			return "", backoff.Permanent(fmt.Errorf("mymemory returned status %s", resp.Status))
		}
		var body myMemoryResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return "", backoff.Permanent(fmt.Errorf("decode mymemory response: %w", err))
		}
		if body.ResponseStatus != http.StatusOK || body.ResponseData.TranslatedText == "" {
			return "", backoff.Permanent(ErrEmptyResult)
		}
		return body.ResponseData.TranslatedText, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(m.retryDelay)),
		backoff.WithMaxTries(2))
}

// flexInt accepts both 200 and "200"; MyMemory uses either.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

// LibreTranslate posts to a LibreTranslate-compatible endpoint.
type LibreTranslate struct {
	URL     string
	APIKey  string
	HTTP    *http.Client
	timeout time.Duration
}

func NewLibreTranslate(endpoint string, timeout time.Duration, client *http.Client) *LibreTranslate {
	if client == nil {
		client = http.DefaultClient
	}
	return &LibreTranslate{URL: endpoint, HTTP: client, timeout: timeout}
}

func (l *LibreTranslate) Name() string           { return "libretranslate" }
func (l *LibreTranslate) Timeout() time.Duration { return l.timeout }

type libreRequest struct {
	Q      string `json:"q"`
	Source string `json:"source"`
	Target string `json:"target"`
	Format string `json:"format"`
	APIKey string `json:"api_key,omitempty"`
}

type libreResponse struct {
	TranslatedText string `json:"translatedText"`
	Translation    string `json:"translation"`
}

func (l *LibreTranslate) Translate(ctx context.Context, text, source, target string) (string, error) {
	payload, err := json.Marshal(libreRequest{Q: text, Source: source, Target: target, Format: "text", APIKey: l.APIKey})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.URL, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := l.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("libretranslate returned status %s", resp.Status)
	}
	var body libreResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode libretranslate response: %w", err)
	}
	if body.TranslatedText != "" {
		return body.TranslatedText, nil
	}
	if body.Translation != "" {
		return body.Translation, nil
	}
	return "", ErrEmptyResult
}

// Ollama asks a local model for a translation through /api/generate.
type Ollama struct {
	Endpoint string
	Model    string
	HTTP     *http.Client
	timeout  time.Duration
}

func NewOllama(endpoint, model string, timeout time.Duration, client *http.Client) *Ollama {
	if client == nil {
		client = http.DefaultClient
	}
	if model == "" {
		model = "llama3.2:latest"
	}
	return &Ollama{Endpoint: strings.TrimRight(endpoint, "/"), Model: model, HTTP: client, timeout: timeout}
}

func (o *Ollama) Name() string           { return "ollama" }
func (o *Ollama) Timeout() time.Duration { return o.timeout }

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	System  string        `json:"system,omitempty"`
	Stream  bool          `json:"stream"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaStreamResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (o *Ollama) Translate(ctx context.Context, text, source, target string) (string, error) {
	payload := ollamaRequest{
		Model: o.Model,
		System: "You translate live captions. Reply with the translation only, " +
			"no quotes, notes or explanations.",
		Prompt: fmt.Sprintf("Translate from %s to %s:\n%s", languageName(source), languageName(target), text),
		Stream: true,
		Options: ollamaOptions{
			NumPredict: 256,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.Endpoint+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("ollama returned status %s", resp.Status)
	}

	var sb strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaStreamResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return "", fmt.Errorf("decode ollama chunk: %w", err)
		}
		sb.WriteString(chunk.Response)
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	out := strings.Trim(strings.TrimSpace(sb.String()), `"`)
	if out == "" {
		return "", ErrEmptyResult
	}
	return out, nil
}

func languageName(code string) string {
	if name, ok := supportedLanguages[code]; ok {
		return name
	}
	return code
}
