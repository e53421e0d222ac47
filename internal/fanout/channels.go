package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/loqalabs/loqa-captions/internal/bus"
	"github.com/loqalabs/loqa-captions/internal/protocol"
)

// Channel delivers a caption state to one kind of consumer.
type Channel interface {
	Name() string
	Send(ctx context.Context, sessionID string, state protocol.CaptionState, final bool) error
}

// StatusSender is implemented by channels that can apply a status label
// without resending caption text. Channels that only carry full snapshots
// pick the label up with the next caption.
type StatusSender interface {
	SendStatus(ctx context.Context, sessionID string, patch protocol.Patch) error
}

// ErrRejected is returned when the server answers with a client error.
var ErrRejected = errors.New("caption update rejected by server")

// HTTPChannel posts to the server's /api/subtitle-status endpoint. Final
// translated captions get one retry; everything else is sent once.
type HTTPChannel struct {
	BaseURL    string
	HTTP       *http.Client
	timeout    time.Duration
	retryDelay time.Duration
}

func NewHTTPChannel(baseURL string, timeout time.Duration, client *http.Client) *HTTPChannel {
	if client == nil {
		client = &http.Client{Transport: http.DefaultTransport}
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPChannel{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTP:       client,
		timeout:    timeout,
		retryDelay: 500 * time.Millisecond,
	}
}

func (c *HTTPChannel) Name() string { return "http" }

// StatusURL returns the session-scoped status endpoint.
func (c *HTTPChannel) StatusURL(sessionID string) string {
	return c.BaseURL + "/api/subtitle-status?sessionId=" + url.QueryEscape(sessionID)
}

func (c *HTTPChannel) Send(ctx context.Context, sessionID string, state protocol.CaptionState, final bool) error {
	_, err := c.Post(ctx, sessionID, state, final)
	return err
}

// Post sends state and returns the server's answer.
func (c *HTTPChannel) Post(ctx context.Context, sessionID string, state protocol.CaptionState, final bool) (protocol.StatusResponse, error) {
	body, err := json.Marshal(state)
	if err != nil {
		return protocol.StatusResponse{}, fmt.Errorf("marshal caption: %w", err)
	}
	tries := uint(1)
	if final && strings.TrimSpace(state.TranslatedText) != "" {
		tries = 2
	}
	return c.post(ctx, sessionID, body, tries)
}

// SendStatus posts a patch without any text fields so the server keeps
// whatever caption it currently holds.
func (c *HTTPChannel) SendStatus(ctx context.Context, sessionID string, patch protocol.Patch) error {
	patch.OriginalText = nil
	patch.TranslatedText = nil
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	_, err = c.post(ctx, sessionID, body, 1)
	return err
}

func (c *HTTPChannel) post(ctx context.Context, sessionID string, body []byte, tries uint) (protocol.StatusResponse, error) {
	endpoint := c.StatusURL(sessionID)

	op := func() (protocol.StatusResponse, error) {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return protocol.StatusResponse{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.HTTP.Do(req)
		if err != nil {
			return protocol.StatusResponse{}, fmt.Errorf("post caption: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return protocol.StatusResponse{}, backoff.Permanent(fmt.Errorf("%w: %s", ErrRejected, resp.Status))
		}
		if resp.StatusCode >= 300 {
			return protocol.StatusResponse{}, fmt.Errorf("post caption: server returned %s", resp.Status)
		}
		var out protocol.StatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return protocol.StatusResponse{}, backoff.Permanent(fmt.Errorf("decode status response: %w", err))
		}
		return out, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.retryDelay)),
		backoff.WithMaxTries(tries))
}

// Fetch reads the current state of a session.
func (c *HTTPChannel) Fetch(ctx context.Context, sessionID string) (protocol.StatusResponse, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.StatusURL(sessionID), nil)
	if err != nil {
		return protocol.StatusResponse{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return protocol.StatusResponse{}, fmt.Errorf("fetch caption: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return protocol.StatusResponse{}, fmt.Errorf("fetch caption: server returned %s", resp.Status)
	}
	var out protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return protocol.StatusResponse{}, fmt.Errorf("decode status response: %w", err)
	}
	return out, nil
}

// BusChannel publishes on captions.direct.<session> for same-host consumers.
type BusChannel struct {
	client *bus.Client
}

func NewBusChannel(client *bus.Client) *BusChannel {
	return &BusChannel{client: client}
}

func (c *BusChannel) Name() string { return "bus" }

func (c *BusChannel) Send(_ context.Context, sessionID string, state protocol.CaptionState, _ bool) error {
	return c.client.PublishDirect(sessionID, state)
}

// FileChannel writes the caption state to the sync file so that local
// consumers watching the directory pick it up.
type FileChannel struct {
	path string
}

func NewFileChannel(dir string) *FileChannel {
	return &FileChannel{path: filepath.Join(dir, protocol.SyncFileName)}
}

func (c *FileChannel) Name() string { return "file" }

func (c *FileChannel) Path() string { return c.path }

func (c *FileChannel) Send(_ context.Context, _ string, state protocol.CaptionState, _ bool) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal caption: %w", err)
	}
	return WriteFileAtomic(c.path, data)
}

// WriteFileAtomic replaces path with data through a rename so readers never
// observe a partial file.
func WriteFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create sync dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename sync file: %w", err)
	}
	return nil
}

// ReadSyncFile loads the caption state written by a FileChannel.
func ReadSyncFile(path string) (protocol.CaptionState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return protocol.CaptionState{}, err
	}
	var state protocol.CaptionState
	if err := json.Unmarshal(data, &state); err != nil {
		return protocol.CaptionState{}, fmt.Errorf("decode sync file: %w", err)
	}
	return state, nil
}
