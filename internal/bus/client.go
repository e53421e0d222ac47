package bus

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/loqa-captions/internal/config"
	"github.com/loqalabs/loqa-captions/internal/protocol"
	"github.com/nats-io/nats.go"
)

var ErrNotConnected = errors.New("bus: not connected")

// Client wraps a NATS connection with JSON helpers for the caption subjects.
type Client struct {
	conn *nats.Conn
	log  *slog.Logger
}

func Connect(ctx context.Context, cfg config.BusConfig, name string, log *slog.Logger) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("no NATS servers configured")
	}
	if name == "" {
		name = "loqa-captions"
	}

	options := []nats.Option{
		nats.Name(name),
		nats.Timeout(time.Duration(cfg.ConnectTimeout) * time.Millisecond),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("NATS reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	}

	if cfg.Username != "" || cfg.Password != "" {
		options = append(options, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		options = append(options, nats.Token(cfg.Token))
	}
	if cfg.TLSInsecure {
		options = append(options, nats.Secure(&tls.Config{InsecureSkipVerify: true}))
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	url := strings.Join(cfg.Servers, ",")
	conn, err := nats.Connect(url, options...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	log.Info("connected to NATS", slog.String("servers", url))

	return &Client{
		conn: conn,
		log:  log,
	}, nil
}

func (c *Client) Close() {
	if c == nil || c.conn == nil {
		return
	}
	c.log.Info("closing NATS connection")
	_ = c.conn.Drain()
	c.conn.Close()
}

func (c *Client) Healthy() bool {
	return c != nil && c.conn != nil && c.conn.Status() == nats.CONNECTED
}

func (c *Client) Conn() *nats.Conn {
	if c == nil {
		return nil
	}
	return c.conn
}

func (c *Client) Logger() *slog.Logger {
	return c.log
}

// PublishJSON marshals v and publishes it on subject.
func (c *Client) PublishJSON(subject string, v any) error {
	if c == nil || c.conn == nil {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", subject, err)
	}
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// PublishDirect sends a same-host caption update for sessionID.
func (c *Client) PublishDirect(sessionID string, state protocol.CaptionState) error {
	msg := protocol.DirectMessage{
		Type:         protocol.EventSubtitleUpdate,
		SessionID:    sessionID,
		CaptionState: state,
	}
	return c.PublishJSON(protocol.Subject(protocol.SubjectDirectPrefix, sessionID), msg)
}

// SubscribeDirect delivers direct caption messages for sessionID. Malformed
// payloads are logged and skipped.
func (c *Client) SubscribeDirect(sessionID string, handler func(protocol.DirectMessage)) (*nats.Subscription, error) {
	return subscribeJSON(c, protocol.Subject(protocol.SubjectDirectPrefix, sessionID), handler)
}

// SubscribeBroadcast receives applied states from every server node.
func (c *Client) SubscribeBroadcast(handler func(protocol.BroadcastMessage)) (*nats.Subscription, error) {
	return subscribeJSON(c, protocol.SubjectBroadcastPrefix+".>", handler)
}

// SubscribePresence receives producer heartbeats for all sessions.
func (c *Client) SubscribePresence(handler func(protocol.Heartbeat)) (*nats.Subscription, error) {
	return subscribeJSON(c, protocol.SubjectPresencePrefix+".>", handler)
}

func subscribeJSON[T any](c *Client, subject string, handler func(T)) (*nats.Subscription, error) {
	if c == nil || c.conn == nil {
		return nil, ErrNotConnected
	}
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var payload T
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			c.log.Warn("invalid bus payload", slog.String("subject", msg.Subject), slog.String("error", err.Error()))
			return
		}
		handler(payload)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}
	return sub, nil
}
