package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/microsignal/internal/metrics"
	"github.com/sawpanic/microsignal/internal/net/ratelimit"
)

// FeedConfig configures the websocket event feed
type FeedConfig struct {
	URL              string        `yaml:"url" env:"FEED_URL"`
	Venue            string        `yaml:"venue"`
	Symbols          []string      `yaml:"symbols"` // sent in a subscribe message when set
	ReconnectPerMin  float64       `yaml:"reconnect_per_min"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`
}

// DefaultFeedConfig allows 6 reconnects per minute with a 60s read deadline
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		Venue:            "default",
		ReconnectPerMin:  6,
		HandshakeTimeout: 30 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

type subscribeRequest struct {
	Event   string   `json:"event"`
	Symbols []string `json:"symbols"`
}

// Feed reads envelopes from a websocket and hands them to the dispatcher, reconnecting on
// failure at a paced rate.
type Feed struct {
	config     FeedConfig
	dialer     *websocket.Dialer
	reconnects *ratelimit.Limiter
	dispatcher *Dispatcher
	metrics    *metrics.Registry
	logger     zerolog.Logger
}

// NewFeed creates a feed. reconnects is keyed by venue and may be shared across feeds.
func NewFeed(config FeedConfig, dispatcher *Dispatcher, reconnects *ratelimit.Limiter, m *metrics.Registry, logger zerolog.Logger) (*Feed, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("feed URL is required")
	}
	def := DefaultFeedConfig()
	if config.Venue == "" {
		config.Venue = def.Venue
	}
	if config.ReconnectPerMin <= 0 {
		config.ReconnectPerMin = def.ReconnectPerMin
	}
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = def.HandshakeTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = def.ReadTimeout
	}
	if reconnects == nil {
		reconnects = ratelimit.NewLimiter(config.ReconnectPerMin/60, 1)
	}
	return &Feed{
		config:     config,
		dialer:     &websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		reconnects: reconnects,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger.With().Str("component", "feed").Str("venue", config.Venue).Logger(),
	}, nil
}

// Run connects and consumes until ctx is done
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.reconnects.Wait(ctx, f.config.Venue); err != nil {
			return ctx.Err()
		}

		conn, _, err := f.dialer.DialContext(ctx, f.config.URL, nil)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.logger.Warn().Err(err).Str("url", f.config.URL).Msg("Feed connection failed")
			continue
		}
		f.logger.Info().Str("url", f.config.URL).Msg("Feed connected")

		err = f.consume(ctx, conn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn().Err(err).Msg("Feed disconnected, reconnecting")
	}
}

func (f *Feed) consume(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
			_ = conn.Close()
		}
	}()

	if len(f.config.Symbols) > 0 {
		req, err := json.Marshal(subscribeRequest{Event: "subscribe", Symbols: f.config.Symbols})
		if err != nil {
			return fmt.Errorf("marshal subscription: %w", err)
		}
		if err := conn.WriteMessage(websocket.TextMessage, req); err != nil {
			return fmt.Errorf("failed to send subscription: %w", err)
		}
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.config.ReadTimeout))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := Decode(data)
		if err != nil {
			f.metrics.RecordRejected("envelope", "decode")
			f.logger.Warn().Err(err).Msg("Dropping malformed envelope")
			continue
		}
		if err := f.dispatcher.Dispatch(ctx, env); err != nil {
			if errors.Is(err, ErrUnknownType) {
				continue
			}
			return err
		}
	}
}
