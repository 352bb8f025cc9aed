package realtime

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	defaultDialTimeout = 10 * time.Second
	stableConnection   = 60 * time.Second
	readLimit          = 1 << 20
)

var (
	errMissingURL     = errors.New("realtime: listener url is required")
	errMissingHandler = errors.New("realtime: message handler is required")
)

// MessageHandler consumes raw notification payloads.
type MessageHandler interface {
	HandleMessage(data []byte)
}

// ListenerConfig describes a Listener.
type ListenerConfig struct {
	URL         string
	APIKey      string
	Handler     MessageHandler
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	DialTimeout time.Duration
	Logger      *zap.Logger
}

// Listener keeps a websocket connection to the backend change feed open and forwards
// every text frame to its handler, reconnecting with jittered exponential backoff.
type Listener struct {
	url         string
	header      http.Header
	handler     MessageHandler
	dialTimeout time.Duration
	backoff     *reconnector
	logger      *zap.Logger
}

// NewListener validates the configuration.
func NewListener(cfg ListenerConfig) (*Listener, error) {
	if cfg.URL == "" {
		return nil, errMissingURL
	}
	if cfg.Handler == nil {
		return nil, errMissingHandler
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("apikey", cfg.APIKey)
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	return &Listener{
		url:         cfg.URL,
		header:      header,
		handler:     cfg.Handler,
		dialTimeout: dialTimeout,
		backoff:     &reconnector{baseDelay: baseDelay, maxDelay: maxDelay},
		logger:      logger,
	}, nil
}

// Run blocks until ctx is canceled, reconnecting whenever the connection drops.
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := l.backoff.nextDelay()
		l.logger.Warn("realtime connection lost",
			zap.String("operation", "realtime.listen"),
			zap.String("reason", "connection_lost"),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Listener) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, l.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, l.url, &websocket.DialOptions{HTTPHeader: l.header})
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(readLimit)

	l.backoff.markConnected()
	l.logger.Info("realtime connected", zap.String("url", l.url))
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if messageType != websocket.MessageText {
			continue
		}
		l.handler.HandleMessage(data)
	}
}

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

// nextDelay resets the attempt counter once a connection has stayed up for a minute.
func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableConnection {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
	jitter := rand.Float64() * float64(r.baseDelay) * 0.5
	delay := math.Min(float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+jitter, float64(r.maxDelay))
	r.attempt++
	return time.Duration(delay)
}
