package billing

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	baseReconnectDelay = 5 * time.Second
	maxReconnectDelay  = 5 * time.Minute
	reconnectJitter    = 0.1

	wsPingInterval  = 25 * time.Second
	wsPongWait      = 70 * time.Second
	wsWriteWait     = 10 * time.Second
	wsHandshakeWait = 15 * time.Second

	updateChBufferSize = 64
	wsMaxMessageSize   = 1 << 20
)

// StreamClient maintains a persistent websocket connection to the billing
// authority's transaction-update push stream and implements UpdateSource.
type StreamClient struct {
	url       string
	authToken string
	clientID  string
	logger    zerolog.Logger

	updates chan TransactionUpdate

	mu        sync.RWMutex
	connected bool
	lastError string

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStreamClient creates a stream client for the given websocket URL.
func NewStreamClient(url, authToken string, logger zerolog.Logger) *StreamClient {
	return &StreamClient{
		url:       url,
		authToken: authToken,
		clientID:  uuid.NewString(),
		logger:    logger.With().Str("component", "billing_stream").Logger(),
		updates:   make(chan TransactionUpdate, updateChBufferSize),
		done:      make(chan struct{}),
	}
}

// Updates implements UpdateSource.
func (s *StreamClient) Updates() <-chan TransactionUpdate {
	return s.updates
}

// Connected reports whether the stream is currently established.
func (s *StreamClient) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// Run starts the reconnect loop. Blocks until ctx is cancelled, then closes
// the updates channel.
func (s *StreamClient) Run(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	defer close(s.done)
	defer close(s.updates)

	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := s.connectAndRead(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			consecutiveFailures++
			s.mu.Lock()
			s.lastError = err.Error()
			s.connected = false
			s.mu.Unlock()

			delay := s.backoffDelay(consecutiveFailures)
			if consecutiveFailures >= 3 {
				s.logger.Warn().Err(err).
					Int("failures", consecutiveFailures).
					Dur("retry_in", delay).
					Msg("Transaction stream failed repeatedly")
			} else {
				s.logger.Debug().Err(err).
					Dur("retry_in", delay).
					Msg("Transaction stream interrupted, reconnecting")
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		} else {
			consecutiveFailures = 0
		}
	}
}

// Close stops the client and waits briefly for the run loop to exit.
func (s *StreamClient) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
	}
}

func (s *StreamClient) backoffDelay(failures int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(failures-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	// Jitter avoids thundering-herd reconnects after an authority outage.
	delay *= 1 + (rand.Float64()*2-1)*reconnectJitter
	return time.Duration(delay)
}

func (s *StreamClient) connectAndRead(ctx context.Context) error {
	dialer := websocket.Dialer{
		HandshakeTimeout: wsHandshakeWait,
	}
	header := http.Header{}
	if s.authToken != "" {
		header.Set("Authorization", "Bearer "+s.authToken)
	}
	header.Set("X-Client-ID", s.clientID)

	conn, resp, err := dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	defer conn.Close()

	s.mu.Lock()
	s.connected = true
	s.lastError = ""
	s.mu.Unlock()

	s.logger.Info().Str("url", s.url).Msg("Transaction stream connected")

	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Close the connection when ctx is cancelled so the blocked read returns.
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-pingDone:
				return
			case <-ticker.C:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var update TransactionUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			// One malformed delivery must not tear the stream down.
			s.logger.Warn().Err(err).Msg("Dropping malformed transaction update")
			continue
		}
		update.ReceivedAt = time.Now()

		select {
		case s.updates <- update:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
