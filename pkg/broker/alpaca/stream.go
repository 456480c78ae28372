package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ofb/creek/pkg/models"
)

// BarStream consumes the venue's bar feed and republishes decoded bars
// on a channel. One bar per instrument per bar period.
type BarStream struct {
	url            string
	apiKey         string
	apiSecret      string
	reconnectDelay time.Duration
	maxReconnects  int

	conn      *websocket.Conn
	mu        sync.Mutex
	connected bool
	symbols   []string
	bars      chan models.Bar
	logger    *logrus.Logger
}

type streamMessage struct {
	Type      string    `json:"T"`
	Symbol    string    `json:"S"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
	VWAP      float64   `json:"vw"`
	Timestamp time.Time `json:"t"`
	Message   string    `json:"msg"`
}

type subscribeMessage struct {
	Action string   `json:"action"`
	Bars   []string `json:"bars"`
}

type authMessage struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

func NewBarStream(url, apiKey, apiSecret string, reconnectDelay time.Duration, maxReconnects int, logger *logrus.Logger) *BarStream {
	return &BarStream{
		url:            url,
		apiKey:         apiKey,
		apiSecret:      apiSecret,
		reconnectDelay: reconnectDelay,
		maxReconnects:  maxReconnects,
		bars:           make(chan models.Bar, 256),
		logger:         logger,
	}
}

func (s *BarStream) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return nil
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to bar stream: %w", err)
	}

	if err := conn.WriteJSON(authMessage{Action: "auth", Key: s.apiKey, Secret: s.apiSecret}); err != nil {
		conn.Close()
		return fmt.Errorf("failed to authenticate bar stream: %w", err)
	}

	s.conn = conn
	s.connected = true

	go s.readLoop(ctx)
	go s.keepAlive(ctx)

	return nil
}

func (s *BarStream) Subscribe(symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return fmt.Errorf("bar stream not connected")
	}
	s.symbols = symbols
	return s.conn.WriteJSON(subscribeMessage{Action: "subscribe", Bars: symbols})
}

// Bars returns the decoded bar channel. Closed only on shutdown, not on
// reconnect.
func (s *BarStream) Bars() <-chan models.Bar {
	return s.bars
}

func (s *BarStream) readLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			var msgs []streamMessage
			_, data, err := s.conn.ReadMessage()
			if err != nil {
				s.logger.WithError(err).Error("Failed to read bar stream message")
				s.handleDisconnect(ctx)
				return
			}
			if err := json.Unmarshal(data, &msgs); err != nil {
				s.logger.WithError(err).Error("Failed to decode bar stream message")
				continue
			}
			for _, msg := range msgs {
				switch msg.Type {
				case "b":
					bar := models.Bar{
						Symbol:    msg.Symbol,
						Open:      msg.Open,
						High:      msg.High,
						Low:       msg.Low,
						Close:     msg.Close,
						Volume:    msg.Volume,
						VWAP:      msg.VWAP,
						Timestamp: msg.Timestamp,
					}
					select {
					case s.bars <- bar:
					default:
						s.logger.WithField("symbol", msg.Symbol).Warn("Bar channel full, dropping bar")
					}
				case "error":
					s.logger.WithField("msg", msg.Message).Error("Bar stream error message")
				}
			}
		}
	}
}

func (s *BarStream) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.connected {
				if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					s.logger.WithError(err).Error("Failed to send ping")
					s.mu.Unlock()
					s.handleDisconnect(ctx)
					return
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *BarStream) handleDisconnect(ctx context.Context) {
	s.mu.Lock()
	s.connected = false
	if s.conn != nil {
		s.conn.Close()
	}
	symbols := s.symbols
	s.mu.Unlock()

	for attempt := 1; attempt <= s.maxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.reconnectDelay):
		}
		s.logger.WithField("attempt", attempt).Info("Reconnecting bar stream")
		if err := s.Connect(ctx); err != nil {
			s.logger.WithError(err).Warn("Bar stream reconnect failed")
			continue
		}
		if len(symbols) > 0 {
			if err := s.Subscribe(symbols); err != nil {
				s.logger.WithError(err).Warn("Bar stream resubscribe failed")
				continue
			}
		}
		return
	}
	s.logger.Error("Bar stream reconnect attempts exhausted")
}

func (s *BarStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connected = false
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}
