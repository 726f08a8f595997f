package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"dispatchcore/internal/core"
)

// eventFeed is a resilient, auto-reconnecting WebSocket client that decodes
// the exchange's push fill/status stream into FillEvents and forwards them
// onto the gateway's events channel, redialling after reconnectWait whenever
// the connection drops.
type eventFeed struct {
	url           string
	reconnectWait time.Duration
	out           chan<- core.FillEvent
	logger        core.ILogger

	mu   sync.Mutex
	conn *websocket.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEventFeed(url string, out chan<- core.FillEvent, logger core.ILogger) *eventFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventFeed{
		url: url, reconnectWait: 5 * time.Second, out: out,
		logger: logger.With(map[string]any{"component": "exchange_events_feed"}),
		ctx:    ctx, cancel: cancel,
	}
}

// Start connects and begins listening for messages in the background.
func (f *eventFeed) Start() {
	f.wg.Add(1)
	go f.runLoop()
}

// Stop closes the connection and waits for the listening goroutine to exit.
func (f *eventFeed) Stop() {
	f.cancel()
	f.wg.Wait()
	f.closeConn()
}

func (f *eventFeed) runLoop() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
			if err := f.connect(); err != nil {
				f.logger.Warn(core.LogEvent{Name: "exchange_ws_connect_failed", Attrs: map[string]any{"url": f.url, "error": err.Error()}})
				f.sleep()
				continue
			}

			f.readLoop()
			f.sleep()
		}
	}
}

func (f *eventFeed) sleep() {
	select {
	case <-f.ctx.Done():
	case <-time.After(f.reconnectWait):
	}
}

func (f *eventFeed) connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	conn, _, err := websocket.DefaultDialer.DialContext(f.ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.conn = conn
	return nil
}

func (f *eventFeed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		f.conn.Close()
		f.conn = nil
	}
}

func (f *eventFeed) readLoop() {
	defer f.closeConn()

	for {
		select {
		case <-f.ctx.Done():
			return
		default:
		}

		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			// Connection lost; the outer runLoop reconnects after the
			// backoff window.
			return
		}

		event, ok := decodeFillEvent(message, f.logger)
		if !ok {
			continue
		}

		select {
		case f.out <- event:
		case <-f.ctx.Done():
			return
		}
	}
}

// wireFillEvent is the JSON shape the exchange's push stream emits for a
// single order status transition.
type wireFillEvent struct {
	ExchangeOrderID string          `json:"exchange_order_id"`
	Sequence        int64           `json:"sequence"`
	Status          core.OrderStatus `json:"status"`
	FillQty         decimal.Decimal `json:"fill_qty"`
	FillPrice       decimal.Decimal `json:"fill_price"`
	Timestamp       time.Time       `json:"timestamp"`
}

func decodeFillEvent(message []byte, logger core.ILogger) (core.FillEvent, bool) {
	var payload wireFillEvent
	if err := json.Unmarshal(message, &payload); err != nil {
		logger.Warn(core.LogEvent{Name: "exchange_ws_decode_failed", Attrs: map[string]any{"error": err.Error()}})
		return core.FillEvent{}, false
	}
	if payload.ExchangeOrderID == "" {
		return core.FillEvent{}, false
	}
	return core.FillEvent{
		ExchangeOrderID: payload.ExchangeOrderID,
		Sequence:        payload.Sequence,
		NewStatus:       payload.Status,
		FillQty:         payload.FillQty,
		FillPrice:       payload.FillPrice,
		Timestamp:       payload.Timestamp,
	}, true
}
