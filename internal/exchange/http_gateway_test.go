package exchange

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
	"dispatchcore/internal/logging"
)

func TestNewHTTPGateway_EventsNeverYieldWithoutWSURL(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	gw := NewHTTPGateway("https://example.test", 5*time.Second, nil, 10, 10, "", logger)
	events, err := gw.Events(nil)
	require.NoError(t, err)

	select {
	case <-events:
		t.Fatal("expected no events without a configured feed")
	case <-time.After(50 * time.Millisecond):
	}
	gw.Stop()
}

func TestNewHTTPGateway_FeedDecodesPushedFillEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(
			`{"exchange_order_id":"ex-1","sequence":1,"status":"filled","fill_qty":"1","fill_price":"100","timestamp":"2024-01-01T00:00:00Z"}`,
		)))
		time.Sleep(100 * time.Millisecond)
	}))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]

	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	gw := NewHTTPGateway("https://example.test", 5*time.Second, nil, 10, 10, wsURL, logger)
	defer gw.Stop()

	events, err := gw.Events(nil)
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, "ex-1", evt.ExchangeOrderID)
		assert.Equal(t, core.OrderStatusFilled, evt.NewStatus)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a decoded event")
	}
}

func TestDecodeFillEvent_RejectsMalformedPayload(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	_, ok := decodeFillEvent([]byte("not json"), logger)
	assert.False(t, ok)
}

func TestDecodeFillEvent_RejectsMissingExchangeOrderID(t *testing.T) {
	logger, err := logging.NewZapLogger("error")
	require.NoError(t, err)

	_, ok := decodeFillEvent([]byte(`{"sequence":1}`), logger)
	assert.False(t, ok)
}
