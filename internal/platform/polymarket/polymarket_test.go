package polymarket

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copybot/internal/domain"
)

const trader = "0x1111111111111111111111111111111111111111"

func TestGetTrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/trades", r.URL.Path)
		assert.Equal(t, trader, r.URL.Query().Get("user"))
		assert.Equal(t, "25", r.URL.Query().Get("limit"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"proxyWallet":"` + trader + `","side":"BUY","asset":"123","conditionId":"0xABC",
			 "size":100,"price":"0.42","timestamp":1760000000,"title":"Will it rain?",
			 "outcome":"Yes","transactionHash":"0xDEAD"}
		]`))
	}))
	defer srv.Close()

	c := NewDataClient(srv.URL, 0, 1)
	trades, err := c.GetTrades(context.Background(), domain.Address(trader), 25)
	require.NoError(t, err)
	require.Len(t, trades, 1)

	tr := trades[0]
	assert.Equal(t, time.Unix(1760000000, 0).UTC(), tr.TradedAt())
	p, ok := tr.ToPayload()
	require.True(t, ok)
	assert.Equal(t, domain.SideBuy, p.Side)
	assert.Equal(t, "0xabc", p.Market)
	assert.InDelta(t, 0.42, p.Price, 1e-9)
	assert.InDelta(t, 100, p.Size, 1e-9)
}

func TestGetTradesRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	_, err := NewDataClient(srv.URL, 0, 1).GetTrades(context.Background(), domain.Address(trader), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))

	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 7*time.Second, rl.RetryAfter)
}

func TestGetPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		_, _ = w.Write([]byte(`[{"conditionId":"0xc1","asset":"9","size":"20","curPrice":0.5,"currentValue":10,"title":"T","outcome":"No"}]`))
	}))
	defer srv.Close()

	pos, err := NewDataClient(srv.URL, 100, 1).GetPositions(context.Background(), domain.Address(trader))
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.InDelta(t, 10, float64(pos[0].CurrentValue), 1e-9)
	assert.InDelta(t, 20, float64(pos[0].Size), 1e-9)
}

func TestServerErrorIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewDataClient(srv.URL, 0, 1).GetPositions(context.Background(), domain.Address(trader))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 502")
}

func TestDecodeActivity(t *testing.T) {
	trade, ok := decodeActivity([]byte(`{"topic":"activity","type":"orders_matched","timestamp":1760000000123,
		"payload":{"proxyWallet":"` + trader + `","side":"SELL","size":"5","price":0.9,"transactionHash":"0x01"}}`))
	require.True(t, ok)
	assert.Equal(t, "SELL", trade.Side)
	assert.Equal(t, time.UnixMilli(1760000000123).UTC(), trade.TradedAt())

	_, ok = decodeActivity([]byte(`{"topic":"comments","type":"comment_created","payload":{}}`))
	assert.False(t, ok)
	_, ok = decodeActivity([]byte(`not json`))
	assert.False(t, ok)
}

func TestLiveDataStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub liveSubscription
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "subscribe", sub.Action)
		assert.Equal(t, "orders_matched", sub.Subscriptions[0].Type)

		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"activity","type":"orders_matched",
			"payload":{"proxyWallet":"`+trader+`","side":"BUY","size":3,"price":0.25,"transactionHash":"0xAB","timestamp":1760000000}}`))
		// hold the connection until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan APITrade, 1)
	errc := make(chan error, 1)
	c := NewLiveDataClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	go func() {
		errc <- c.Stream(ctx, func(tr APITrade, _ time.Time) { got <- tr })
	}()

	select {
	case tr := <-got:
		assert.Equal(t, "0xAB", tr.TransactionHash)
	case <-time.After(5 * time.Second):
		t.Fatal("no trade received")
	}

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
