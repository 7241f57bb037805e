package riskstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"CoordScope/internal/domain/models"
)

func risk(market string, score int) models.RiskOutput {
	return models.RiskOutput{
		Partition: models.PartitionKey{Market: market, Pair: models.EntityPair{Leader: "A", Follower: "B"}},
		Score:     score,
		Band:      models.BandLow,
	}
}

func dial(t *testing.T, h *Hub, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = h.Serve(w, r, r.URL.Query().Get("market"))
	}))
	t.Cleanup(srv.Close)
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHubFiltersByMarket(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	conn := dial(t, h, "market=spot")
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	h.Publish(risk("perp", 90))
	h.Publish(risk("spot", 12))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	var got models.RiskOutput
	require.NoError(t, json.Unmarshal(b, &got))
	assert.Equal(t, "spot", got.Partition.Market)
	assert.Equal(t, 12, got.Score)
}

func TestHubUnsubscribesOnClientClose(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	conn := dial(t, h, "")
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool { return h.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

type memBoard struct{ puts []models.RiskOutput }

func (b *memBoard) Put(_ context.Context, out models.RiskOutput) error {
	b.puts = append(b.puts, out)
	return nil
}

func (b *memBoard) Get(context.Context, models.PartitionKey) (models.RiskOutput, bool, error) {
	return models.RiskOutput{}, false, nil
}

func (b *memBoard) List(context.Context) ([]models.RiskOutput, error) { return b.puts, nil }

func TestBoardStreamsPuts(t *testing.T) {
	h := NewHub(nil)
	defer h.Close()
	conn := dial(t, h, "")
	require.Eventually(t, func() bool { return h.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	inner := &memBoard{}
	board := h.Board(inner)
	require.NoError(t, board.Put(context.Background(), risk("spot", 70)))
	assert.Len(t, inner.puts, 1)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"score":70`)
}
