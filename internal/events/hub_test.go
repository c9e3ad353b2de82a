package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/brokerage/internal/models"
)

type gauge struct{ n atomic.Int64 }

func (g *gauge) SetWSClients(n int) { g.n.Store(int64(n)) }

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitForClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Clients() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Publish(t *testing.T) {
	hub := NewHub("*", nil, nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	defer conn.Close()
	waitForClients(t, hub, 1)

	order := models.Order{
		ID:         uuid.New(),
		CustomerID: uuid.New(),
		Symbol:     "AAPL",
		Side:       models.SideBuy,
		Size:       decimal.RequireFromString("10"),
		Price:      decimal.RequireFromString("50.25"),
		Status:     models.StatusPending,
	}
	hub.Publish(models.OrderEvent{Type: models.EventOrderCreated, Order: order, At: time.Now()})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got struct {
		Type  string `json:"type"`
		Order struct {
			ID        string `json:"id"`
			AssetName string `json:"asset_name"`
			Status    string `json:"status"`
		} `json:"order"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "order.created", got.Type)
	assert.Equal(t, order.ID.String(), got.Order.ID)
	assert.Equal(t, "AAPL", got.Order.AssetName)
	assert.Equal(t, "PENDING", got.Order.Status)
}

func TestHub_ClientLeaves(t *testing.T) {
	g := &gauge{}
	hub := NewHub("*", nil, g)
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn, _, err := dial(t, srv, "")
	require.NoError(t, err)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
	assert.Eventually(t, func() bool { return g.n.Load() == 0 }, time.Second, 10*time.Millisecond)

	// publishing with nobody listening is fine
	hub.Publish(models.OrderEvent{Type: models.EventOrderCanceled})
}

func TestHub_Origin(t *testing.T) {
	tests := []struct {
		name        string
		allowed     string
		origin      string
		expectError bool
	}{
		{name: "AnyOrigin", allowed: "*", origin: "http://evil.example"},
		{name: "Matching", allowed: "http://app.example", origin: "http://app.example"},
		{name: "Mismatch", allowed: "http://app.example", origin: "http://evil.example", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hub := NewHub(tt.allowed, nil, nil)
			srv := httptest.NewServer(hub)
			defer srv.Close()
			defer hub.Close()

			conn, resp, err := dial(t, srv, tt.origin)
			if tt.expectError {
				require.Error(t, err)
				require.NotNil(t, resp)
				assert.Equal(t, http.StatusForbidden, resp.StatusCode)
				return
			}
			require.NoError(t, err)
			conn.Close()
		})
	}
}
