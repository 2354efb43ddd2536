package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/stakeledger/internal/cache/local"
	"github.com/alanyoungcy/stakeledger/internal/domain"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func event(t *testing.T, typ domain.LedgerEventType, id uint64, owner common.Address) []byte {
	t.Helper()
	data, err := json.Marshal(domain.LedgerEvent{ID: fmt.Sprintf("%s-%d", typ, id), Type: typ, Asset: "STK", PositionID: id, Owner: owner})
	require.NoError(t, err)
	return data
}

func startHub(t *testing.T) (*Hub, *local.SignalBus, *httptest.Server) {
	t.Helper()
	bus := local.NewSignalBus(100)
	hub := NewHub(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		assert.NoError(t, <-done)
	})
	return hub, bus, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	before := hub.Clients()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?" + query
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() > before }, time.Second, 5*time.Millisecond)
	return conn
}

func read(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, typ)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestHub_BackfillAndFilter(t *testing.T) {
	hub, bus, srv := startHub(t)
	ctx := context.Background()

	require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedger, event(t, domain.EventStaked, 1, alice)))
	require.NoError(t, bus.StreamAppend(ctx, domain.StreamLedger, event(t, domain.EventStaked, 2, bob)))

	conn := dial(t, hub, srv, "owner="+alice.Hex()+"&since=0")

	status := read(t, conn)
	assert.Equal(t, "connected", status["type"])
	assert.EqualValues(t, 1, status["payload"].(map[string]any)["replayed"])

	replayed := read(t, conn)
	assert.Equal(t, "staked", replayed["type"])
	assert.EqualValues(t, 1, replayed["position_id"])

	require.NoError(t, bus.Publish(ctx, domain.ChannelStakes, event(t, domain.EventUnstaked, 2, bob)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelStakes, event(t, domain.EventUnstaked, 1, alice)))

	live := read(t, conn)
	assert.Equal(t, "unstaked", live["type"])
	assert.EqualValues(t, 1, live["position_id"])
}

func TestHub_TypeFilter(t *testing.T) {
	hub, bus, srv := startHub(t)
	ctx := context.Background()

	conn := dial(t, hub, srv, "types=emergency_withdraw,transfer_failed")
	read(t, conn)

	require.NoError(t, bus.Publish(ctx, domain.ChannelStakes, event(t, domain.EventStaked, 1, alice)))
	require.NoError(t, bus.Publish(ctx, domain.ChannelStakes, event(t, domain.EventEmergencyWithdraw, 1, alice)))

	got := read(t, conn)
	assert.Equal(t, "emergency_withdraw", got["type"])
}

func TestHub_RejectsBadOwner(t *testing.T) {
	_, _, srv := startHub(t)

	resp, err := http.Get(srv.URL + "/?owner=nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFilterMatch(t *testing.T) {
	f, err := parseFilter(alice.Hex(), []string{"staked", " "})
	require.NoError(t, err)

	assert.True(t, f.match(eventHeader{Type: domain.EventStaked, Owner: alice}))
	assert.False(t, f.match(eventHeader{Type: domain.EventUnstaked, Owner: alice}))
	assert.False(t, f.match(eventHeader{Type: domain.EventStaked, Owner: bob}))
	assert.True(t, filter{}.match(eventHeader{Type: domain.EventUnstaked, Owner: bob}))
}
