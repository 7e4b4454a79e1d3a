package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/trackprobe/internal/calibration"
	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/internal/portalloc"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

type nopMixer struct{}

func (nopMixer) Mute(context.Context, string) error   { return nil }
func (nopMixer) Unmute(context.Context, string) error { return nil }

type nopSender struct{}

func (nopSender) SendCriticalEvent(message.Event, netip.AddrPort) (uint32, error) { return 0, nil }
func (nopSender) SendEvent(message.Event, netip.AddrPort) error                   { return nil }

// fakeBackend wires a real allocator and engine without any network
type fakeBackend struct {
	alloc  *portalloc.Allocator
	engine *calibration.Engine
	ctx    context.Context
}

func (b *fakeBackend) Allocator() *portalloc.Allocator { return b.alloc }
func (b *fakeBackend) Engine() *calibration.Engine     { return b.engine }
func (b *fakeBackend) StartCalibration() error         { return b.engine.Start(b.ctx, nil) }
func (b *fakeBackend) GetStatus() map[string]interface{} {
	stats := b.alloc.Stats()
	return map[string]interface{}{
		"leased":      stats["leased"],
		"available":   stats["available"],
		"calibration": b.engine.State().String(),
	}
}

func newFakeBackend(t *testing.T, stabilize time.Duration) *fakeBackend {
	t.Helper()
	alloc, err := portalloc.New(portalloc.Config{MinPort: 9000, MaxPort: 9009})
	require.NoError(t, err)

	engine := calibration.New(calibration.Config{
		StabilizeDelay: stabilize,
		SettleDelay:    time.Millisecond,
		CollectWindow:  time.Millisecond,
		RemutePause:    time.Millisecond,
	}, calibration.StaticDiscovery{Tracks: []types.Track{{Name: "Kick", ID: "TR1"}}}, nopMixer{}, alloc, nopSender{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		assert.Eventually(t, func() bool { return !engine.Active() }, 2*time.Second, 5*time.Millisecond)
	})
	return &fakeBackend{alloc: alloc, engine: engine, ctx: ctx}
}

// startGRPC serves the control API over an in-memory listener
func startGRPC(t *testing.T, backend Backend) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterOrchestratorServer(srv, NewServer(backend))
	go func() { _ = srv.Serve(lis) }()

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		srv.Stop()
	})
	return client
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// gRPC Tests
// ============================================================================

func TestGetPort(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	client := startGRPC(t, backend)

	port, err := backend.alloc.AssignPort("plugin-a", portalloc.NoPreference)
	require.NoError(t, err)

	got, err := client.GetPort(testCtx(t), "plugin-a")
	require.NoError(t, err)
	assert.Equal(t, port, got)

	_, err = client.GetPort(testCtx(t), "missing")
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestGetPluginAt(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	client := startGRPC(t, backend)

	port, err := backend.alloc.AssignPort("plugin-a", portalloc.NoPreference)
	require.NoError(t, err)

	tempID, err := client.GetPluginAt(testCtx(t), port)
	require.NoError(t, err)
	assert.Equal(t, types.TempID("plugin-a"), tempID)

	_, err = client.GetPluginAt(testCtx(t), 9009)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestListLeases(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	client := startGRPC(t, backend)

	_, err := backend.alloc.AssignPort("plugin-b", 9005)
	require.NoError(t, err)
	_, err = backend.alloc.AssignPort("plugin-a", 9001)
	require.NoError(t, err)
	require.True(t, backend.alloc.ConfirmBinding("plugin-b", 9005))

	leases, err := client.ListLeases(testCtx(t))
	require.NoError(t, err)
	require.Len(t, leases, 2)

	assert.Equal(t, "plugin-a", leases[0]["temp_id"])
	assert.Equal(t, 9001.0, leases[0]["port"])
	assert.Equal(t, false, leases[0]["confirmed"])
	assert.Equal(t, "plugin-b", leases[1]["temp_id"])
	assert.Equal(t, true, leases[1]["confirmed"])
}

func TestStartCalibrationRejectsConcurrentRun(t *testing.T) {
	backend := newFakeBackend(t, time.Minute)
	client := startGRPC(t, backend)

	require.NoError(t, client.StartCalibration(testCtx(t)))
	err := client.StartCalibration(testCtx(t))
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))

	st, err := client.CalibrationStatus(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, true, st["active"])
}

func TestCalibrationStatusAfterRun(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	client := startGRPC(t, backend)

	_, err := backend.engine.Run(testCtx(t))
	require.NoError(t, err)

	st, err := client.CalibrationStatus(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "completed(0/1)", st["state"])
	assert.Equal(t, "completed", st["phase"])
	assert.Equal(t, 1.0, st["total"])
	assert.Equal(t, false, st["active"])
	assert.Empty(t, st["mappings"])
}

func TestStatus(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	client := startGRPC(t, backend)

	st, err := client.Status(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 0.0, st["leased"])
	assert.Equal(t, 10.0, st["available"])
	assert.Equal(t, "idle", st["calibration"])
}

// ============================================================================
// HTTP Tests
// ============================================================================

func TestHealthAndMetricsEndpoints(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	srv := httptest.NewServer(NewHTTPHandler(backend.engine))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCalibrationWebSocketStream(t *testing.T) {
	backend := newFakeBackend(t, time.Millisecond)
	srv := httptest.NewServer(NewHTTPHandler(backend.engine))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/calibration"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// the current state is pushed on connect
	var first stateFrame
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &first))
	assert.Equal(t, "idle", first.Phase)

	_, err = backend.engine.Run(testCtx(t))
	require.NoError(t, err)

	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "stream ended before the completed state")

		var frame stateFrame
		require.NoError(t, json.Unmarshal(data, &frame))
		if frame.Phase == string(types.PhaseCompleted) {
			assert.Equal(t, "completed(0/1)", frame.State)
			assert.Equal(t, 1, frame.Total)
			return
		}
	}
}
