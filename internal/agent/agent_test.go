package agent

import (
	"context"
	"net/netip"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/trackprobe/internal/message"
	"github.com/ChuLiYu/trackprobe/internal/messenger"
	"github.com/ChuLiYu/trackprobe/internal/pluginclient"
	"github.com/ChuLiYu/trackprobe/internal/transport"
	"github.com/ChuLiYu/trackprobe/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

const assignedPort = 9100

// controller plays the orchestrator side by hand
type controller struct {
	ep     *transport.MemEndpoint
	msgr   *messenger.Messenger
	dedupe *messenger.Dedupe
}

// expect returns the next event of type T, skipping anything else
func expect[T message.Event](t *testing.T, c *controller) (T, netip.AddrPort) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case in := <-c.ep.Inbound():
			if c.dedupe.Duplicate(in) {
				continue
			}
			ev, err := message.DecodeEvent(in.Message)
			require.NoError(t, err)
			if got, ok := ev.(T); ok {
				return got, in.From
			}
		case <-deadline:
			var zero T
			t.Fatalf("no %T received", zero)
			return zero, netip.AddrPort{}
		}
	}
}

type harness struct {
	agent  *Agent
	ctrl   *controller
	plugin netip.AddrPort
	level  *atomic.Value
	errCh  chan error
	cancel context.CancelFunc
}

// startBoundAgent runs an agent and completes its port negotiation
func startBoundAgent(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()

	net := transport.NewMemNetwork()
	orchEP, err := net.Listen(8999)
	require.NoError(t, err)
	ctrlEP, err := net.Listen(0)
	require.NoError(t, err)

	cfg := messenger.Config{Attempts: 3, Interval: 5 * time.Millisecond}
	c := &controller{ep: orchEP, msgr: messenger.New(orchEP, cfg), dedupe: messenger.NewDedupe(0)}

	level := &atomic.Value{}
	level.Store(float32(0))
	acfg := Config{
		Orchestrator: orchEP.LocalAddr(),
		Messenger:    cfg,
	}
	for _, opt := range opts {
		opt(&acfg)
	}
	a := New(acfg, ctrlEP, pluginclient.MemBinder{Net: net}, ActivityFunc(func() float32 { return level.Load().(float32) }))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		_ = c.msgr.Close()
		_ = orchEP.Close()
		_ = ctrlEP.Close()
	})

	req, from := expect[message.PortRequest](t, c)
	require.Equal(t, a.TempID(), req.TempID)
	respondTo := netip.AddrPortFrom(from.Addr(), uint16(req.ResponsePort))
	_, err = c.msgr.SendCriticalEvent(message.PortAssignment{TempID: req.TempID, Port: assignedPort, Status: message.StatusAssigned}, respondTo)
	require.NoError(t, err)

	conf, _ := expect[message.PortConfirmation](t, c)
	require.Equal(t, message.StatusBound, conf.Status)
	require.EqualValues(t, assignedPort, conf.Port)

	require.Eventually(t, func() bool { return a.State().State == types.StateBound }, 2*time.Second, 5*time.Millisecond)

	return &harness{
		agent:  a,
		ctrl:   c,
		plugin: netip.AddrPortFrom(from.Addr(), assignedPort),
		level:  level,
		errCh:  errCh,
		cancel: cancel,
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestAgentGeneratesTempID(t *testing.T) {
	a := New(Config{}, nil, nil, nil)
	b := New(Config{}, nil, nil, nil)

	assert.NotEmpty(t, a.TempID())
	assert.NotEqual(t, a.TempID(), b.TempID())
	assert.Equal(t, types.StateUnassigned, a.State().State)

	fixed := New(Config{TempID: "plugin-1"}, nil, nil, nil)
	assert.Equal(t, types.TempID("plugin-1"), fixed.TempID())
}

func TestAgentAnswersRMSQuery(t *testing.T) {
	h := startBoundAgent(t)
	h.level.Store(float32(0.25))

	require.NoError(t, h.ctrl.msgr.SendEvent(message.RMSQuery{QueryID: "q-1"}, h.plugin))

	resp, _ := expect[message.RMSResponse](t, h.ctrl)
	assert.Equal(t, "q-1", resp.QueryID)
	assert.Equal(t, h.agent.TempID(), resp.TempID)
	assert.InDelta(t, 0.25, resp.RMS, 1e-6)
}

func TestAgentToneCommands(t *testing.T) {
	h := startBoundAgent(t)

	require.NoError(t, h.ctrl.msgr.SendEvent(message.ToneCommand{Start: true, Frequency: 440, AmplitudeDB: -20}, h.plugin))
	started, _ := expect[message.ToneStatus](t, h.ctrl)
	assert.True(t, started.Started)
	assert.InDelta(t, 440, started.Frequency, 1e-6)
	assert.True(t, h.agent.ToneActive())

	require.NoError(t, h.ctrl.msgr.SendEvent(message.ToneCommand{Start: false}, h.plugin))
	stopped, _ := expect[message.ToneStatus](t, h.ctrl)
	assert.False(t, stopped.Started)
	assert.False(t, h.agent.ToneActive())
}

func TestAgentConfirmsIdentity(t *testing.T) {
	h := startBoundAgent(t)

	assign := message.IdentityAssignment{TempID: h.agent.TempID(), TrackID: "TR1"}
	_, err := h.ctrl.msgr.SendCriticalEvent(assign, h.plugin)
	require.NoError(t, err)

	conf, _ := expect[message.IdentityConfirmation](t, h.ctrl)
	assert.Equal(t, h.agent.TempID(), conf.TempID)
	assert.Equal(t, types.TrackID("TR1"), conf.TrackID)
	assert.Equal(t, message.StatusConfirmed, conf.Status)

	id, ok := h.agent.Identity()
	assert.True(t, ok)
	assert.Equal(t, types.TrackID("TR1"), id)

	// a fresh assignment for the same track is confirmed again
	_, err = h.ctrl.msgr.SendCriticalEvent(assign, h.plugin)
	require.NoError(t, err)
	again, _ := expect[message.IdentityConfirmation](t, h.ctrl)
	assert.Equal(t, types.TrackID("TR1"), again.TrackID)
}

func TestAgentIgnoresOtherIdentity(t *testing.T) {
	h := startBoundAgent(t)

	_, err := h.ctrl.msgr.SendCriticalEvent(message.IdentityAssignment{TempID: "someone-else", TrackID: "TR9"}, h.plugin)
	require.NoError(t, err)
	require.NoError(t, h.ctrl.msgr.SendEvent(message.RMSQuery{QueryID: "after"}, h.plugin))

	// the next reply is the RMS response, not a confirmation
	ev, _ := expectAny(t, h.ctrl)
	resp, ok := ev.(message.RMSResponse)
	require.True(t, ok, "expected rms response, got %T", ev)
	assert.Equal(t, "after", resp.QueryID)

	_, assigned := h.agent.Identity()
	assert.False(t, assigned)
}

func TestAgentSendsTelemetry(t *testing.T) {
	h := startBoundAgent(t, func(c *Config) { c.TelemetryRate = 200 })
	h.level.Store(float32(0.125))

	tel, _ := expect[message.RMSTelemetry](t, h.ctrl)
	assert.Equal(t, h.agent.TempID(), tel.TempID)
	assert.Empty(t, tel.TrackID, "unidentified before assign_identity")
	assert.InDelta(t, 0.125, tel.RMS, 1e-6)

	_, err := h.ctrl.msgr.SendCriticalEvent(message.IdentityAssignment{TempID: h.agent.TempID(), TrackID: "TR3"}, h.plugin)
	require.NoError(t, err)
	expect[message.IdentityConfirmation](t, h.ctrl)

	// ticks already in flight may still be unidentified
	deadline := time.Now().Add(2 * time.Second)
	for {
		tel, _ := expect[message.RMSTelemetry](t, h.ctrl)
		if tel.TrackID == "TR3" {
			break
		}
		require.True(t, time.Now().Before(deadline), "telemetry never carried the assigned track")
	}
}

func TestAgentStopsOnCancel(t *testing.T) {
	h := startBoundAgent(t)
	h.cancel()

	select {
	case err := <-h.errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func TestNoiseSourceStaysBelowFloor(t *testing.T) {
	n := &NoiseSource{Floor: 0.001}
	for i := 0; i < 100; i++ {
		v := n.RMS()
		assert.GreaterOrEqual(t, v, float32(0))
		assert.Less(t, v, float32(0.001))
	}
}

// expectAny returns the next non-duplicate event that is not a port negotiation leftover
func expectAny(t *testing.T, c *controller) (message.Event, netip.AddrPort) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case in := <-c.ep.Inbound():
			if c.dedupe.Duplicate(in) {
				continue
			}
			ev, err := message.DecodeEvent(in.Message)
			require.NoError(t, err)
			switch ev.(type) {
			case message.PortRequest, message.PortConfirmation:
				continue
			}
			return ev, in.From
		case <-deadline:
			t.Fatal("nothing received")
			return nil, netip.AddrPort{}
		}
	}
}
