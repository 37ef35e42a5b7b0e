package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnManager(t *testing.T, strategy ReconnectStrategy) (*ConnectionManager, *fakeTransport, *clockwork.FakeClock, *IssueRecorder) {
	t.Helper()
	ft := newFakeTransport()
	clock := clockwork.NewFakeClock()
	issues := NewIssueRecorder(100, clock, nil)
	cm := NewConnectionManager(ft, strategy, clock, issues, nil)
	t.Cleanup(cm.Close)
	return cm, ft, clock, issues
}

func TestConnectTransitionsToConnected(t *testing.T) {
	cm, ft, _, _ := newTestConnManager(t, DefaultReconnectStrategy())

	assert.Equal(t, StateIdle, cm.State())

	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, StateConnected, cm.State())
	assert.False(t, cm.Status().LastConnectedAt.IsZero())
	assert.Equal(t, 0, cm.Status().ReconnectAttempts)

	// Already connected: no second dial.
	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, 1, ft.connectCalls())
}

func TestConnectFailureEntersErrorStateWithoutRetry(t *testing.T) {
	cm, ft, clock, _ := newTestConnManager(t, DefaultReconnectStrategy())
	ft.setConnectErr(errors.New("refused"))

	err := cm.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, cm.State())
	assert.Equal(t, "refused", cm.Status().LastError)

	// The failed explicit connect does not schedule retries.
	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.connectCalls())
}

func TestExplicitDisconnectDoesNotReconnect(t *testing.T) {
	cm, ft, clock, _ := newTestConnManager(t, DefaultReconnectStrategy())
	require.NoError(t, cm.Connect(context.Background()))

	cm.Disconnect()
	assert.Equal(t, StateDisconnected, cm.State())
	assert.False(t, cm.Status().LastDisconnectedAt.IsZero())

	clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateDisconnected, cm.State())
	assert.Equal(t, 1, ft.connectCalls())
}

func TestConnectionLossSchedulesBackoffReconnect(t *testing.T) {
	strategy := ReconnectStrategy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  8,
	}
	cm, ft, clock, _ := newTestConnManager(t, strategy)
	require.NoError(t, cm.Connect(context.Background()))

	ft.setConnectErr(errors.New("still down"))
	ft.dropConnection()

	assert.Equal(t, StateDisconnected, cm.State())
	assert.Equal(t, 1, cm.Status().ReconnectAttempts)

	clock.Advance(strategy.Delay(1))
	require.Eventually(t, func() bool {
		return cm.Status().ReconnectAttempts == 2
	}, time.Second, time.Millisecond, "failed attempt schedules the next one")

	ft.setConnectErr(nil)
	clock.Advance(strategy.Delay(2))
	require.Eventually(t, func() bool {
		return cm.State() == StateConnected
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, cm.Status().ReconnectAttempts, "attempt counter resets on recovery")
}

func TestReconnectStopsAtAttemptCap(t *testing.T) {
	strategy := ReconnectStrategy{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		MaxAttempts:  2,
	}
	cm, ft, clock, issues := newTestConnManager(t, strategy)
	require.NoError(t, cm.Connect(context.Background()))

	ft.setConnectErr(errors.New("gone"))
	ft.dropConnection()
	require.Equal(t, 1, cm.Status().ReconnectAttempts)

	clock.Advance(strategy.Delay(1))
	require.Eventually(t, func() bool {
		return cm.Status().ReconnectAttempts == 2
	}, time.Second, time.Millisecond)

	clock.Advance(strategy.Delay(2))
	require.Eventually(t, func() bool {
		return issues.Len() == 1
	}, time.Second, time.Millisecond, "exhaustion surfaces a terminal issue")

	issue := issues.Issues()[0]
	assert.Equal(t, IssueValidationError, issue.Category)
	assert.Equal(t, 2, issue.Data["attempts"])

	// No further attempts without an explicit connect.
	calls := ft.connectCalls()
	clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, calls, ft.connectCalls())

	ft.setConnectErr(nil)
	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, StateConnected, cm.State())
}

func TestRecoveryResubscribesTrackedChannels(t *testing.T) {
	cm, ft, clock, _ := newTestConnManager(t, DefaultReconnectStrategy())

	var drains int
	cm.OnConnected(func() { drains++ })
	cm.TrackChannel("/session/1/chat")

	require.NoError(t, cm.Connect(context.Background()))
	assert.Equal(t, 1, drains)
	assert.Contains(t, ft.subscribed, "/session/1/chat")

	ft.dropConnection()
	clock.Advance(DefaultReconnectStrategy().Delay(1))
	require.Eventually(t, func() bool {
		return cm.State() == StateConnected
	}, time.Second, time.Millisecond)

	assert.Equal(t, 2, drains, "drain hook fires on every recovery")
	assert.Equal(t, 2, ft.subscribedCount(), "channel re-subscribed after recovery")
}

func TestLatencyWindowIsBounded(t *testing.T) {
	cm, _, clock, _ := newTestConnManager(t, DefaultReconnectStrategy())

	for i := 0; i < 25; i++ {
		cm.ObserveFrameTimestamp("frame", clock.Now().Add(-10*time.Millisecond))
	}

	status := cm.Status()
	assert.Equal(t, defaultLatencyWindowSize, status.LatencySamples, "oldest samples dropped at capacity")
	assert.Equal(t, 10*time.Millisecond, status.AverageLatency)
}

func TestProbeRoundTrip(t *testing.T) {
	cm, _, clock, _ := newTestConnManager(t, DefaultReconnectStrategy())

	cm.MarkProbeSent("probe-1")
	clock.Advance(30 * time.Millisecond)
	cm.ObserveProbe("probe-1")

	status := cm.Status()
	require.Equal(t, 1, status.LatencySamples)
	assert.Equal(t, 30*time.Millisecond, status.AverageLatency)

	// Unknown probes are ignored.
	cm.ObserveProbe("probe-2")
	assert.Equal(t, 1, cm.Status().LatencySamples)
}
