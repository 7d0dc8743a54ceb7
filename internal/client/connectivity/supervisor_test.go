package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoesOfflineAfterConsecutiveFailures(t *testing.T) {
	s := NewSupervisor(nil, Config{FailureThreshold: 2, OfflineTimeout: time.Hour}, nil)

	s.ReportFailure()
	assert.Equal(t, Online, s.State(), "one failure is not an outage")
	s.ReportFailure()
	assert.Equal(t, Offline, s.State())
}

func TestOfflineTransitionsToProbingAfterTimeout(t *testing.T) {
	s := NewSupervisor(nil, Config{FailureThreshold: 1, OfflineTimeout: time.Millisecond}, nil)

	s.ReportFailure()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(t, Probing, s.State())
}

func TestRecoveryFiresOnOnlineExactlyOnce(t *testing.T) {
	fired := make(chan struct{}, 4)
	var probeErr error
	s := NewSupervisor(func(context.Context) error { return probeErr },
		Config{FailureThreshold: 1, OfflineTimeout: time.Millisecond},
		func() { fired <- struct{}{} })

	probeErr = errors.New("down")
	s.check(context.Background())
	assert.Equal(t, Offline, s.State())

	probeErr = nil
	s.check(context.Background())
	s.check(context.Background()) // already online — no second trigger

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("offline→online transition must fire the callback")
	}
	select {
	case <-fired:
		t.Fatal("staying online must not re-fire the callback")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(t, Online, s.State())
	assert.Zero(t, s.ReconnectAttempts())
}

func TestFailedProbeCountsReconnectAttempts(t *testing.T) {
	s := NewSupervisor(nil, Config{FailureThreshold: 1, OfflineTimeout: time.Millisecond}, nil)

	s.ReportFailure()
	for i := 0; i < 3; i++ {
		time.Sleep(2 * time.Millisecond)
		_ = s.State() // offline → probing
		s.ReportFailure()
	}
	assert.Equal(t, 3, s.ReconnectAttempts())
}
