package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"estakernel/internal/config"
	"estakernel/internal/journal"
	"estakernel/internal/kernel"
	"estakernel/internal/router"
	"estakernel/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Loop.TickIntervalMS = 1
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBootAndTick(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, err := New(testConfig(t))
	require.NoError(t, err)
	defer h.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	h.SetClock(func() time.Time { return now })

	require.NoError(t, h.Boot())
	assert.Equal(t, kernel.StateRunning, h.State())

	require.NoError(t, h.Submit(kernel.SpawnEvent(1, types.PriorityHigh, 8, router.DropNewest)))
	now = now.Add(10 * time.Millisecond)
	report := h.Tick()

	assert.Equal(t, kernel.StateRunning, report.State)
	assert.Equal(t, types.ProcessID(1), report.Decision.PID)
	assert.Equal(t, uint64(1), h.Stats().TotalTicks)
}

func TestKernelConfigMapping(t *testing.T) {
	cfg := config.Default()
	cfg.Capability.MaxPerProcess = 42
	cfg.Scheduler.PreemptionThreshold = "realtime"
	cfg.Router.AckTimeoutMS = 250

	kc := kernelConfig(cfg)
	assert.Equal(t, 42, kc.Capability.MaxPerProcess)
	assert.Equal(t, types.PriorityRealtime, kc.Scheduler.PreemptionThreshold)
	assert.Equal(t, 250*time.Millisecond, kc.Router.AckTimeout)
}

func TestRunStopsOnShutdown(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, err := New(testConfig(t))
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Boot())

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background(), "") }()

	require.NoError(t, h.Shutdown("test complete"))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop after shutdown event")
	}
	assert.Equal(t, kernel.StateStopped, h.State())
	assert.Equal(t, "test complete", h.Stats().ShutdownReason)
}

func TestRunDrainsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	h, err := New(testConfig(t))
	require.NoError(t, err)
	defer h.Close()
	require.NoError(t, h.Boot())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Run(ctx, "") }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not stop after cancel")
	}
	assert.Equal(t, kernel.StateStopped, h.State())
}

func TestJournalRecordsInputs(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(t)
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "run.journal")

	h, err := New(cfg)
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	h.SetClock(func() time.Time { return now })
	require.NoError(t, h.Boot())

	require.NoError(t, h.Submit(kernel.SpawnEvent(7, types.PriorityNormal, 4, router.DropNewest)))
	now = now.Add(10 * time.Millisecond)
	h.Tick()
	require.NoError(t, h.Close())

	f, err := os.Open(cfg.Journal.Path)
	require.NoError(t, err)
	defer f.Close()

	r := journal.NewReader(f)
	first, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, journal.RecordEvent, first.Kind)
	assert.Equal(t, types.ProcessID(7), first.Event.PID)

	second, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, journal.RecordTick, second.Kind)
	assert.True(t, second.Now().Equal(now))
}

func TestAuditRecordsThroughHost(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(t)
	cfg.Audit.Enabled = true
	cfg.Audit.DatabasePath = filepath.Join(t.TempDir(), "audit.db")

	h, err := New(cfg)
	require.NoError(t, err)
	defer h.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	h.SetClock(func() time.Time { return now })
	require.NoError(t, h.Boot())

	require.NoError(t, h.Submit(kernel.SpawnEvent(3, types.PriorityLow, 4, router.DropNewest)))
	now = now.Add(10 * time.Millisecond)
	h.Tick()

	entries, err := h.auditor.ByKind("process_spawned", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.ProcessID(3), entries[0].PID)
}
