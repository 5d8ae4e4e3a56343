package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netprobe/pkg/types"
)

func TestScanTaskLifecycle(t *testing.T) {
	reg := New()

	task := reg.CreateScanTask([]string{"127.0.0.1"}, []int{80, 443}, types.ProtocolTCP)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Nil(t, task.CompletedAt)

	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) {
		s.Status = types.TaskRunning
		s.Progress = 50
	}))

	got, ok := reg.GetScanTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, types.TaskRunning, got.Status)
	assert.Equal(t, 50.0, got.Progress)

	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) {
		s.Status = types.TaskCompleted
	}))

	got, _ = reg.GetScanTask(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
	assert.Equal(t, 100.0, got.Progress)
	require.NotNil(t, got.CompletedAt)
}

func TestTerminalTasksDoNotTransition(t *testing.T) {
	reg := New()
	task := reg.CreateScanTask([]string{"h"}, []int{1}, types.ProtocolTCP)

	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) {
		s.Status = types.TaskCancelled
	}))
	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) {
		s.Status = types.TaskRunning
	}))

	got, _ := reg.GetScanTask(task.ID)
	assert.Equal(t, types.TaskCancelled, got.Status)
}

func TestProgressMonotonic(t *testing.T) {
	reg := New()
	task := reg.CreateScanTask([]string{"h"}, []int{1}, types.ProtocolTCP)

	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) { s.Progress = 60 }))
	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) { s.Progress = 40 }))

	got, _ := reg.GetScanTask(task.ID)
	assert.Equal(t, 60.0, got.Progress)

	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) { s.Progress = 150 }))
	got, _ = reg.GetScanTask(task.ID)
	assert.Equal(t, 100.0, got.Progress)
}

func TestScanResultsBuffer(t *testing.T) {
	reg := New()
	task := reg.CreateScanTask([]string{"h"}, []int{1, 2}, types.ProtocolTCP)

	require.NoError(t, reg.AppendScanResults(task.ID,
		&types.ProbeResult{Port: 1, Status: types.PortClosed, Timestamp: time.Now()},
		&types.ProbeResult{Port: 2, Status: types.PortOpen, Timestamp: time.Now()},
	))

	results, err := reg.ScanResults(task.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// Snapshot, not a live view
	results[0] = nil
	again, err := reg.ScanResults(task.ID)
	require.NoError(t, err)
	assert.NotNil(t, again[0])
}

func TestUnknownTaskErrors(t *testing.T) {
	reg := New()

	assert.ErrorIs(t, reg.UpdateScanTask("missing", func(*types.ScanTask) {}), ErrTaskNotFound)
	assert.ErrorIs(t, reg.AppendScanResults("missing"), ErrTaskNotFound)
	assert.ErrorIs(t, reg.DeleteScanTask("missing"), ErrTaskNotFound)
	assert.ErrorIs(t, reg.Cancel("missing"), ErrTaskNotFound)
	_, err := reg.ScanResults("missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, ok := reg.GetScanTask("missing")
	assert.False(t, ok)
}

func TestCancelFiresStopSignal(t *testing.T) {
	reg := New()
	task := reg.CreateScanTask([]string{"h"}, []int{1}, types.ProtocolTCP)

	stop, ok := reg.Stop(task.ID)
	require.True(t, ok)
	assert.False(t, stop.IsSet())

	require.NoError(t, reg.Cancel(task.ID))
	assert.True(t, stop.IsSet())

	select {
	case <-stop.Done():
	default:
		t.Fatal("Done channel not closed after cancel")
	}

	got, _ := reg.GetScanTask(task.ID)
	assert.Equal(t, types.TaskCancelled, got.Status)
	require.NotNil(t, got.CompletedAt)
}

func TestCancelAfterTerminalKeepsStatus(t *testing.T) {
	reg := New()
	task := reg.CreateScanTask([]string{"h"}, []int{1}, types.ProtocolTCP)

	require.NoError(t, reg.UpdateScanTask(task.ID, func(s *types.ScanTask) {
		s.Status = types.TaskCompleted
	}))
	require.NoError(t, reg.Cancel(task.ID))

	got, _ := reg.GetScanTask(task.ID)
	assert.Equal(t, types.TaskCompleted, got.Status)
}

func TestDeleteRemovesEverything(t *testing.T) {
	reg := New()
	task := reg.CreateScanTask([]string{"h"}, []int{1}, types.ProtocolTCP)
	stop, _ := reg.Stop(task.ID)

	require.NoError(t, reg.DeleteScanTask(task.ID))
	assert.True(t, stop.IsSet(), "delete must release a running producer")

	_, ok := reg.GetScanTask(task.ID)
	assert.False(t, ok)
	_, ok = reg.Stop(task.ID)
	assert.False(t, ok)
}

func TestPingTaskLifecycle(t *testing.T) {
	reg := New()
	task := reg.CreatePingTask("example.com", 1.0)
	assert.Equal(t, types.TaskPending, task.Status)

	require.NoError(t, reg.UpdatePingTask(task.ID, func(p *types.PingTask) {
		p.Status = types.TaskRunning
		p.TotalPings = 3
		p.SuccessPings = 2
		p.Quality = types.QualityGood
	}))

	got, ok := reg.GetPingTask(task.ID)
	require.True(t, ok)
	assert.Equal(t, 3, got.TotalPings)
	assert.Equal(t, types.QualityGood, got.Quality)

	require.NoError(t, reg.AppendPingSample(task.ID, types.PingSample{Sequence: 1, Success: true}))
	samples, err := reg.PingSamples(task.ID)
	require.NoError(t, err)
	assert.Len(t, samples, 1)
}

func TestListTasks(t *testing.T) {
	reg := New()
	reg.CreateScanTask([]string{"a"}, []int{1}, types.ProtocolTCP)
	reg.CreateScanTask([]string{"b"}, []int{2}, types.ProtocolUDP)
	reg.CreatePingTask("c", 1.0)

	assert.Len(t, reg.ListScanTasks(), 2)
	assert.Len(t, reg.ListPingTasks(), 1)
}

func TestShutdownFiresAllSignals(t *testing.T) {
	reg := New()
	t1 := reg.CreateScanTask([]string{"a"}, []int{1}, types.ProtocolTCP)
	t2 := reg.CreatePingTask("b", 1.0)

	s1, _ := reg.Stop(t1.ID)
	s2, _ := reg.Stop(t2.ID)

	reg.Shutdown()
	assert.True(t, s1.IsSet())
	assert.True(t, s2.IsSet())
}

func TestStopSignalIdempotent(t *testing.T) {
	sig := NewStopSignal()
	sig.Set()
	sig.Set()
	assert.True(t, sig.IsSet())
}
