package progress_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imageintact/backupcore/internal/model"
	"github.com/imageintact/backupcore/internal/progress"
)

func Test_Unit_StartBackup_InitializesDestinations(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(10, 1000, []string{"dst-a", "dst-b"})

	snap := p.Snapshot()
	require.Equal(t, progress.PhaseAnalyzingSource, snap.Phase)
	require.True(t, snap.IsRunning)
	require.Equal(t, 10, snap.TotalFiles)
	require.Len(t, snap.Destinations, 2)
	require.Equal(t, model.DestIdle, snap.Destinations["dst-a"].State)
}

func Test_Unit_UpdateDestination_CompletedNeverDecreases(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(5, 500, []string{"dst-a"})

	p.UpdateDestination(model.DestinationStatus{Name: "dst-a", Total: 5, Completed: 3})
	p.UpdateDestination(model.DestinationStatus{Name: "dst-a", Total: 5, Completed: 1})

	snap := p.Snapshot()
	require.Equal(t, 3, snap.Destinations["dst-a"].Completed)
}

func Test_Unit_RecordBytesTransferred_NeverDecreases(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(1, 100, []string{"dst-a"})

	p.RecordBytesTransferred(50)
	p.RecordBytesTransferred(-10)
	p.RecordBytesTransferred(20)

	snap := p.Snapshot()
	require.Equal(t, int64(70), snap.TransferredBytes)
}

func Test_Unit_RecordFailure_BoundedFIFO(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(0, 0, nil)

	for i := 0; i < 1005; i++ {
		p.RecordFailure(model.FailedFile{RelativePath: "f", Message: "err"})
	}

	snap := p.Snapshot()
	require.Len(t, snap.FailedFiles, 1000)
	require.Equal(t, "err", snap.LastError)
}

func Test_Unit_Snapshot_OverallProgress_ExcludesZeroTotalDestinations(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(4, 400, []string{"dst-a", "dst-b"})

	p.UpdateDestination(model.DestinationStatus{Name: "dst-a", Total: 4, Completed: 2})
	p.UpdateDestination(model.DestinationStatus{Name: "dst-b", Total: 0, Completed: 0})

	snap := p.Snapshot()
	require.InDelta(t, 0.5, snap.OverallProgress, 0.0001)
}

func Test_Unit_Reset_ClearsState(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(2, 200, []string{"dst-a"})
	p.RecordBytesTransferred(50)

	p.Reset()

	snap := p.Snapshot()
	require.Equal(t, progress.PhaseIdle, snap.Phase)
	require.False(t, snap.IsRunning)
	require.Zero(t, snap.TransferredBytes)
	require.Empty(t, snap.Destinations)
}

func Test_Unit_CompleteBackup_TransitionsPhase(t *testing.T) {
	t.Parallel()

	p := progress.New()
	p.StartBackup(1, 100, []string{"dst-a"})
	p.CompleteBackup()

	snap := p.Snapshot()
	require.Equal(t, progress.PhaseComplete, snap.Phase)
	require.False(t, snap.IsRunning)
}
