// Package progress implements the single-writer ProgressPublisher: a
// mutex-guarded accumulator with a Snapshot read path shared by every
// DestinationQueue.
package progress

import (
	"sync"
	"time"

	"github.com/imageintact/backupcore/internal/model"
)

// Phase is the coordinator lifecycle phase mirrored into the snapshot.
type Phase string

const (
	PhaseIdle                   Phase = "idle"
	PhaseAnalyzingSource        Phase = "analyzing_source"
	PhaseBuildingManifest       Phase = "building_manifest"
	PhaseAnalyzingDestinations  Phase = "analyzing_destinations"
	PhaseCopying                Phase = "copying"
	PhaseVerifying              Phase = "verifying"
	PhaseComplete               Phase = "complete"
	PhaseCancelled              Phase = "cancelled"
	PhaseFailed                 Phase = "failed"
)

const maxFailedFiles = 1000

// Snapshot is a consistent, read-only copy of the publisher's state.
type Snapshot struct {
	Phase                      Phase
	IsRunning                  bool
	OverallProgress            float64
	TotalFiles                 int
	ProcessedFiles             int
	TotalBytes                 int64
	TransferredBytes           int64
	CopySpeedMBPerSecond       float64
	ETASeconds                 *float64
	Destinations               map[string]model.DestinationStatus
	LastError                  string
	FailedFiles                []model.FailedFile
	NetworkOperationInProgress bool
	NetworkRetryAttempt        int
	NetworkRetryMaxAttempts    int
}

// Publisher is the process-wide, single-writer progress aggregator.
type Publisher struct {
	mu sync.Mutex

	phase            Phase
	isRunning        bool
	totalFiles       int
	processedFiles   int
	totalBytes       int64
	transferredBytes int64
	startedAt        time.Time

	destinations map[string]model.DestinationStatus
	lastError    string
	failedFiles  []model.FailedFile

	networkOpInProgress bool
	networkRetryAttempt int
	networkRetryMax     int
}

// New returns a Publisher in its initial (reset) state.
func New() *Publisher {
	p := &Publisher{}
	p.reset()

	return p
}

func (p *Publisher) reset() {
	p.phase = PhaseIdle
	p.isRunning = false
	p.totalFiles = 0
	p.processedFiles = 0
	p.totalBytes = 0
	p.transferredBytes = 0
	p.destinations = make(map[string]model.DestinationStatus)
	p.lastError = ""
	p.failedFiles = nil
	p.networkOpInProgress = false
	p.networkRetryAttempt = 0
	p.networkRetryMax = 0
}

// Reset returns every field to its initial value.
func (p *Publisher) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reset()
}

// StartBackup begins a run: destinations is the set of destination names
// that will be tracked.
func (p *Publisher) StartBackup(totalFiles int, totalBytes int64, destinations []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reset()
	p.phase = PhaseAnalyzingSource
	p.isRunning = true
	p.totalFiles = totalFiles
	p.totalBytes = totalBytes
	p.startedAt = time.Now()

	for _, name := range destinations {
		p.destinations[name] = model.DestinationStatus{Name: name, State: model.DestIdle}
	}
}

// SetPhase transitions the published phase.
func (p *Publisher) SetPhase(phase Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phase = phase
}

// UpdateDestination replaces one destination's status. Monotonic fields
// (Completed, Verified) are never allowed to decrease, matching spec
// §5's ordering guarantee.
func (p *Publisher) UpdateDestination(status model.DestinationStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.destinations[status.Name]; ok {
		if status.Completed < prev.Completed {
			status.Completed = prev.Completed
		}

		if status.Verified < prev.Verified {
			status.Verified = prev.Verified
		}
	}

	p.destinations[status.Name] = status

	p.recomputeProcessed()
}

func (p *Publisher) recomputeProcessed() {
	var processed int

	for _, d := range p.destinations {
		processed += d.Completed + d.Failed
	}

	if processed > p.processedFiles {
		p.processedFiles = processed
	}
}

// RecordBytesTransferred advances the transferred-bytes counter; it never
// decreases.
func (p *Publisher) RecordBytesTransferred(delta int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if delta > 0 {
		p.transferredBytes += delta
	}
}

// RecordFailure appends a FailedFile, dropping the oldest entry once the
// bounded list of maxFailedFiles is exceeded.
func (p *Publisher) RecordFailure(f model.FailedFile) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failedFiles = append(p.failedFiles, f)
	if len(p.failedFiles) > maxFailedFiles {
		p.failedFiles = p.failedFiles[len(p.failedFiles)-maxFailedFiles:]
	}

	p.lastError = f.Message
}

// SetNetworkRetryState mirrors the in-flight network retry indicators.
func (p *Publisher) SetNetworkRetryState(inProgress bool, attempt, max int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.networkOpInProgress = inProgress
	p.networkRetryAttempt = attempt
	p.networkRetryMax = max
}

// CompleteBackup transitions to PhaseComplete without fabricating
// destinations; calling it before StartBackup simply leaves the
// (possibly empty) destination map as-is.
func (p *Publisher) CompleteBackup() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.phase = PhaseComplete
	p.isRunning = false
}

// Snapshot returns a consistent, independently-mutable copy of the
// publisher's state.
func (p *Publisher) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	destCopy := make(map[string]model.DestinationStatus, len(p.destinations))
	for k, v := range p.destinations {
		destCopy[k] = v
	}

	failedCopy := make([]model.FailedFile, len(p.failedFiles))
	copy(failedCopy, p.failedFiles)

	overall, eta, speed := p.computeAggregates()

	return Snapshot{
		Phase:                      p.phase,
		IsRunning:                  p.isRunning,
		OverallProgress:            overall,
		TotalFiles:                 p.totalFiles,
		ProcessedFiles:             p.processedFiles,
		TotalBytes:                 p.totalBytes,
		TransferredBytes:           p.transferredBytes,
		CopySpeedMBPerSecond:       speed,
		ETASeconds:                 eta,
		Destinations:               destCopy,
		LastError:                  p.lastError,
		FailedFiles:                failedCopy,
		NetworkOperationInProgress: p.networkOpInProgress,
		NetworkRetryAttempt:        p.networkRetryAttempt,
		NetworkRetryMaxAttempts:    p.networkRetryMax,
	}
}

// computeAggregates implements the weighted-mean aggregation
// rule: destinations with total==0 are excluded; if every destination
// has total==0, overall is 0 (no division by zero).
func (p *Publisher) computeAggregates() (overall float64, eta *float64, speedMBs float64) {
	var sum float64

	var counted int

	for _, d := range p.destinations {
		if d.Total == 0 {
			continue
		}

		sum += float64(d.Completed) / float64(d.Total)
		counted++
	}

	if counted > 0 {
		overall = sum / float64(counted)
	}

	elapsed := time.Since(p.startedAt).Seconds()
	if elapsed > 0 && p.transferredBytes > 0 {
		speedMBs = (float64(p.transferredBytes) / (1024 * 1024)) / elapsed

		if speedMBs > 0 && overall > 0 && overall < 1 {
			remaining := float64(p.totalBytes-p.transferredBytes) / (1024 * 1024)
			secs := remaining / speedMBs
			eta = &secs
		}
	}

	return overall, eta, speedMBs
}
