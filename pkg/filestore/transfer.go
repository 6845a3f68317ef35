package filestore

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/pkg/log"
	"github.com/flotilla-dev/flotilla/pkg/metrics"
)

// ErrTransferNotFound is returned for operations on unknown transfer ids
var ErrTransferNotFound = errors.New("transfer not found")

// TransferKind classifies why bytes are moving
type TransferKind string

const (
	TransferUpload      TransferKind = "upload"
	TransferDownload    TransferKind = "download"
	TransferReplication TransferKind = "replication"
	TransferBackup      TransferKind = "backup"
)

// TransferStatus is the lifecycle of a transfer
type TransferStatus string

const (
	TransferPending    TransferStatus = "pending"
	TransferInProgress TransferStatus = "in-progress"
	TransferCompleted  TransferStatus = "completed"
	TransferFailed     TransferStatus = "failed"
)

// DefaultBandwidth is the simulator-wide link rate when a transfer sets no
// limit of its own: 100 MB/s.
const DefaultBandwidth int64 = 100 * 1024 * 1024

// DefaultLatency is the fixed per-transfer network latency
const DefaultLatency = 5 * time.Millisecond

// Transfer is one in-flight or finished movement of a file's bytes
type Transfer struct {
	ID               string
	FileID           string
	Kind             TransferKind
	Status           TransferStatus
	SourceNode       string
	DestNode         string
	SizeBytes        int64
	BytesTransferred int64
	BandwidthLimit   int64 // bytes per second
	PacketLoss       float64
	Latency          time.Duration
	Elapsed          time.Duration
	StartedAt        time.Time
	CompletedAt      time.Time
}

// Progress reports completion as a fraction in [0, 1]
func (t *Transfer) Progress() float64 {
	if t.SizeBytes == 0 {
		return 1
	}
	return float64(t.BytesTransferred) / float64(t.SizeBytes)
}

// Throughput reports the effective rate in bytes per second over the
// transfer's simulated elapsed time
func (t *Transfer) Throughput() float64 {
	if t.Elapsed <= 0 {
		return 0
	}
	return float64(t.BytesTransferred) / t.Elapsed.Seconds()
}

// ETA estimates remaining time at the current throughput. Zero when the
// transfer is done or has made no progress yet.
func (t *Transfer) ETA() time.Duration {
	remaining := t.SizeBytes - t.BytesTransferred
	if remaining <= 0 {
		return 0
	}
	rate := t.Throughput()
	if rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}

// Simulator advances file transfers over a modeled link. Time is simulated:
// callers feed elapsed durations into Advance instead of the simulator
// reading the wall clock, so tests and the demo drive it deterministically.
type Simulator struct {
	mu        sync.Mutex
	transfers map[string]*Transfer
	bandwidth int64
	latency   time.Duration

	logger zerolog.Logger
}

// NewSimulator creates a transfer simulator. Zero bandwidth or latency fall
// back to the defaults.
func NewSimulator(bandwidthBytesPerSec int64, latency time.Duration) *Simulator {
	if bandwidthBytesPerSec <= 0 {
		bandwidthBytesPerSec = DefaultBandwidth
	}
	if latency <= 0 {
		latency = DefaultLatency
	}
	return &Simulator{
		transfers: make(map[string]*Transfer),
		bandwidth: bandwidthBytesPerSec,
		latency:   latency,
		logger:    log.WithComponent("transfer"),
	}
}

// Start begins a transfer and returns its id. A zero bandwidthLimit means
// the transfer runs at the simulator's link rate.
func (s *Simulator) Start(fileID string, kind TransferKind, sourceNode, destNode string, sizeBytes, bandwidthLimit int64) (Transfer, error) {
	if sizeBytes < 0 {
		return Transfer{}, fmt.Errorf("transfer for %s: negative size %d", fileID, sizeBytes)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t := &Transfer{
		ID:             uuid.New().String(),
		FileID:         fileID,
		Kind:           kind,
		Status:         TransferInProgress,
		SourceNode:     sourceNode,
		DestNode:       destNode,
		SizeBytes:      sizeBytes,
		BandwidthLimit: bandwidthLimit,
		Latency:        s.latency,
		StartedAt:      time.Now(),
	}
	if t.BandwidthLimit <= 0 || t.BandwidthLimit > s.bandwidth {
		t.BandwidthLimit = s.bandwidth
	}
	if t.SizeBytes == 0 {
		t.Status = TransferCompleted
		t.CompletedAt = t.StartedAt
	}
	s.transfers[t.ID] = t

	s.logger.Debug().
		Str("transfer_id", t.ID).
		Str("file_id", fileID).
		Str("kind", string(kind)).
		Int64("size", sizeBytes).
		Msg("transfer started")
	return *t, nil
}

// Advance moves a transfer forward by the given simulated duration under the
// given packet loss percentage. Packet loss shaves the effective bandwidth:
// 10% loss means 90% of the link rate. The transfer completes once every
// byte is accounted for.
func (s *Simulator) Advance(transferID string, elapsed time.Duration, packetLossPercent float64) (Transfer, error) {
	if packetLossPercent < 0 {
		packetLossPercent = 0
	}
	if packetLossPercent > 100 {
		packetLossPercent = 100
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[transferID]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if t.Status != TransferInProgress {
		return *t, nil
	}

	effective := float64(t.BandwidthLimit) * (1 - packetLossPercent/100)
	moved := int64(effective * elapsed.Seconds())
	if remaining := t.SizeBytes - t.BytesTransferred; moved > remaining {
		moved = remaining
	}
	t.BytesTransferred += moved
	t.Elapsed += elapsed
	t.PacketLoss = packetLossPercent

	metrics.BytesTransferred.Add(float64(moved))

	if t.BytesTransferred >= t.SizeBytes {
		t.Status = TransferCompleted
		t.CompletedAt = time.Now()
		s.logger.Debug().
			Str("transfer_id", t.ID).
			Dur("elapsed", t.Elapsed).
			Float64("throughput_bps", t.Throughput()).
			Msg("transfer completed")
	}
	return *t, nil
}

// Fail marks a transfer as failed. Further Advance calls leave it untouched.
func (s *Simulator) Fail(transferID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[transferID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	if t.Status == TransferInProgress || t.Status == TransferPending {
		t.Status = TransferFailed
		t.CompletedAt = time.Now()
	}
	return nil
}

// Transfer returns a snapshot of one transfer
func (s *Simulator) Transfer(transferID string) (Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.transfers[transferID]
	if !ok {
		return Transfer{}, fmt.Errorf("%w: %s", ErrTransferNotFound, transferID)
	}
	return *t, nil
}

// Transfers lists all transfers sorted by start time, oldest first
func (s *Simulator) Transfers() []Transfer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Transfer, 0, len(s.transfers))
	for _, t := range s.transfers {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// NetworkStats aggregates throughput across finished and in-flight transfers
type NetworkStats struct {
	Transfers            int
	Completed            int
	Failed               int
	BytesTransferred     int64
	AvgThroughputBytesPS float64
}

// Stats snapshots transfer activity. Average throughput covers transfers
// that have moved at least one byte.
func (s *Simulator) Stats() NetworkStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats NetworkStats
	var rateSum float64
	var rated int
	for _, t := range s.transfers {
		stats.Transfers++
		stats.BytesTransferred += t.BytesTransferred
		switch t.Status {
		case TransferCompleted:
			stats.Completed++
		case TransferFailed:
			stats.Failed++
		}
		if rate := t.Throughput(); rate > 0 {
			rateSum += rate
			rated++
		}
	}
	if rated > 0 {
		stats.AvgThroughputBytesPS = rateSum / float64(rated)
	}
	return stats
}
