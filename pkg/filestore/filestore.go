package filestore

import (
	"crypto/sha256"
	"encoding/hex"
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

var (
	// ErrFileNotFound is returned for operations on unknown file ids
	ErrFileNotFound = errors.New("file not found")

	// ErrInsufficientReplicas is returned when fewer storage nodes have free
	// space than the replication factor requires
	ErrInsufficientReplicas = errors.New("insufficient storage replicas")

	// ErrReplicaUnavailable is returned when none of a file's replica nodes
	// is registered anymore
	ErrReplicaUnavailable = errors.New("no replica available")

	// ErrNodeAlreadyRegistered is returned when re-registering a storage node
	ErrNodeAlreadyRegistered = errors.New("storage node already registered")
)

// DefaultReplication is the number of nodes each file is stored on
const DefaultReplication = 2

// FileMetadata describes one stored file. StorageNodes lists the replica
// nodes holding it, most free space first at store time.
type FileMetadata struct {
	ID           string
	Filename     string
	Size         int64
	ContentType  string // document, image, video, archive
	OwnerID      string
	Checksum     string
	CreatedAt    time.Time
	ModifiedAt   time.Time
	StorageNodes []string
}

// storageNode tracks one node's storage budget. Only the manager touches it,
// under the manager lock.
type storageNode struct {
	id       string
	capacity int64
	used     int64
	files    map[string]struct{}
}

func (s *storageNode) available() int64 {
	return s.capacity - s.used
}

// Manager places files on storage nodes with replication and tracks per-node
// usage. It is the file-service counterpart of the fleet registry: nodes are
// registered by id and files never outlive their last replica.
type Manager struct {
	mu          sync.Mutex
	nodes       map[string]*storageNode
	files       map[string]*FileMetadata
	replication int

	logger zerolog.Logger
}

// NewManager creates a storage manager with the default replication factor
func NewManager() *Manager {
	return &Manager{
		nodes:       make(map[string]*storageNode),
		files:       make(map[string]*FileMetadata),
		replication: DefaultReplication,
		logger:      log.WithComponent("filestore"),
	}
}

// ReplicationFactor returns how many replicas each file gets
func (m *Manager) ReplicationFactor() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.replication
}

// RegisterNode adds a storage node with the given capacity in bytes
func (m *Manager) RegisterNode(nodeID string, capacityBytes int64) error {
	if capacityBytes <= 0 {
		return fmt.Errorf("storage node %s: capacity must be positive, got %d", nodeID, capacityBytes)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.nodes[nodeID]; ok {
		return fmt.Errorf("%w: %s", ErrNodeAlreadyRegistered, nodeID)
	}
	m.nodes[nodeID] = &storageNode{
		id:       nodeID,
		capacity: capacityBytes,
		files:    make(map[string]struct{}),
	}

	m.logger.Info().
		Str("node_id", nodeID).
		Int64("capacity_bytes", capacityBytes).
		Msg("storage node registered")
	return nil
}

// Store places a file on the nodes with the most free space, one copy per
// replica. It fails when fewer nodes have room than the replication factor
// requires, leaving no partial placement behind.
func (m *Manager) Store(filename string, size int64, contentType, ownerID string) (FileMetadata, error) {
	if size < 0 {
		return FileMetadata{}, fmt.Errorf("file %s: negative size %d", filename, size)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	candidates := make([]*storageNode, 0, len(m.nodes))
	for _, n := range m.nodes {
		if n.available() >= size {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) < m.replication {
		return FileMetadata{}, fmt.Errorf("%w: need %d nodes with %d bytes free, have %d",
			ErrInsufficientReplicas, m.replication, size, len(candidates))
	}

	// Most free space first; ties by id so placement is reproducible.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].available() != candidates[j].available() {
			return candidates[i].available() > candidates[j].available()
		}
		return candidates[i].id < candidates[j].id
	})

	now := time.Now()
	meta := &FileMetadata{
		ID:          uuid.New().String(),
		Filename:    filename,
		Size:        size,
		ContentType: contentType,
		OwnerID:     ownerID,
		CreatedAt:   now,
		ModifiedAt:  now,
	}
	meta.Checksum = checksum(meta.ID, filename)

	for _, n := range candidates[:m.replication] {
		n.used += size
		n.files[meta.ID] = struct{}{}
		meta.StorageNodes = append(meta.StorageNodes, n.id)
	}
	m.files[meta.ID] = meta

	metrics.FilesStored.Inc()

	m.logger.Info().
		Str("file_id", meta.ID).
		Str("filename", filename).
		Int64("size", size).
		Strs("nodes", meta.StorageNodes).
		Msg("file stored")
	return *meta, nil
}

// Retrieve returns a file's metadata and the replica node serving it: the
// first of its storage nodes that is still registered.
func (m *Manager) Retrieve(fileID string) (FileMetadata, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.files[fileID]
	if !ok {
		return FileMetadata{}, "", fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	for _, nodeID := range meta.StorageNodes {
		if _, registered := m.nodes[nodeID]; registered {
			return *meta, nodeID, nil
		}
	}
	return FileMetadata{}, "", fmt.Errorf("%w: %s", ErrReplicaUnavailable, fileID)
}

// Delete removes a file from every replica and frees its space
func (m *Manager) Delete(fileID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	meta, ok := m.files[fileID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrFileNotFound, fileID)
	}
	for _, nodeID := range meta.StorageNodes {
		n, registered := m.nodes[nodeID]
		if !registered {
			continue
		}
		if _, held := n.files[fileID]; held {
			delete(n.files, fileID)
			n.used -= meta.Size
		}
	}
	delete(m.files, fileID)

	metrics.FilesStored.Dec()

	m.logger.Info().Str("file_id", fileID).Str("filename", meta.Filename).Msg("file deleted")
	return nil
}

// Files lists stored files sorted by filename
func (m *Manager) Files() []FileMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]FileMetadata, 0, len(m.files))
	for _, meta := range m.files {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Filename < out[j].Filename })
	return out
}

// NodeUsage reports one storage node's used and total capacity
func (m *Manager) NodeUsage(nodeID string) (used, capacity int64, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.nodes[nodeID]
	if !ok {
		return 0, 0, false
	}
	return n.used, n.capacity, true
}

// StorageStats aggregates usage across all storage nodes
type StorageStats struct {
	Nodes          int
	CapacityBytes  int64
	UsedBytes      int64
	AvailableBytes int64
	UsagePercent   float64
	Files          int
	Replication    int
}

// Stats snapshots storage usage for dashboards
func (m *Manager) Stats() StorageStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := StorageStats{
		Nodes:       len(m.nodes),
		Files:       len(m.files),
		Replication: m.replication,
	}
	for _, n := range m.nodes {
		stats.CapacityBytes += n.capacity
		stats.UsedBytes += n.used
	}
	stats.AvailableBytes = stats.CapacityBytes - stats.UsedBytes
	if stats.CapacityBytes > 0 {
		stats.UsagePercent = float64(stats.UsedBytes) / float64(stats.CapacityBytes) * 100
	}
	return stats
}

// checksum derives a stable content fingerprint from the file's identity.
// The model carries no real bytes, so identity stands in for content.
func checksum(fileID, filename string) string {
	sum := sha256.Sum256([]byte(fileID + filename))
	return hex.EncodeToString(sum[:])
}
