package types

import (
	"time"
)

// ServiceType identifies the kind of microservice a node runs
type ServiceType string

const (
	ServiceUser         ServiceType = "user-service"
	ServiceProject      ServiceType = "project-service"
	ServiceChat         ServiceType = "chat-service"
	ServicePayment      ServiceType = "payment-service"
	ServiceNotification ServiceType = "notification-service"
	ServiceFile         ServiceType = "file-service"
)

// AllServiceTypes lists the built-in service types in subnet-derivation order.
// The position of a service type in this list selects its /24 within a region.
var AllServiceTypes = []ServiceType{
	ServiceUser,
	ServiceProject,
	ServiceChat,
	ServicePayment,
	ServiceNotification,
	ServiceFile,
}

// Valid reports whether the service type is one of the built-in variants
func (s ServiceType) Valid() bool {
	for _, t := range AllServiceTypes {
		if s == t {
			return true
		}
	}
	return false
}

// MemoryWeight returns the per-service weighting factor used to derive the
// display memory load from the raw request counters. Chat instances are
// connection-heavy, payment instances compute-heavy.
func (s ServiceType) MemoryWeight() float64 {
	switch s {
	case ServiceChat:
		return 0.9
	case ServicePayment:
		return 0.6
	default:
		return 0.8
	}
}

// NodeHealth represents the health state of a service node
type NodeHealth string

const (
	NodeHealthy    NodeHealth = "healthy"
	NodeFailed     NodeHealth = "failed"
	NodeRecovering NodeHealth = "recovering"
)

// Capacity describes the immutable resource envelope of a node
type Capacity struct {
	CPUCores    int
	MemoryBytes int64
	MaxRequests int64 // Requests admitted concurrently per time unit
}

// Address is the virtual network identity assigned to a node
type Address struct {
	IP      string
	DNSName string
	Port    int
}

// RequestKind identifies the operation a request asks a service to perform
type RequestKind string

const (
	// User service
	KindRegisterUser  RequestKind = "register-user"
	KindAuthenticate  RequestKind = "authenticate"
	KindUpdateProfile RequestKind = "update-profile"

	// Project service
	KindCreateProject RequestKind = "create-project"
	KindAssignTask    RequestKind = "assign-task"
	KindUpdateTask    RequestKind = "update-task"

	// Chat service
	KindSendMessage   RequestKind = "send-message"
	KindCreateChannel RequestKind = "create-channel"

	// Payment service
	KindProcessPayment RequestKind = "process-payment"
	KindValidateTask   RequestKind = "validate-task"
	KindReleaseEscrow  RequestKind = "release-escrow"

	// File service
	KindUploadFile   RequestKind = "upload-file"
	KindDownloadFile RequestKind = "download-file"
	KindDeleteFile   RequestKind = "delete-file"
	KindListFiles    RequestKind = "list-files"
)

// baseLatencies maps each request kind to its base processing cost. Simulated
// latency is this value scaled by the node's load factor, so the model stays
// deterministic for a given sequence of admissions.
var baseLatencies = map[RequestKind]time.Duration{
	KindRegisterUser:   50 * time.Millisecond,
	KindAuthenticate:   20 * time.Millisecond,
	KindUpdateProfile:  30 * time.Millisecond,
	KindCreateProject:  80 * time.Millisecond,
	KindAssignTask:     40 * time.Millisecond,
	KindUpdateTask:     30 * time.Millisecond,
	KindSendMessage:    10 * time.Millisecond,
	KindCreateChannel:  50 * time.Millisecond,
	KindProcessPayment: 150 * time.Millisecond,
	KindValidateTask:   200 * time.Millisecond,
	KindReleaseEscrow:  120 * time.Millisecond,

	// File operations pay a fixed admission cost here; the transfer itself
	// is modeled separately with bandwidth and progress.
	KindUploadFile:   50 * time.Millisecond,
	KindDownloadFile: 50 * time.Millisecond,
	KindDeleteFile:   50 * time.Millisecond,
	KindListFiles:    50 * time.Millisecond,
}

// defaultBaseLatency covers request kinds beyond the built-in set
const defaultBaseLatency = 50 * time.Millisecond

// BaseLatency returns the base processing cost for a request kind
func (k RequestKind) BaseLatency() time.Duration {
	if d, ok := baseLatencies[k]; ok {
		return d
	}
	return defaultBaseLatency
}

// ServiceFor returns the service type that handles this request kind
func (k RequestKind) ServiceFor() ServiceType {
	switch k {
	case KindRegisterUser, KindAuthenticate, KindUpdateProfile:
		return ServiceUser
	case KindCreateProject, KindAssignTask, KindUpdateTask:
		return ServiceProject
	case KindSendMessage, KindCreateChannel:
		return ServiceChat
	case KindProcessPayment, KindValidateTask, KindReleaseEscrow:
		return ServicePayment
	case KindUploadFile, KindDownloadFile, KindDeleteFile, KindListFiles:
		return ServiceFile
	}
	return ""
}

// RequestStatus tracks a request through its lifecycle
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestRouted     RequestStatus = "routed"
	RequestProcessing RequestStatus = "processing"
	RequestCompleted  RequestStatus = "completed"
	RequestFailed     RequestStatus = "failed"
)

// ServiceRequest represents one unit of work submitted to the fleet.
// The router owns it from submission until it reaches a terminal status.
type ServiceRequest struct {
	ID          string
	Kind        RequestKind
	ServiceType ServiceType
	Region      string // Optional locality hint; empty means any region
	Cost        int64  // Capacity units reserved on admission; 0 means 1
	CreatedAt   time.Time
	Deadline    time.Time // Optional; zero means no deadline

	// Filled in once routed
	NodeID     string
	Status     RequestStatus
	SourceIP   string
	SourcePort int
	DestIP     string
	DestPort   int
	Latency    time.Duration
}

// AdmissionCost returns the capacity units this request reserves on a node
func (r *ServiceRequest) AdmissionCost() int64 {
	if r.Cost <= 0 {
		return 1
	}
	return r.Cost
}

// OutcomeCode classifies the terminal result of a routing attempt
type OutcomeCode string

const (
	// OutcomeRouted is the only non-terminal code: a submitted request was
	// placed and admitted but not yet resolved
	OutcomeRouted OutcomeCode = "routed"

	OutcomeCompleted          OutcomeCode = "completed"
	OutcomeFailed             OutcomeCode = "failed"
	OutcomeServiceUnavailable OutcomeCode = "service-unavailable"
	OutcomeCapacityExceeded   OutcomeCode = "capacity-exceeded"
)

// Outcome is the result of routing one request end to end
type Outcome struct {
	Code    OutcomeCode
	NodeID  string        // Chosen node, if any
	Latency time.Duration // Simulated processing latency for completed requests
	Reason  string        // Failure detail for non-completed outcomes
	Err     error         // Typed cause when one exists, e.g. a firewall denial
}

// RegionSpec declares a region and its /16 block
type RegionSpec struct {
	Name string `yaml:"name"`
	CIDR string `yaml:"cidr"`
}

// NodeStat is a point-in-time view of one node, safe to hand to dashboards
type NodeStat struct {
	NodeID         string
	ServiceType    ServiceType
	Region         string
	Health         NodeHealth
	Address        Address
	ActiveRequests int64
	MaxRequests    int64
	CPUPercent     float64
	MemoryPercent  float64
	Processed      int64
	Failed         int64
}

// ServiceStat aggregates routing totals for one service type
type ServiceStat struct {
	ServiceType  ServiceType
	Nodes        int
	HealthyNodes int
	Routed       int64
	Completed    int64
	Failed       int64
}

// Snapshot is a consistent read-only view of the whole fleet
type Snapshot struct {
	TakenAt     time.Time
	Nodes       []NodeStat
	Services    map[ServiceType]ServiceStat
	Routed      int64
	Completed   int64
	Failed      int64
	Unroutable  int64 // ServiceUnavailable + CapacityExceeded outcomes
	SuccessRate float64
}
