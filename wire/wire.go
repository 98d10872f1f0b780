// Package wire defines the JSON messages exchanged between workers, the
// topology hub and dashboard clients.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Message type tags carried in the "type" field of every frame.
const (
	TypeReport    = "report"    // Worker resource report pushed to the hub
	TypeSubscribe = "subscribe" // Dashboard subscription handshake
	TypeTopology  = "topology"  // Whole-cluster snapshot broadcast by the hub
)

// Node roles within the cluster.
const (
	RoleMaster = "master"
	RoleWorker = "worker"
)

// Node liveness states as seen by dashboards.
const (
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

// ErrInvalidMessage is returned when an inbound frame is not valid JSON, is
// missing its type tag, carries an unknown tag, or its payload cannot be
// decoded into the message the tag promises.
var ErrInvalidMessage = errors.New("invalid message")

// validate checks the numeric and enum constraints declared on the report
// fields. A single instance caches the parsed struct tags.
var validate = validator.New()

// NodeInfo is the resource snapshot of a single machine. Byte counts are raw
// bytes and percentages are floats in [0, 100]; no unit conversion is done
// anywhere in the pipeline.
type NodeInfo struct {
	Hostname        string    `json:"hostname"`                                       // Hostname the snapshot was taken on
	Platform        string    `json:"platform"`                                       // Operating system identifier
	IPAddress       string    `json:"ip_address"`                                     // Address the node is reachable at
	CPUCount        int       `json:"cpu_count" validate:"gte=0"`                     // Number of logical CPU cores
	CPUFreq         float64   `json:"cpu_freq" validate:"gte=0"`                      // CPU frequency in MHz
	CPUPercent      float64   `json:"cpu_percent" validate:"gte=0,lte=100"`           // CPU utilization percentage
	TotalMemory     int64     `json:"total_memory" validate:"gte=0"`                  // Total system memory in bytes
	AvailableMemory int64     `json:"available_memory" validate:"gte=0"`              // Available system memory in bytes
	GPUs            []GPUInfo `json:"gpu_info" validate:"dive"`                       // Attached accelerators, empty if none
}

// GPUInfo describes one accelerator attached to a node.
type GPUInfo struct {
	Name          string  `json:"name"`                                   // Marketing name reported by the driver
	TotalMemory   int64   `json:"total_memory" validate:"gte=0"`          // Total device memory in bytes
	CurrentMemory int64   `json:"current_memory" validate:"gte=0"`        // Device memory currently in use in bytes
	Utilization   float64 `json:"utilization" validate:"gte=0,lte=100"`   // Compute utilization percentage
	Temperature   float64 `json:"temperature"`                            // Die temperature in Celsius
	PowerDraw     float64 `json:"power_draw" validate:"gte=0"`            // Current power draw in Watts
}

// Report is a worker's resource snapshot, pushed to the hub on connect and
// then on every sampling tick. The embedded info fields are flattened into
// the top level of the frame.
type Report struct {
	Type string `json:"type"`                          // Always TypeReport
	ID   string `json:"id" validate:"required"`        // Stable worker identity
	Role string `json:"role" validate:"oneof=worker"`  // Only workers push reports
	NodeInfo
}

// Subscribe is the handshake a dashboard sends to start receiving topology
// snapshots.
type Subscribe struct {
	Type string `json:"type"` // Always TypeSubscribe
}

// NodeView is one node of a topology snapshot as presented to dashboards.
type NodeView struct {
	ID       string   `json:"id"`        // Stable node identity
	Role     string   `json:"role"`      // RoleMaster or RoleWorker
	Status   string   `json:"status"`    // StatusConnected or StatusDisconnected
	LastSeen int64    `json:"last_seen"` // Unix ms of the last accepted report
	Info     NodeInfo `json:"info"`      // Latest resource snapshot of the node
}

// Link is a graph edge between a worker and the master it reports to.
type Link struct {
	Source string `json:"source"` // Worker node id
	Target string `json:"target"` // Master node id
}

// ClusterStats are the aggregates derived from all registered nodes.
type ClusterStats struct {
	TotalNodes      int     `json:"total_nodes"`      // All registered nodes, connected or not
	ActiveNodes     int     `json:"active_nodes"`     // Nodes currently connected
	TotalGPUs       int     `json:"total_gpus"`       // Accelerators across all nodes
	TotalMemory     int64   `json:"total_memory"`     // Sum of system memory in bytes
	AvailableMemory int64   `json:"available_memory"` // Sum of available memory in bytes
	MemoryPercent   float64 `json:"memory_percent"`   // Used system memory percentage
	CPUPercent      float64 `json:"cpu_percent"`      // Mean CPU utilization percentage
	GPUMemoryTotal  int64   `json:"gpu_memory_total"` // Sum of device memory in bytes
	GPUMemoryUsed   int64   `json:"gpu_memory_used"`  // Sum of used device memory in bytes
	GPUUtilization  float64 `json:"gpu_utilization"`  // Mean accelerator utilization percentage
}

// Topology is a whole-cluster snapshot. Every broadcast carries the full
// state so consumers never need to patch deltas together.
type Topology struct {
	Type  string       `json:"type"`  // Always TypeTopology
	Nodes []NodeView   `json:"nodes"` // All registered nodes, master first, workers sorted by id
	Links []Link       `json:"links"` // Worker to master edges
	Stats ClusterStats `json:"stats"` // Aggregates over the node set
}

// Kind sniffs the type tag of an encoded frame without decoding the payload.
func Kind(blob []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(blob, &head); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch head.Type {
	case TypeReport, TypeSubscribe, TypeTopology:
		return head.Type, nil
	case "":
		return "", fmt.Errorf("%w: missing type tag", ErrInvalidMessage)
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, head.Type)
	}
}

// DecodeReport parses a worker resource report. Unknown fields are ignored
// for forward compatibility, but a frame whose fields cannot be decoded into
// the report shape is rejected outright.
func DecodeReport(blob []byte) (*Report, error) {
	report := new(Report)
	if err := json.Unmarshal(blob, report); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if report.Type != TypeReport {
		return nil, fmt.Errorf("%w: type %q is not a report", ErrInvalidMessage, report.Type)
	}
	return report, nil
}

// DecodeSubscribe parses a dashboard subscription handshake.
func DecodeSubscribe(blob []byte) (*Subscribe, error) {
	sub := new(Subscribe)
	if err := json.Unmarshal(blob, sub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if sub.Type != TypeSubscribe {
		return nil, fmt.Errorf("%w: type %q is not a subscription", ErrInvalidMessage, sub.Type)
	}
	return sub, nil
}

// DecodeTopology parses a topology snapshot received from the hub.
func DecodeTopology(blob []byte) (*Topology, error) {
	topo := new(Topology)
	if err := json.Unmarshal(blob, topo); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if topo.Type != TypeTopology {
		return nil, fmt.Errorf("%w: type %q is not a topology", ErrInvalidMessage, topo.Type)
	}
	return topo, nil
}

// ValidateReport checks the semantic constraints of a decoded report: the
// identity must be set, the role must be a worker's and all gauges must be
// inside their documented ranges. The shape being valid JSON is not enough
// to accept a report into the registry.
func ValidateReport(report *Report) error {
	return validate.Struct(report)
}

// EncodeReport serialises a resource report for pushing to the hub.
func EncodeReport(report *Report) ([]byte, error) {
	msg := *report
	msg.Type = TypeReport
	if msg.GPUs == nil {
		msg.GPUs = []GPUInfo{}
	}
	return json.Marshal(&msg)
}

// EncodeSubscribe serialises the dashboard subscription handshake.
func EncodeSubscribe() ([]byte, error) {
	return json.Marshal(&Subscribe{Type: TypeSubscribe})
}

// EncodeTopology serialises a snapshot for broadcasting. Nil slices are
// lowered to empty ones so consumers always see arrays, never null.
func EncodeTopology(topo *Topology) ([]byte, error) {
	msg := *topo
	msg.Type = TypeTopology

	msg.Nodes = make([]NodeView, len(topo.Nodes))
	copy(msg.Nodes, topo.Nodes)
	for i := range msg.Nodes {
		if msg.Nodes[i].Info.GPUs == nil {
			msg.Nodes[i].Info.GPUs = []GPUInfo{}
		}
	}
	if msg.Links == nil {
		msg.Links = []Link{}
	}
	return json.Marshal(&msg)
}
