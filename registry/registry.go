// Package registry tracks the canonical resource state of every node in the
// cluster and derives the topology snapshots streamed to dashboards.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/neuromesh/neuromesh/wire"
)

// ErrInvalidReport is returned when a resource report decodes fine but fails
// semantic validation. Rejection is atomic, the registry is left untouched.
var ErrInvalidReport = errors.New("invalid report")

// Default housekeeping thresholds, used when the config leaves them unset.
const (
	DefaultMasterID     = "master"
	DefaultStaleTimeout = 45 * time.Second // 9 missed reports on the default cadence
	DefaultGracePeriod  = 30 * time.Second
)

// Config is the set of options to fine tune the node registry.
type Config struct {
	MasterID     string        // Identity of the hub's own record and target of all links
	StaleTimeout time.Duration // Silence after which a connected worker is presumed dead
	GracePeriod  time.Duration // Retention of disconnected records before purging

	// OnChange is invoked with a fresh snapshot after every mutation. It runs
	// with the registry lock held, so invocations are strictly ordered with
	// the mutations that produced them. The hook must not block and must not
	// call back into the registry.
	OnChange func(*wire.Topology)

	Logger log.Logger // Logger to allow differentiating registries if many is embedded
}

// record is the registry's internal state for one cluster participant.
type record struct {
	role      string        // wire.RoleMaster or wire.RoleWorker
	info      wire.NodeInfo // Latest accepted resource snapshot
	connected bool          // Whether the node currently holds a live session
	lastSeen  time.Time     // Time of the last accepted report or master refresh
	lostAt    time.Time     // Time the node disconnected, zero while connected
}

// Registry is the sole writable source of truth for cluster membership and
// resource state. All mutations are serialized under one coarse lock, which
// is plenty for clusters of tens of nodes and gives broadcasts a total order
// for free.
type Registry struct {
	masterID string        // Identity the master record is pinned under
	staleout time.Duration // Silence threshold for presuming workers dead
	graceout time.Duration // Retention threshold for disconnected records

	onChange func(*wire.Topology) // Snapshot sink invoked after every mutation
	logger   log.Logger           // Logger to allow differentiating registries if many is embedded

	mu    sync.Mutex
	nodes map[string]*record // Node ID to latest known state mapping
}

// New creates an empty node registry. The master's own record is not created
// here; the hosting process pins it in via SetMaster once it has probed its
// own resources.
func New(config *Config) *Registry {
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	masterID := config.MasterID
	if masterID == "" {
		masterID = DefaultMasterID
	}
	staleout := config.StaleTimeout
	if staleout == 0 {
		staleout = DefaultStaleTimeout
	}
	graceout := config.GracePeriod
	if graceout == 0 {
		graceout = DefaultGracePeriod
	}
	return &Registry{
		masterID: masterID,
		staleout: staleout,
		graceout: graceout,
		onChange: config.OnChange,
		logger:   logger,
		nodes:    make(map[string]*record),
	}
}

// MasterID returns the identity the master record is pinned under and that
// all worker links target.
func (r *Registry) MasterID() string {
	return r.masterID
}

// RegisterOrUpdate applies a worker resource report to the registry. The
// first report creates the record, subsequent ones replace its snapshot
// wholesale (last-write-wins, no merging). A report failing validation is
// rejected atomically with ErrInvalidReport and mutates nothing.
func (r *Registry) RegisterOrUpdate(report *wire.Report) error {
	if err := wire.ValidateReport(report); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidReport, err)
	}
	if report.ID == r.masterID {
		return fmt.Errorf("%w: id %q is reserved for the master", ErrInvalidReport, report.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	info := report.NodeInfo
	if info.GPUs == nil {
		info.GPUs = []wire.GPUInfo{}
	}
	rec, ok := r.nodes[report.ID]
	if !ok {
		rec = &record{role: wire.RoleWorker}
		r.nodes[report.ID] = rec
		r.logger.Info("Worker joined the topology", "id", report.ID, "host", info.Hostname, "gpus", len(info.GPUs))
	} else if !rec.connected {
		r.logger.Info("Worker rejoined the topology", "id", report.ID)
	}
	rec.info = info
	rec.connected = true
	rec.lastSeen = time.Now()
	rec.lostAt = time.Time{}

	r.changed()
	return nil
}

// MarkDisconnected flags a worker as lost when its session closes. The record
// stays visible for the grace period so transient drops don't make the graph
// flicker. Unknown or already disconnected ids are a no-op.
func (r *Registry) MarkDisconnected(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[id]
	if !ok || !rec.connected {
		return
	}
	rec.connected = false
	rec.lostAt = time.Now()

	r.logger.Info("Worker lost from the topology", "id", id, "grace", r.graceout)
	r.changed()
}

// SetMaster inserts or refreshes the hub's own record. The master is pinned
// into the topology by the hosting process, not by inbound reports, and is
// always considered connected.
func (r *Registry) SetMaster(info wire.NodeInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info.GPUs == nil {
		info.GPUs = []wire.GPUInfo{}
	}
	rec, ok := r.nodes[r.masterID]
	if !ok {
		rec = &record{role: wire.RoleMaster}
		r.nodes[r.masterID] = rec
		r.logger.Info("Master pinned into the topology", "id", r.masterID, "host", info.Hostname)
	}
	rec.info = info
	rec.connected = true
	rec.lastSeen = time.Now()
	rec.lostAt = time.Time{}

	r.changed()
}

// EvictStale purges disconnected records whose grace period has elapsed and
// connected ones that have gone silent past the staleness timeout (handles
// workers dying without the socket ever closing). The master record is never
// evicted. The removed ids are returned, sorted.
func (r *Registry) EvictStale(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for id, rec := range r.nodes {
		if rec.role == wire.RoleMaster {
			continue
		}
		switch {
		case !rec.connected && now.Sub(rec.lostAt) > r.graceout:
			r.logger.Info("Purging disconnected worker", "id", id, "lost", now.Sub(rec.lostAt))
		case rec.connected && now.Sub(rec.lastSeen) > r.staleout:
			r.logger.Warn("Purging silent worker", "id", id, "silence", now.Sub(rec.lastSeen))
		default:
			continue
		}
		delete(r.nodes, id)
		evicted = append(evicted, id)
	}
	if len(evicted) > 0 {
		sort.Strings(evicted)
		r.changed()
	}
	return evicted
}

// Snapshot returns a point-in-time consistent view of the topology. The
// returned value shares nothing with registry state, callers may retain or
// mutate it freely.
func (r *Registry) Snapshot() *wire.Topology {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.snapshot()
}

// snapshot assembles the topology view from the current records. The caller
// must hold the registry lock.
func (r *Registry) snapshot() *wire.Topology {
	// Order the views deterministically, master first, workers sorted by id
	workers := make([]string, 0, len(r.nodes))
	for id, rec := range r.nodes {
		if rec.role != wire.RoleMaster {
			workers = append(workers, id)
		}
	}
	sort.Strings(workers)

	ids := make([]string, 0, len(r.nodes))
	if _, ok := r.nodes[r.masterID]; ok {
		ids = append(ids, r.masterID)
	}
	ids = append(ids, workers...)

	topo := &wire.Topology{
		Type:  wire.TypeTopology,
		Nodes: make([]wire.NodeView, 0, len(ids)),
		Links: make([]wire.Link, 0, len(workers)),
	}
	for _, id := range ids {
		rec := r.nodes[id]

		status := wire.StatusConnected
		if !rec.connected {
			status = wire.StatusDisconnected
		}
		info := rec.info
		info.GPUs = make([]wire.GPUInfo, len(rec.info.GPUs))
		copy(info.GPUs, rec.info.GPUs)

		topo.Nodes = append(topo.Nodes, wire.NodeView{
			ID:       id,
			Role:     rec.role,
			Status:   status,
			LastSeen: rec.lastSeen.UnixMilli(),
			Info:     info,
		})
	}
	// Every worker hangs off the master, whether the master record exists yet
	// or not (dashboards render the hub implicitly either way)
	for _, id := range workers {
		topo.Links = append(topo.Links, wire.Link{Source: id, Target: r.masterID})
	}
	topo.Stats = r.stats()
	return topo
}

// stats derives the cluster-wide aggregates from the current records. The
// caller must hold the registry lock.
func (r *Registry) stats() wire.ClusterStats {
	stats := wire.ClusterStats{TotalNodes: len(r.nodes)}

	var cpuSum, gpuUtilSum float64
	for _, rec := range r.nodes {
		if !rec.connected {
			continue // retained for the grace period, resources already gone
		}
		stats.ActiveNodes++
		stats.TotalGPUs += len(rec.info.GPUs)
		stats.TotalMemory += rec.info.TotalMemory
		stats.AvailableMemory += rec.info.AvailableMemory
		cpuSum += rec.info.CPUPercent

		for _, gpu := range rec.info.GPUs {
			stats.GPUMemoryTotal += gpu.TotalMemory
			stats.GPUMemoryUsed += gpu.CurrentMemory
			gpuUtilSum += gpu.Utilization
		}
	}
	// Ratios guard their denominators so empty clusters report zeros, never
	// NaN or infinities
	if stats.ActiveNodes > 0 {
		stats.CPUPercent = cpuSum / float64(stats.ActiveNodes)
	}
	if stats.TotalMemory > 0 {
		used := stats.TotalMemory - stats.AvailableMemory
		if used < 0 {
			used = 0
		}
		stats.MemoryPercent = 100 * float64(used) / float64(stats.TotalMemory)
	}
	if stats.TotalGPUs > 0 {
		stats.GPUUtilization = gpuUtilSum / float64(stats.TotalGPUs)
	}
	return stats
}

// changed hands a fresh snapshot to the change hook. The caller must hold the
// registry lock, which serialises hook invocations in mutation order.
func (r *Registry) changed() {
	if r.onChange == nil {
		return
	}
	r.onChange(r.snapshot())
}
