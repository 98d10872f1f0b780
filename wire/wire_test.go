package wire

import (
	"bytes"
	"errors"
	"reflect"
	"testing"
)

// testReport returns a fully populated worker report for reuse across tests.
func testReport() *Report {
	return &Report{
		ID:   "worker-1",
		Role: RoleWorker,
		NodeInfo: NodeInfo{
			Hostname:        "rig-a",
			Platform:        "linux",
			IPAddress:       "192.168.1.10",
			CPUCount:        16,
			CPUFreq:         3600,
			CPUPercent:      12.5,
			TotalMemory:     17179869184,
			AvailableMemory: 8589934592,
			GPUs: []GPUInfo{{
				Name:          "NVIDIA GeForce RTX 3090",
				TotalMemory:   25769803776,
				CurrentMemory: 4294967296,
				Utilization:   37.5,
				Temperature:   61,
				PowerDraw:     285,
			}},
		},
	}
}

// Tests that the frame type sniffer accepts all known frames and fails closed
// on everything else.
func TestKind(t *testing.T) {
	tests := []struct {
		blob string
		kind string
		fail bool
	}{
		{blob: `{"type":"report","id":"worker-1"}`, kind: TypeReport},
		{blob: `{"type":"subscribe"}`, kind: TypeSubscribe},
		{blob: `{"type":"topology","nodes":[]}`, kind: TypeTopology},
		{blob: `{"id":"worker-1"}`, fail: true},         // missing type tag
		{blob: `{"type":"gossip"}`, fail: true},         // unknown type tag
		{blob: `{"type":42}`, fail: true},               // non-string type tag
		{blob: `not even json`, fail: true},             // not JSON at all
		{blob: ``, fail: true},                          // empty frame
	}
	for i, tt := range tests {
		kind, err := Kind([]byte(tt.blob))
		if tt.fail {
			if err == nil {
				t.Errorf("test %d: sniff succeeded on invalid frame %q", i, tt.blob)
			} else if !errors.Is(err, ErrInvalidMessage) {
				t.Errorf("test %d: error mismatch: have %v, want %v", i, err, ErrInvalidMessage)
			}
			continue
		}
		if err != nil {
			t.Errorf("test %d: failed to sniff frame: %v", i, err)
			continue
		}
		if kind != tt.kind {
			t.Errorf("test %d: kind mismatch: have %s, want %s", i, kind, tt.kind)
		}
	}
}

// Tests that reports survive an encode/decode round trip unchanged.
func TestReportRoundTrip(t *testing.T) {
	report := testReport()

	blob, err := EncodeReport(report)
	if err != nil {
		t.Fatalf("Failed to encode report: %v", err)
	}
	decoded, err := DecodeReport(blob)
	if err != nil {
		t.Fatalf("Failed to decode report: %v", err)
	}
	want := *report
	want.Type = TypeReport
	if !reflect.DeepEqual(decoded, &want) {
		t.Fatalf("report mismatch: have %+v, want %+v", decoded, &want)
	}
	// The report fields must be flattened into the frame, not nested
	if !bytes.Contains(blob, []byte(`"id":"worker-1"`)) {
		t.Fatalf("encoded report does not carry a top level id: %s", blob)
	}
}

// Tests that frames of the wrong type or shape are rejected by the payload
// decoders.
func TestDecodeRejections(t *testing.T) {
	tests := []struct {
		blob   string
		decode func([]byte) error
	}{
		{blob: `{"type":"subscribe"}`, decode: func(b []byte) error { _, err := DecodeReport(b); return err }},
		{blob: `{"type":"report","cpu_count":"many"}`, decode: func(b []byte) error { _, err := DecodeReport(b); return err }},
		{blob: `{"type":"report","gpu_info":{}}`, decode: func(b []byte) error { _, err := DecodeReport(b); return err }},
		{blob: `[1,2,3]`, decode: func(b []byte) error { _, err := DecodeReport(b); return err }},
		{blob: `{"type":"report"}`, decode: func(b []byte) error { _, err := DecodeSubscribe(b); return err }},
		{blob: `{"type":"subscribe"}`, decode: func(b []byte) error { _, err := DecodeTopology(b); return err }},
		{blob: `{"type":"topology","nodes":42}`, decode: func(b []byte) error { _, err := DecodeTopology(b); return err }},
	}
	for i, tt := range tests {
		err := tt.decode([]byte(tt.blob))
		if err == nil {
			t.Errorf("test %d: decode succeeded on invalid frame %q", i, tt.blob)
			continue
		}
		if !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("test %d: error mismatch: have %v, want %v", i, err, ErrInvalidMessage)
		}
	}
}

// Tests that unknown fields in otherwise valid frames are ignored instead of
// rejected, so older hubs keep working with newer workers.
func TestDecodeIgnoresUnknownFields(t *testing.T) {
	blob := []byte(`{"type":"report","id":"worker-1","role":"worker","fan_rpm":2400}`)

	report, err := DecodeReport(blob)
	if err != nil {
		t.Fatalf("Failed to decode report with extra fields: %v", err)
	}
	if report.ID != "worker-1" {
		t.Fatalf("report id mismatch: have %s, want worker-1", report.ID)
	}
}

// Tests that semantic validation catches reports that decode fine but carry
// garbage values.
func TestValidateReport(t *testing.T) {
	tests := []struct {
		tweak func(*Report)
		fail  bool
	}{
		{tweak: func(r *Report) {}},                                      // pristine report is valid
		{tweak: func(r *Report) { r.GPUs = nil }},                        // GPU-less nodes are valid
		{tweak: func(r *Report) { r.CPUPercent = 0 }},                    // range boundaries are valid
		{tweak: func(r *Report) { r.CPUPercent = 100 }},                  // range boundaries are valid
		{tweak: func(r *Report) { r.ID = "" }, fail: true},               // identity is mandatory
		{tweak: func(r *Report) { r.Role = RoleMaster }, fail: true},     // only workers report
		{tweak: func(r *Report) { r.Role = "" }, fail: true},             // role is mandatory
		{tweak: func(r *Report) { r.CPUPercent = 100.01 }, fail: true},   // percentage above range
		{tweak: func(r *Report) { r.CPUPercent = -1 }, fail: true},       // percentage below range
		{tweak: func(r *Report) { r.TotalMemory = -1 }, fail: true},      // negative byte count
		{tweak: func(r *Report) { r.AvailableMemory = -1 }, fail: true},  // negative byte count
		{tweak: func(r *Report) { r.CPUCount = -4 }, fail: true},         // negative core count
		{tweak: func(r *Report) { r.GPUs[0].Utilization = 128 }, fail: true},  // GPU gauges validated too
		{tweak: func(r *Report) { r.GPUs[0].CurrentMemory = -1 }, fail: true}, // GPU gauges validated too
	}
	for i, tt := range tests {
		report := testReport()
		tt.tweak(report)

		err := ValidateReport(report)
		if tt.fail && err == nil {
			t.Errorf("test %d: validation passed on invalid report", i)
		}
		if !tt.fail && err != nil {
			t.Errorf("test %d: validation failed on valid report: %v", i, err)
		}
	}
}

// Tests that topologies survive an encode/decode round trip unchanged.
func TestTopologyRoundTrip(t *testing.T) {
	report := testReport()
	topo := &Topology{
		Nodes: []NodeView{
			{ID: "master", Role: RoleMaster, Status: StatusConnected, LastSeen: 1700000000000, Info: NodeInfo{Hostname: "hub", GPUs: []GPUInfo{}}},
			{ID: "worker-1", Role: RoleWorker, Status: StatusConnected, LastSeen: 1700000000500, Info: report.NodeInfo},
		},
		Links: []Link{{Source: "worker-1", Target: "master"}},
		Stats: ClusterStats{
			TotalNodes:      2,
			ActiveNodes:     2,
			TotalGPUs:       1,
			TotalMemory:     17179869184,
			AvailableMemory: 8589934592,
			MemoryPercent:   50,
			CPUPercent:      12.5,
			GPUMemoryTotal:  25769803776,
			GPUMemoryUsed:   4294967296,
			GPUUtilization:  37.5,
		},
	}
	blob, err := EncodeTopology(topo)
	if err != nil {
		t.Fatalf("Failed to encode topology: %v", err)
	}
	decoded, err := DecodeTopology(blob)
	if err != nil {
		t.Fatalf("Failed to decode topology: %v", err)
	}
	want := *topo
	want.Type = TypeTopology
	if !reflect.DeepEqual(decoded, &want) {
		t.Fatalf("topology mismatch: have %+v, want %+v", decoded, &want)
	}
}

// Tests that missing collections are encoded as empty arrays, never as JSON
// null, and that the encoder does not mutate the snapshot it was handed.
func TestEncodeEmptyCollections(t *testing.T) {
	// An empty topology must still carry arrays for nodes and links
	blob, err := EncodeTopology(new(Topology))
	if err != nil {
		t.Fatalf("Failed to encode empty topology: %v", err)
	}
	if !bytes.Contains(blob, []byte(`"nodes":[]`)) {
		t.Errorf("empty node set not encoded as array: %s", blob)
	}
	if !bytes.Contains(blob, []byte(`"links":[]`)) {
		t.Errorf("empty link set not encoded as array: %s", blob)
	}
	// A GPU-less node must carry an array for its accelerators
	topo := &Topology{Nodes: []NodeView{{ID: "worker-1", Role: RoleWorker, Status: StatusConnected}}}

	if blob, err = EncodeTopology(topo); err != nil {
		t.Fatalf("Failed to encode topology: %v", err)
	}
	if !bytes.Contains(blob, []byte(`"gpu_info":[]`)) {
		t.Errorf("missing GPU set not encoded as array: %s", blob)
	}
	if bytes.Contains(blob, []byte("null")) {
		t.Errorf("topology encoded with null collection: %s", blob)
	}
	if topo.Nodes[0].Info.GPUs != nil {
		t.Errorf("encoder mutated the original snapshot: %v", topo.Nodes[0].Info.GPUs)
	}
	// GPU-less reports get the same treatment
	report := testReport()
	report.GPUs = nil

	if blob, err = EncodeReport(report); err != nil {
		t.Fatalf("Failed to encode report: %v", err)
	}
	if !bytes.Contains(blob, []byte(`"gpu_info":[]`)) {
		t.Errorf("missing GPU set not encoded as array: %s", blob)
	}
	if report.GPUs != nil {
		t.Errorf("encoder mutated the original report: %v", report.GPUs)
	}
}
