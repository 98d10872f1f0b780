package probe

import (
	"testing"
)

// Tests that core counts and frequencies are extracted from kernel CPU info.
func TestParseCPUInfo(t *testing.T) {
	data := []byte(`processor	: 0
vendor_id	: GenuineIntel
model name	: Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz
cpu MHz		: 3600.012
cache size	: 12288 KB

processor	: 1
vendor_id	: GenuineIntel
model name	: Intel(R) Core(TM) i7-9700K CPU @ 3.60GHz
cpu MHz		: 3612.628
cache size	: 12288 KB
`)
	cores, freq := parseCPUInfo(data)
	if cores != 2 {
		t.Errorf("core count mismatch: have %d, want 2", cores)
	}
	if freq != 3600.012 {
		t.Errorf("frequency mismatch: have %v, want 3600.012", freq)
	}
	// Frequency-less layouts (common on ARM) must still count cores
	cores, freq = parseCPUInfo([]byte("processor\t: 0\nBogoMIPS\t: 48.00\n"))
	if cores != 1 || freq != 0 {
		t.Errorf("fallback mismatch: have %d cores at %v MHz, want 1 at 0", cores, freq)
	}
}

// Tests that memory gauges are extracted from kernel memory info and scaled
// to bytes.
func TestParseMemInfo(t *testing.T) {
	data := []byte(`MemTotal:       16384000 kB
MemFree:         1024000 kB
MemAvailable:    8192000 kB
Buffers:          512000 kB
`)
	total, available := parseMemInfo(data)
	if want := int64(16384000) * 1024; total != want {
		t.Errorf("total memory mismatch: have %d, want %d", total, want)
	}
	if want := int64(8192000) * 1024; available != want {
		t.Errorf("available memory mismatch: have %d, want %d", available, want)
	}
}

// Tests that CPU load is derived correctly from consecutive counter samples.
func TestCPUPercent(t *testing.T) {
	// user nice system idle iowait irq softirq steal
	prev, ok := parseCPUStat([]byte("cpu  100 0 50 800 50 0 0 0\ncpu0 50 0 25 400 25 0 0 0\n"))
	if !ok {
		t.Fatalf("Failed to parse first sample")
	}
	cur, ok := parseCPUStat([]byte("cpu  175 0 75 850 100 0 0 0\ncpu0 90 0 40 420 50 0 0 0\n"))
	if !ok {
		t.Fatalf("Failed to parse second sample")
	}
	// 100 busy jiffies out of 200 total elapsed
	if have := cpuPercent(prev, cur); have != 50 {
		t.Errorf("cpu percent mismatch: have %v, want 50", have)
	}
	// Identical and regressing samples must clamp to zero, not blow up
	if have := cpuPercent(cur, cur); have != 0 {
		t.Errorf("steady sample mismatch: have %v, want 0", have)
	}
	if have := cpuPercent(cur, prev); have != 0 {
		t.Errorf("regressed sample mismatch: have %v, want 0", have)
	}
	if _, ok := parseCPUStat([]byte("intr 12345\nctxt 6789\n")); ok {
		t.Errorf("parsed a sample out of statless content")
	}
}

// Tests that accelerator lists are extracted from the driver's CSV output,
// including devices with unsupported gauges.
func TestParseGPUList(t *testing.T) {
	data := []byte(`NVIDIA GeForce RTX 3090, 24576, 4096, 37, 61, 285.32
NVIDIA GeForce GTX 1060, 6144, 512, [N/A], 48, [N/A]
`)
	gpus := parseGPUList(data)
	if len(gpus) != 2 {
		t.Fatalf("device count mismatch: have %d, want 2", len(gpus))
	}
	if gpus[0].Name != "NVIDIA GeForce RTX 3090" {
		t.Errorf("device name mismatch: have %s", gpus[0].Name)
	}
	if want := int64(24576) * 1024 * 1024; gpus[0].TotalMemory != want {
		t.Errorf("device memory mismatch: have %d, want %d", gpus[0].TotalMemory, want)
	}
	if gpus[0].Utilization != 37 || gpus[0].Temperature != 61 || gpus[0].PowerDraw != 285.32 {
		t.Errorf("device gauges mismatch: %+v", gpus[0])
	}
	// Unsupported gauges are zeroed, not fatal
	if gpus[1].Utilization != 0 || gpus[1].PowerDraw != 0 {
		t.Errorf("unsupported gauges not zeroed: %+v", gpus[1])
	}
	// Degenerate driver output yields an empty, non-nil list
	if gpus := parseGPUList(nil); gpus == nil || len(gpus) != 0 {
		t.Errorf("empty output mismatch: %v", gpus)
	}
	if gpus := parseGPUList([]byte("No devices were found\n")); len(gpus) != 0 {
		t.Errorf("garbage output parsed into devices: %v", gpus)
	}
}

// Tests that live collection produces a sane snapshot on the host running
// the tests.
func TestCollect(t *testing.T) {
	prober := New(nil)

	info := prober.Collect()
	if info.CPUCount < 1 {
		t.Errorf("cpu count mismatch: have %d, want at least 1", info.CPUCount)
	}
	if info.Platform == "" {
		t.Errorf("platform missing from snapshot")
	}
	if info.GPUs == nil {
		t.Errorf("accelerator list is nil, want empty or populated")
	}
	if info.CPUPercent != 0 {
		t.Errorf("first collection cpu percent mismatch: have %v, want 0", info.CPUPercent)
	}
	// A second collection diffs against the first, staying inside the gauge range
	info = prober.Collect()
	if info.CPUPercent < 0 || info.CPUPercent > 100 {
		t.Errorf("cpu percent out of range: %v", info.CPUPercent)
	}
}
