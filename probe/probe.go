// Package probe gathers best effort resource snapshots of the local machine
// for reporting into the topology.
package probe

import (
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/neuromesh/neuromesh/wire"
)

// Prober collects resource snapshots of the local machine. CPU load is
// derived from the counter delta between two consecutive collections, so a
// prober is meant to be retained and polled, not recreated per sample.
type Prober struct {
	logger log.Logger // Logger to allow differentiating probers if many is embedded

	last   cpuSample // Counters of the previous collection
	seeded bool      // Whether a previous collection exists to diff against
}

// New creates a prober for periodic resource collection.
func New(logger log.Logger) *Prober {
	if logger == nil {
		logger = log.New()
	}
	return &Prober{logger: logger}
}

// Collect assembles a resource snapshot of the local machine. Collection is
// best effort, fields whose source is unavailable are simply left zero. A
// prober is not safe for concurrent use.
func (p *Prober) Collect() wire.NodeInfo {
	info := wire.NodeInfo{
		Platform:  runtime.GOOS,
		IPAddress: ExternalIP(),
		CPUCount:  runtime.NumCPU(),
		GPUs:      p.gpus(),
	}
	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}
	if data, err := os.ReadFile("/proc/cpuinfo"); err == nil {
		if cores, freq := parseCPUInfo(data); cores > 0 {
			info.CPUCount = cores
			info.CPUFreq = freq
		}
	}
	if data, err := os.ReadFile("/proc/meminfo"); err == nil {
		info.TotalMemory, info.AvailableMemory = parseMemInfo(data)
	}
	// CPU load is a delta against the previous collection, the first one
	// reports zero
	if data, err := os.ReadFile("/proc/stat"); err == nil {
		if sample, ok := parseCPUStat(data); ok {
			if p.seeded {
				info.CPUPercent = cpuPercent(p.last, sample)
			}
			p.last, p.seeded = sample, true
		}
	}
	return info
}

// gpus queries the NVIDIA driver for the attached accelerators. Machines
// without the tooling report an empty list.
func (p *Prober) gpus() []wire.GPUInfo {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=name,memory.total,memory.used,utilization.gpu,temperature.gpu,power.draw",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		p.logger.Debug("GPU query failed", "err", err)
		return []wire.GPUInfo{}
	}
	return parseGPUList(out)
}

// parseCPUInfo extracts the core count and base frequency from the contents
// of /proc/cpuinfo.
func parseCPUInfo(data []byte) (cores int, freq float64) {
	for _, line := range strings.Split(string(data), "\n") {
		switch {
		case strings.HasPrefix(line, "processor"):
			cores++
		case strings.HasPrefix(line, "cpu MHz") && freq == 0:
			if parts := strings.SplitN(line, ":", 2); len(parts) == 2 {
				freq = num(strings.TrimSpace(parts[1]))
			}
		}
	}
	return cores, freq
}

// parseMemInfo extracts the total and available memory in bytes from the
// contents of /proc/meminfo.
func parseMemInfo(data []byte) (total, available int64) {
	for _, line := range strings.Split(string(data), "\n") {
		var target *int64
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			target = &total
		case strings.HasPrefix(line, "MemAvailable:"):
			target = &available
		default:
			continue
		}
		if fields := strings.Fields(line); len(fields) >= 2 {
			kb, _ := strconv.ParseInt(fields[1], 10, 64)
			*target = kb * 1024
		}
	}
	return total, available
}

// cpuSample is one reading of the aggregate time counters from /proc/stat.
type cpuSample struct {
	busy  uint64 // Jiffies spent doing anything but idling
	total uint64 // All jiffies accounted for since boot
}

// parseCPUStat extracts the aggregate CPU counters from the contents of
// /proc/stat.
func parseCPUStat(data []byte) (cpuSample, bool) {
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}
		var sample cpuSample
		for i, field := range strings.Fields(line)[1:] {
			jiffies, err := strconv.ParseUint(field, 10, 64)
			if err != nil {
				return cpuSample{}, false
			}
			sample.total += jiffies
			if i != 3 && i != 4 { // idle and iowait don't count as busy
				sample.busy += jiffies
			}
		}
		return sample, true
	}
	return cpuSample{}, false
}

// cpuPercent computes the busy share between two samples, clamped into the
// range reports are allowed to carry.
func cpuPercent(prev, cur cpuSample) float64 {
	if cur.total <= prev.total || cur.busy < prev.busy {
		return 0
	}
	percent := 100 * float64(cur.busy-prev.busy) / float64(cur.total-prev.total)
	if percent > 100 {
		return 100
	}
	return percent
}

// parseGPUList extracts the accelerator list from the CSV emitted by
// nvidia-smi. Fields the driver cannot report ([N/A]) are mapped to zero
// instead of failing the whole device.
func parseGPUList(data []byte) []wire.GPUInfo {
	gpus := []wire.GPUInfo{}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			continue
		}
		for i, field := range fields {
			fields[i] = strings.TrimSpace(field)
		}
		gpus = append(gpus, wire.GPUInfo{
			Name:          fields[0],
			TotalMemory:   mib(fields[1]),
			CurrentMemory: mib(fields[2]),
			Utilization:   num(fields[3]),
			Temperature:   num(fields[4]),
			PowerDraw:     num(fields[5]),
		})
	}
	return gpus
}

// num parses a numeric probe field, mapping unparsable ones to zero.
func num(field string) float64 {
	value, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0
	}
	return value
}

// mib converts a mebibyte probe field into raw bytes.
func mib(field string) int64 {
	return int64(num(field) * 1024 * 1024)
}

// ExternalIP iterates over all the network interfaces of the machine and
// returns the address of the first non-loopback one (or the loopback address
// if none can be found).
func ExternalIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		// Skip disconnected and loopback interfaces
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				return v.IP.String()
			case *net.IPAddr:
				return v.IP.String()
			}
		}
	}
	return "127.0.0.1"
}
