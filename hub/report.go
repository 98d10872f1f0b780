package hub

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/neuromesh/neuromesh/wire"
	"github.com/olekukonko/tablewriter"
)

// reportTopology is a debug method to print the current cluster topology and
// any other stats that might be useful.
func (h *Hub) reportTopology(topo *wire.Topology) {
	var (
		buffer = new(bytes.Buffer)
		stats  = bufio.NewWriter(buffer)
	)
	// Print some stats about the hub itself
	fmt.Fprintf(stats, "Master id:  %s\n", h.registry.MasterID())
	fmt.Fprintf(stats, "Serving on: %v\n", h.listener.Addr())
	fmt.Fprintf(stats, "\n")

	reportMembers(stats, topo)
	reportResources(stats, topo)

	// Flush the entire report to the console
	stats.Flush()
	h.logger.Info("Updated cluster topology\n\n" + buffer.String())
}

// reportMembers creates a membership table of every node in the snapshot and
// its liveness.
func reportMembers(w io.Writer, topo *wire.Topology) {
	fmt.Fprintf(w, "Cluster members:\n")

	members := make([][]string, 0, len(topo.Nodes))
	for i, node := range topo.Nodes {
		members = append(members, []string{
			strconv.Itoa(i + 1),
			node.ID,
			node.Role,
			node.Status,
			node.Info.IPAddress,
			time.Since(time.UnixMilli(node.LastSeen)).Truncate(time.Millisecond).String(),
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"#", "ID", "Role", "Status", "Address", "Last seen"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(members)
	table.Render()

	fmt.Fprintf(w, "\n")
}

// reportResources creates a per node resource table and a footer line with
// the cluster aggregates.
func reportResources(w io.Writer, topo *wire.Topology) {
	fmt.Fprintf(w, "Cluster resources:\n")

	resources := make([][]string, 0, len(topo.Nodes))
	for _, node := range topo.Nodes {
		gpus := "none"
		if n := len(node.Info.GPUs); n > 0 {
			var used, total int64
			for _, gpu := range node.Info.GPUs {
				used += gpu.CurrentMemory
				total += gpu.TotalMemory
			}
			gpus = fmt.Sprintf("%d (%s / %s)", n, bytesize(used), bytesize(total))
		}
		used := node.Info.TotalMemory - node.Info.AvailableMemory
		if used < 0 {
			used = 0
		}
		resources = append(resources, []string{
			node.ID,
			strconv.Itoa(node.Info.CPUCount),
			fmt.Sprintf("%.1f%%", node.Info.CPUPercent),
			fmt.Sprintf("%s / %s", bytesize(used), bytesize(node.Info.TotalMemory)),
			gpus,
		})
	}
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"ID", "CPUs", "CPU use", "Memory use", "GPUs"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(resources)
	table.Render()

	used := topo.Stats.TotalMemory - topo.Stats.AvailableMemory
	if used < 0 {
		used = 0
	}
	fmt.Fprintf(w, "\nActive nodes: %d/%d, CPU %.1f%%, memory %s / %s (%.1f%%), GPUs %d at %.1f%%\n",
		topo.Stats.ActiveNodes, topo.Stats.TotalNodes, topo.Stats.CPUPercent,
		bytesize(used), bytesize(topo.Stats.TotalMemory), topo.Stats.MemoryPercent,
		topo.Stats.TotalGPUs, topo.Stats.GPUUtilization)
}

// bytesize renders a byte count with a binary unit suited to its magnitude.
func bytesize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
