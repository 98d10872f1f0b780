package main

import (
	"bytes"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/neuromesh/neuromesh/client"
	"github.com/neuromesh/neuromesh/feed"
	"github.com/neuromesh/neuromesh/wire"
	"github.com/nsqio/go-nsq"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func runWatch(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	applyWatchConfig(cmd, cfg)

	// Tap the NSQ feed if one was given, otherwise subscribe to the hub
	if feedAddrFlag != "" {
		channel := fmt.Sprintf("watch-%s#ephemeral", uuid.NewString()[:8])

		consumer, err := feed.NewSubscriber(secretFlag, log.Root()).NewConsumer(channel)
		if err != nil {
			log.Crit("Failed to create feed consumer", "err", err)
		}
		consumer.AddHandler(nsq.HandlerFunc(func(msg *nsq.Message) error {
			topo, err := wire.DecodeTopology(msg.Body)
			if err != nil {
				log.Warn("Dropping malformed snapshot", "err", err)
				return nil
			}
			renderTopology(topo)
			return nil
		}))
		if err := consumer.ConnectToNSQD(feedAddrFlag); err != nil {
			log.Crit("Failed to connect to feed", "addr", feedAddrFlag, "err", err)
		}
		defer consumer.Stop()
	} else {
		viewer, err := client.NewViewer(&client.ViewerConfig{
			URL:     hubURLFlag,
			Handler: renderTopology,
		})
		if err != nil {
			log.Crit("Failed to start topology viewer", "err", err)
		}
		defer viewer.Close()
	}
	// Wait until the process is terminated
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt)
	<-signalCh
}

// renderTopology redraws the terminal with a freshly received cluster
// snapshot.
func renderTopology(topo *wire.Topology) {
	buffer := new(bytes.Buffer)

	rows := make([][]string, 0, len(topo.Nodes))
	for i, node := range topo.Nodes {
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
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			node.ID,
			node.Role,
			node.Status,
			strconv.Itoa(node.Info.CPUCount),
			fmt.Sprintf("%.1f%%", node.Info.CPUPercent),
			fmt.Sprintf("%s / %s", bytesize(used), bytesize(node.Info.TotalMemory)),
			gpus,
			time.Since(time.UnixMilli(node.LastSeen)).Truncate(time.Second).String(),
		})
	}
	table := tablewriter.NewWriter(buffer)
	table.SetHeader([]string{"#", "ID", "Role", "Status", "CPUs", "CPU use", "Memory use", "GPUs", "Last seen"})
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.AppendBulk(rows)
	table.Render()

	used := topo.Stats.TotalMemory - topo.Stats.AvailableMemory
	if used < 0 {
		used = 0
	}
	fmt.Fprintf(buffer, "\nActive nodes: %d/%d, CPU %.1f%%, memory %s / %s (%.1f%%), GPUs %d at %.1f%%\n",
		topo.Stats.ActiveNodes, topo.Stats.TotalNodes, topo.Stats.CPUPercent,
		bytesize(used), bytesize(topo.Stats.TotalMemory), topo.Stats.MemoryPercent,
		topo.Stats.TotalGPUs, topo.Stats.GPUUtilization)

	// Clear the terminal and redraw over the previous frame
	fmt.Print("\033[2J\033[H" + buffer.String())
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
