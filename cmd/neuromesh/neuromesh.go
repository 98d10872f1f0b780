package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"github.com/neuromesh/neuromesh/client"
	"github.com/neuromesh/neuromesh/config"
	"github.com/neuromesh/neuromesh/feed"
	"github.com/neuromesh/neuromesh/hub"
	"github.com/neuromesh/neuromesh/probe"
	"github.com/neuromesh/neuromesh/registry"
	"github.com/spf13/cobra"
)

var (
	configFlag    string
	identityFlag  string
	datadirFlag   string
	secretFlag    string
	bindAddrFlag  string
	bindPortFlag  int
	staleFlag     time.Duration
	graceFlag     time.Duration
	queueFlag     int
	feedServeFlag bool
	feedPortFlag  int
	feedAddrFlag  string
	hubURLFlag    string
	intervalFlag  time.Duration
)

func main() {
	// Configure the logger to print everything
	log.Root().SetHandler(log.LvlFilterHandler(log.LvlInfo, log.StreamHandler(os.Stderr, log.TerminalFormat(true))))

	// Create the command to run the master hub
	cmdHub := &cobra.Command{
		Use:   "hub",
		Short: "Run the master hub tracking the cluster topology",
		Run:   runHub,
	}
	cmdHub.Flags().StringVar(&configFlag, "config", "", "Optional YAML config file, explicit flags win")
	cmdHub.Flags().StringVar(&identityFlag, "node.identity", "", "Unique identifier for this node across the entire cluster (default = hostname)")
	cmdHub.Flags().StringVar(&datadirFlag, "node.datadir", filepath.Join(os.Getenv("HOME"), ".neuromesh", "<uid>"), "Folder to persist feed state through restarts")
	cmdHub.Flags().StringVar(&secretFlag, "node.secret", "", "Shared secret to authenticate feed subscribers with")
	cmdHub.Flags().StringVar(&bindAddrFlag, "bind.addr", "0.0.0.0", "Listener interface for workers and dashboards")
	cmdHub.Flags().IntVar(&bindPortFlag, "bind.port", 8765, "Listener port for workers and dashboards")
	cmdHub.Flags().DurationVar(&staleFlag, "hub.stale", registry.DefaultStaleTimeout, "Report silence after which a worker is dropped")
	cmdHub.Flags().DurationVar(&graceFlag, "hub.grace", registry.DefaultGracePeriod, "How long disconnected workers linger in the topology")
	cmdHub.Flags().IntVar(&queueFlag, "hub.queue", hub.DefaultQueueSize, "Snapshot queue capacity per dashboard session")
	cmdHub.Flags().BoolVar(&feedServeFlag, "feed.serve", false, "Mirror topology snapshots into an embedded NSQ feed")
	cmdHub.Flags().IntVar(&feedPortFlag, "feed.port", 4150, "Listener port for feed subscribers")

	// Create the command to run a worker agent
	cmdWorker := &cobra.Command{
		Use:   "worker",
		Short: "Run a worker agent reporting local resources to the hub",
		Run:   runWorker,
	}
	cmdWorker.Flags().StringVar(&configFlag, "config", "", "Optional YAML config file, explicit flags win")
	cmdWorker.Flags().StringVar(&identityFlag, "node.identity", "", "Unique identifier for this node across the entire cluster (default = hostname)")
	cmdWorker.Flags().StringVar(&hubURLFlag, "hub.url", "ws://127.0.0.1:8765/ws", "WebSocket endpoint of the hub")
	cmdWorker.Flags().DurationVar(&intervalFlag, "report.interval", client.DefaultReportInterval, "Cadence of resource reports")

	// Create the command to watch the topology from a terminal
	cmdWatch := &cobra.Command{
		Use:   "watch",
		Short: "Stream the cluster topology into the terminal",
		Run:   runWatch,
	}
	cmdWatch.Flags().StringVar(&configFlag, "config", "", "Optional YAML config file, explicit flags win")
	cmdWatch.Flags().StringVar(&hubURLFlag, "hub.url", "ws://127.0.0.1:8765/ws", "WebSocket endpoint of the hub")
	cmdWatch.Flags().StringVar(&feedAddrFlag, "feed.addr", "", "NSQ feed endpoint to tap instead of the hub")
	cmdWatch.Flags().StringVar(&secretFlag, "node.secret", "", "Shared secret the feed authenticates subscribers with")

	rootCmd := &cobra.Command{Use: "neuromesh"}
	rootCmd.AddCommand(cmdHub, cmdWorker, cmdWatch)
	rootCmd.Execute()
}

// loadConfig parses the YAML file behind the --config flag, returning an
// empty config when the flag is unset.
func loadConfig() *config.Config {
	if configFlag == "" {
		return new(config.Config)
	}
	cfg, err := config.Load(configFlag)
	if err != nil {
		log.Crit("Failed to load config file", "path", configFlag, "err", err)
	}
	return cfg
}

// applyHubConfig overlays file values onto hub flags the user left untouched.
func applyHubConfig(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if !flags.Changed("node.identity") && cfg.Node.Identity != "" {
		identityFlag = cfg.Node.Identity
	}
	if !flags.Changed("node.datadir") && cfg.Node.Datadir != "" {
		datadirFlag = cfg.Node.Datadir
	}
	if !flags.Changed("node.secret") && cfg.Node.Secret != "" {
		secretFlag = cfg.Node.Secret
	}
	if !flags.Changed("bind.addr") && cfg.Hub.Addr != "" {
		bindAddrFlag = cfg.Hub.Addr
	}
	if !flags.Changed("bind.port") && cfg.Hub.Port != 0 {
		bindPortFlag = cfg.Hub.Port
	}
	if !flags.Changed("hub.stale") && cfg.Hub.StaleTimeout != 0 {
		staleFlag = cfg.Hub.StaleTimeout
	}
	if !flags.Changed("hub.grace") && cfg.Hub.GracePeriod != 0 {
		graceFlag = cfg.Hub.GracePeriod
	}
	if !flags.Changed("hub.queue") && cfg.Hub.QueueSize != 0 {
		queueFlag = cfg.Hub.QueueSize
	}
	if !flags.Changed("feed.serve") && cfg.Feed.Serve {
		feedServeFlag = true
	}
	if !flags.Changed("feed.port") && cfg.Feed.Port != 0 {
		feedPortFlag = cfg.Feed.Port
	}
}

// applyWorkerConfig overlays file values onto worker flags the user left
// untouched.
func applyWorkerConfig(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if !flags.Changed("node.identity") && cfg.Node.Identity != "" {
		identityFlag = cfg.Node.Identity
	}
	if !flags.Changed("hub.url") && cfg.Hub.URL != "" {
		hubURLFlag = cfg.Hub.URL
	}
	if !flags.Changed("report.interval") && cfg.Worker.Interval != 0 {
		intervalFlag = cfg.Worker.Interval
	}
}

// applyWatchConfig overlays file values onto watch flags the user left
// untouched.
func applyWatchConfig(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if !flags.Changed("hub.url") && cfg.Hub.URL != "" {
		hubURLFlag = cfg.Hub.URL
	}
	if !flags.Changed("feed.addr") && cfg.Feed.Addr != "" {
		feedAddrFlag = cfg.Feed.Addr
	}
	if !flags.Changed("node.secret") && cfg.Node.Secret != "" {
		secretFlag = cfg.Node.Secret
	}
}

// resolveIdentity returns the explicitly set node id, falling back to the
// hostname and lastly to a random id when even that is unavailable.
func resolveIdentity() string {
	if identityFlag != "" {
		return identityFlag
	}
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return uuid.NewString()
}

func runHub(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	applyHubConfig(cmd, cfg)

	identity := resolveIdentity()

	// Configure and start the snapshot feed if requested
	var snapshots *feed.Feed
	if feedServeFlag {
		feedConfig := &feed.Config{
			Name:    identity,
			Datadir: strings.Replace(datadirFlag, "<uid>", identity, -1),
			Secret:  secretFlag,
			Listener: &net.TCPAddr{
				IP:   net.ParseIP(bindAddrFlag),
				Port: feedPortFlag,
			},
		}
		mirror, err := feed.New(feedConfig)
		if err != nil {
			log.Crit("Failed to start snapshot feed", "err", err)
		}
		defer mirror.Close()
		snapshots = mirror
	}
	// Configure and start the topology hub
	prober := probe.New(log.New("id", identity))

	hubConfig := &hub.Config{
		Listener: &net.TCPAddr{
			IP:   net.ParseIP(bindAddrFlag),
			Port: bindPortFlag,
		},
		MasterID:     identity,
		StaleTimeout: staleFlag,
		GracePeriod:  graceFlag,
		QueueSize:    queueFlag,
		Source:       prober.Collect,
		Feed:         snapshots,
	}
	h, err := hub.New(hubConfig)
	if err != nil {
		log.Crit("Failed to start topology hub", "err", err)
	}
	defer h.Close()

	endpoint := fmt.Sprintf("ws://%s:%d/ws", probe.ExternalIP(), h.Port())
	if snapshots != nil {
		log.Info("Cluster endpoints online", "hub", endpoint, "feed", fmt.Sprintf("%s:%d", probe.ExternalIP(), snapshots.Port()))
	} else {
		log.Info("Cluster endpoints online", "hub", endpoint)
	}
	// Wait until the process is terminated
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt)
	<-signalCh
}

func runWorker(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	applyWorkerConfig(cmd, cfg)

	identity := resolveIdentity()

	// Configure and start the reporting worker
	prober := probe.New(log.New("id", identity))

	workerConfig := &client.WorkerConfig{
		URL:      hubURLFlag,
		ID:       identity,
		Interval: intervalFlag,
		Source:   prober.Collect,
	}
	worker, err := client.NewWorker(workerConfig)
	if err != nil {
		log.Crit("Failed to start worker agent", "err", err)
	}
	defer worker.Close()

	// Wait until the process is terminated
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt)
	<-signalCh
}
