// Package feed republishes topology snapshots through an embedded NSQ broker.
package feed

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/log"
	"github.com/nsqio/go-nsq"
	"github.com/nsqio/nsq/nsqd"
)

// topologyTopic is the NSQ topic where topology snapshots are published. The
// ephemeral suffix keeps the broker from persisting snapshots nobody reads.
const topologyTopic = "neuromesh.topology#ephemeral"

// Config is the set of options to fine tune the snapshot feed.
type Config struct {
	Name     string       // Globally unique name for the feed instance
	Datadir  string       // Data directory to store NSQ related data
	Secret   string       // Shared secret gating feed access, empty to serve plaintext
	Listener *net.TCPAddr // Listener address for NSQ connections

	Logger log.Logger // Logger to allow differentiating feeds if many is embedded
}

// Feed is a locally running message broker that republishes the hub's topology
// snapshots to any number of external subscribers via NSQ.
//
// Snapshot production is decoupled from delivery through a single slot buffer
// holding only the newest unpublished snapshot. A slow broker delays its own
// subscribers, never the hub's WebSocket sessions.
type Feed struct {
	name string // Globally unique name for the feed instance

	tlsCert []byte // Certificate to authenticate subscribers with, nil for plaintext
	tlsKey  []byte // Private key to encrypt traffic with, nil for plaintext

	daemon   *nsqd.NSQD    // Message broker embedded in this process
	producer *nsq.Producer // Publisher pushing snapshots into the broker

	slot chan []byte     // Hand-over slot holding the newest unpublished snapshot
	quit chan chan error // Quit channel to tear down the publisher with

	logger log.Logger // Logger to allow differentiating feeds if many is embedded
}

// New constructs an NSQ backed snapshot feed for external subscribers.
func New(config *Config) (*Feed, error) {
	// Make sure the config is valid
	if !nsq.IsValidChannelName(config.Name) {
		return nil, fmt.Errorf("invalid feed name '%s', must be alphanumeric", config.Name)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New()
	}
	logger.Info("Starting snapshot feed", "name", config.Name, "datadir", config.Datadir, "bind", config.Listener)

	// Configure an NSQ daemon to act as the snapshot multiplexer
	opts := nsqd.NewOptions()
	opts.DataPath = config.Datadir

	if config.Listener != nil {
		opts.TCPAddress = config.Listener.String()
	} else {
		opts.TCPAddress = "0.0.0.0:0" // Default to a random port, public routing
	}
	opts.HTTPAddress = ""  // Disable the HTTP interface
	opts.HTTPSAddress = "" // Disable the HTTPS interface

	opts.LogLevel = nsqd.LOG_DEBUG    // We'd like to receive all the broker messages
	opts.Logger = &nsqdLogger{logger} // Replace the default stderr logger with ours

	// If a shared secret was set, derive the feed's TLS identity from it. The
	// identity needs to be placed on disk for a moment to work around the NSQ
	// file based configuration.
	var cert, key []byte
	if config.Secret != "" {
		cert, key = makeTLSCert(config.Secret)
		os.MkdirAll(config.Datadir, 0700)

		if err := os.WriteFile(filepath.Join(config.Datadir, "secret.cert"), cert, 0600); err != nil {
			return nil, err
		}
		defer os.Remove(filepath.Join(config.Datadir, "secret.cert"))

		if err := os.WriteFile(filepath.Join(config.Datadir, "secret.key"), key, 0600); err != nil {
			return nil, err
		}
		defer os.Remove(filepath.Join(config.Datadir, "secret.key"))

		opts.TLSRootCAFile = filepath.Join(config.Datadir, "secret.cert")
		opts.TLSCert = filepath.Join(config.Datadir, "secret.cert")
		opts.TLSKey = filepath.Join(config.Datadir, "secret.key")

		opts.TLSRequired = nsqd.TLSRequired         // Enable TLS encryption for all traffic
		opts.TLSClientAuthPolicy = "require-verify" // Require TLS authentication from all subscribers
		opts.TLSMinVersion = tls.VersionTLS12
	}
	// Create the NSQ daemon and boot it up
	daemon, err := nsqd.New(opts)
	if err != nil {
		return nil, err
	}
	go daemon.Main()

	feed := &Feed{
		name:    config.Name,
		tlsCert: cert,
		tlsKey:  key,
		daemon:  daemon,
		slot:    make(chan []byte, 1),
		quit:    make(chan chan error),
		logger:  logger,
	}
	// Attach a producer to the local daemon and start the publisher
	producer, err := feed.newProducer(fmt.Sprintf("127.0.0.1:%d", daemon.RealTCPAddr().Port))
	if err != nil {
		daemon.Exit()
		return nil, err
	}
	feed.producer = producer

	go feed.publish()

	return feed, nil
}

// Close tears down the publisher and terminates the NSQ daemon.
func (f *Feed) Close() error {
	errc := make(chan error)
	f.quit <- errc
	err := <-errc

	f.producer.Stop()
	f.daemon.Exit()
	return err
}

// Name returns the globally unique (user assigned) name of the feed.
func (f *Feed) Name() string {
	return f.name
}

// Port returns the local port number the feed is listening on.
func (f *Feed) Port() int {
	return f.daemon.RealTCPAddr().Port
}

// Offer hands the newest snapshot to the publisher, displacing any queued one.
// The method never blocks. Since every snapshot carries the whole topology,
// dropping an unpublished one in favour of a fresher one loses nothing.
func (f *Feed) Offer(blob []byte) {
	for {
		select {
		case f.slot <- blob:
			return
		default:
			// Publisher is lagging, displace the queued snapshot
			select {
			case <-f.slot:
			default:
			}
		}
	}
}

// publish keeps forwarding queued snapshots into the NSQ daemon until the feed
// is torn down.
func (f *Feed) publish() {
	for {
		select {
		case errc := <-f.quit:
			errc <- nil
			return

		case blob := <-f.slot:
			if err := f.producer.Publish(topologyTopic, blob); err != nil {
				f.logger.Warn("Failed to publish snapshot", "err", err)
			}
		}
	}
}

// newProducer creates a producer connected to the given NSQD instance, set up
// with the feed's TLS identity when one exists.
func (f *Feed) newProducer(addr string) (*nsq.Producer, error) {
	config := nsq.NewConfig()
	config.Snappy = true

	if f.tlsCert != nil {
		config.TlsV1 = true
		config.TlsConfig = makeTLSConfig(f.tlsCert, f.tlsKey)
	}
	producer, err := nsq.NewProducer(addr, config)
	if err != nil {
		return nil, err
	}
	producer.SetLogger(&nsqClientLogger{logger: f.logger, what: "Feed producer emitted log"}, nsq.LogLevelDebug)

	return producer, nil
}

// NewConsumer creates a consumer wired for the snapshot topic and the feed's
// TLS identity; the connectivity itself is left for the caller.
func (f *Feed) NewConsumer(channel string) (*nsq.Consumer, error) {
	return newConsumer(channel, f.tlsCert, f.tlsKey, f.logger)
}

// Subscriber taps the snapshot stream of a remote feed without running a
// broker locally. The primary use case is operator tooling following a live
// hub from the outside.
type Subscriber struct {
	tlsCert []byte // Certificate to authenticate to the feed with, nil for plaintext
	tlsKey  []byte // Private key to encrypt traffic with, nil for plaintext

	logger log.Logger // Logger to allow differentiating subscribers if many is embedded
}

// NewSubscriber creates a snapshot consumer factory without a local broker
// attached. The secret must match the feed's, or be empty for plaintext feeds.
func NewSubscriber(secret string, logger log.Logger) *Subscriber {
	var cert, key []byte
	if secret != "" {
		cert, key = makeTLSCert(secret)
	}
	if logger == nil {
		logger = log.New()
	}
	return &Subscriber{
		tlsCert: cert,
		tlsKey:  key,
		logger:  logger,
	}
}

// NewConsumer creates a consumer wired for the snapshot topic and the
// subscriber's TLS identity; the connectivity itself is left for the caller.
func (s *Subscriber) NewConsumer(channel string) (*nsq.Consumer, error) {
	return newConsumer(channel, s.tlsCert, s.tlsKey, s.logger)
}

// newConsumer assembles a snapshot topic consumer for the given identity.
func newConsumer(channel string, cert []byte, key []byte, logger log.Logger) (*nsq.Consumer, error) {
	config := nsq.NewConfig()
	config.Snappy = true

	if cert != nil {
		config.TlsV1 = true
		config.TlsConfig = makeTLSConfig(cert, key)
	}
	consumer, err := nsq.NewConsumer(topologyTopic, channel, config)
	if err != nil {
		return nil, err
	}
	consumer.SetLogger(&nsqClientLogger{logger: logger, what: "Feed consumer emitted log"}, nsq.LogLevelDebug)

	return consumer, nil
}
