package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v2"

	"github.com/aurora-ledger/network/pkg/api"
	"github.com/aurora-ledger/network/pkg/discovery"
	"github.com/aurora-ledger/network/pkg/gossip"
	"github.com/aurora-ledger/network/pkg/relay"
	"github.com/aurora-ledger/network/pkg/types"
)

var (
	configPath = flag.String("config", "config.yaml", "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Logging level (debug, info, warn, error)")
)

type Config struct {
	// Node identity and metadata
	Node struct {
		IdentityFile string `yaml:"identity_file"`
		Version      string `yaml:"version"`
	} `yaml:"node"`

	// Network configuration
	Network struct {
		ListenAddresses      []string      `yaml:"listen_addresses"`
		StaticPeers          []string      `yaml:"static_peers"`
		ProtocolID           string        `yaml:"protocol_id"`
		MaxFrameSize         int           `yaml:"max_frame_size"`
		SendQueueSize        int           `yaml:"send_queue_size"`
		DialTimeout          time.Duration `yaml:"dial_timeout"`
		ReconnectBase        time.Duration `yaml:"reconnect_base"`
		ReconnectMax         time.Duration `yaml:"reconnect_max"`
		ReconnectJitter      float64       `yaml:"reconnect_jitter"`
		MaxReconnectAttempts int           `yaml:"max_reconnect_attempts"`
	} `yaml:"network"`

	// Discovery configuration
	Discovery struct {
		DHTEnabled     bool          `yaml:"dht_enabled"`
		MDNSEnabled    bool          `yaml:"mdns_enabled"`
		BootstrapPeers []string      `yaml:"bootstrap_peers"`
		Namespace      string        `yaml:"namespace"`
		Interval       time.Duration `yaml:"interval"`
		MaxPeers       int           `yaml:"max_peers"`
	} `yaml:"discovery"`

	// Relay configuration
	Relay struct {
		SeenTTL         time.Duration `yaml:"seen_ttl"`
		CleanupInterval time.Duration `yaml:"cleanup_interval"`
		ArchivePath     string        `yaml:"archive_path"`
	} `yaml:"relay"`

	// API configuration
	API struct {
		Host          string        `yaml:"host"`
		Port          int           `yaml:"port"`
		EnableMetrics bool          `yaml:"enable_metrics"`
		CorsAllowList []string      `yaml:"cors_allow_list"`
		RateLimit     int           `yaml:"rate_limit"`
		RateWindow    time.Duration `yaml:"rate_window"`
	} `yaml:"api"`
}

func main() {
	flag.Parse()

	logger, err := initLogger(*logLevel)
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	config, err := loadConfig(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration",
			zap.Error(err),
			zap.String("path", *configPath))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport, network, err := initNetwork(config, logger)
	if err != nil {
		logger.Fatal("Failed to initialize network", zap.Error(err))
	}

	disc, err := initDiscovery(config, transport, logger)
	if err != nil {
		logger.Fatal("Failed to initialize discovery", zap.Error(err))
	}

	relayEvents, discEvents := teeEvents(network.Events())
	rly, err := initRelay(config, network, relayEvents, logger)
	if err != nil {
		logger.Fatal("Failed to initialize relay", zap.Error(err))
	}

	apiServer, err := initAPIServer(config, network, rly, logger)
	if err != nil {
		logger.Fatal("Failed to initialize API server", zap.Error(err))
	}

	if err := startServices(ctx, network, disc, rly, apiServer, discEvents, logger); err != nil {
		logger.Fatal("Failed to start services", zap.Error(err))
	}

	logger.Info("Node running",
		zap.String("id", network.LocalID().String()),
		zap.Strings("listen", config.Network.ListenAddresses))

	waitForShutdown(cancel, network, transport, disc, rly, apiServer, logger)
}

func initLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(getLogLevel(level))
	return config.Build()
}

func getLogLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zap.DebugLevel
	case "info":
		return zap.InfoLevel
	case "warn":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func loadConfig(path string) (*Config, error) {
	configFile, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(configFile, &config); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return &config, nil
}

func initNetwork(config *Config, logger *zap.Logger) (*gossip.HostTransport, *gossip.Service, error) {
	identityFile := config.Node.IdentityFile
	if identityFile == "" {
		identityFile = "node.key"
	}
	key, err := types.LoadOrCreateIdentity(identityFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading node identity: %w", err)
	}

	netConfig := types.NetworkConfig{
		PrivateKey:           key,
		ListenAddresses:      config.Network.ListenAddresses,
		StaticPeers:          config.Network.StaticPeers,
		ProtocolID:           config.Network.ProtocolID,
		Version:              config.Node.Version,
		MaxFrameSize:         config.Network.MaxFrameSize,
		SendQueueSize:        config.Network.SendQueueSize,
		DialTimeout:          config.Network.DialTimeout,
		ReconnectBase:        config.Network.ReconnectBase,
		ReconnectMax:         config.Network.ReconnectMax,
		ReconnectJitter:      config.Network.ReconnectJitter,
		MaxReconnectAttempts: config.Network.MaxReconnectAttempts,
	}.WithDefaults()

	transport, err := gossip.NewHostTransport(&netConfig, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("creating transport: %w", err)
	}

	network, err := gossip.NewService(netConfig, transport, logger)
	if err != nil {
		_ = transport.Close()
		return nil, nil, fmt.Errorf("creating network service: %w", err)
	}

	return transport, network, nil
}

func initDiscovery(config *Config, transport *gossip.HostTransport, logger *zap.Logger) (*discovery.Service, error) {
	cfg := discovery.Config{
		DHTEnabled:        config.Discovery.DHTEnabled,
		MDNSEnabled:       config.Discovery.MDNSEnabled,
		BootstrapPeers:    config.Discovery.BootstrapPeers,
		Namespace:         config.Discovery.Namespace,
		DiscoveryInterval: config.Discovery.Interval,
		MaxPeers:          config.Discovery.MaxPeers,
	}
	return discovery.NewService(transport.Host(), cfg, logger)
}

func initRelay(config *Config, network *gossip.Service, events <-chan gossip.Event, logger *zap.Logger) (*relay.Relay, error) {
	cfg := relay.DefaultConfig()
	if config.Relay.SeenTTL > 0 {
		cfg.SeenTTL = config.Relay.SeenTTL
	}
	if config.Relay.CleanupInterval > 0 {
		cfg.CleanupInterval = config.Relay.CleanupInterval
	}
	cfg.ArchivePath = config.Relay.ArchivePath

	return relay.New(&relayNetwork{events: events, service: network}, cfg, logger)
}

func initAPIServer(config *Config, network *gossip.Service, rly *relay.Relay, logger *zap.Logger) (*api.Server, error) {
	apiConfig := api.DefaultConfig()
	if config.API.Host != "" {
		apiConfig.Host = config.API.Host
	}
	if config.API.Port != 0 {
		apiConfig.Port = config.API.Port
	}
	if len(config.API.CorsAllowList) > 0 {
		apiConfig.AllowedOrigins = config.API.CorsAllowList
	}
	apiConfig.EnableMetrics = config.API.EnableMetrics
	apiConfig.RateLimit = config.API.RateLimit
	apiConfig.RateWindow = config.API.RateWindow

	services := &api.Services{
		Network: network,
		Relay:   rly,
	}
	return api.NewServer(apiConfig, services, logger)
}

func startServices(
	ctx context.Context,
	network *gossip.Service,
	disc *discovery.Service,
	rly *relay.Relay,
	server *api.Server,
	discEvents <-chan gossip.Event,
	logger *zap.Logger,
) error {
	if err := network.Start(); err != nil {
		return fmt.Errorf("starting network service: %w", err)
	}

	rly.Start()

	if err := disc.Start(); err != nil {
		return fmt.Errorf("starting discovery: %w", err)
	}

	// Feed discovered peers into the network and recycle them on loss.
	go func() {
		for pi := range disc.Discoveries() {
			if err := network.AddDiscovered(ctx, pi.ID, pi.Addrs); err != nil {
				logger.Debug("discovered peer not admitted",
					zap.String("peer", pi.ID.String()), zap.Error(err))
			}
		}
	}()
	go func() {
		for ev := range discEvents {
			if d, ok := ev.(gossip.PeerDisconnected); ok {
				disc.RemovePeer(d.ID)
			}
		}
	}()

	if err := server.Start(); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	return nil
}

func waitForShutdown(
	cancel context.CancelFunc,
	network *gossip.Service,
	transport *gossip.HostTransport,
	disc *discovery.Service,
	rly *relay.Relay,
	server *api.Server,
	logger *zap.Logger,
) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	cancel()
	logger.Info("Shutting down services...")

	if err := server.Stop(); err != nil {
		logger.Error("Error stopping API server", zap.Error(err))
	}

	disc.Stop()

	if err := network.Stop(); err != nil {
		logger.Error("Error stopping network service", zap.Error(err))
	}

	if err := rly.Stop(); err != nil {
		logger.Error("Error stopping relay", zap.Error(err))
	}

	if err := transport.Close(); err != nil {
		logger.Error("Error closing transport", zap.Error(err))
	}

	logger.Info("Shutdown complete")
}

// relayNetwork narrows the gossip service to the relay's needs, swapping
// in the teed event stream.
type relayNetwork struct {
	events  <-chan gossip.Event
	service *gossip.Service
}

func (n *relayNetwork) Events() <-chan gossip.Event { return n.events }

func (n *relayNetwork) Send(id peer.ID, payload []byte) error {
	return n.service.Send(id, payload)
}

// teeEvents fans the single event stream out to the relay and the
// discovery recycler. Both branches are buffered and drop-on-full, like
// the source stream itself.
func teeEvents(src <-chan gossip.Event) (<-chan gossip.Event, <-chan gossip.Event) {
	a := make(chan gossip.Event, 256)
	b := make(chan gossip.Event, 256)
	go func() {
		defer close(a)
		defer close(b)
		for ev := range src {
			select {
			case a <- ev:
			default:
			}
			select {
			case b <- ev:
			default:
			}
		}
	}()
	return a, b
}
