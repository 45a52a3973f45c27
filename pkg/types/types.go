package types

import (
	"time"

	"github.com/libp2p/go-libp2p/core/crypto"
)

// Default network parameters, applied by WithDefaults when the
// corresponding NetworkConfig field is left zero.
const (
	DefaultMaxFrameSize  = 1 << 16 // 64 KiB
	DefaultSendQueueSize = 1024
	DefaultDialTimeout   = 10 * time.Second
	DefaultReconnectBase = time.Second
	DefaultReconnectMax  = time.Minute
	DefaultCommandBuffer = 128
	DefaultEventBuffer   = 1024
	DefaultProtocolID    = "/aurora/gossip/1.0.0"
)

// NetworkConfig represents the gossip network configuration.
type NetworkConfig struct {
	// Node identity
	PrivateKey crypto.PrivKey

	// Network parameters
	ListenAddresses []string
	StaticPeers     []string

	// Protocol parameters
	ProtocolID string
	Version    string

	// Gossip stream parameters
	MaxFrameSize  int
	SendQueueSize int

	// Dial and reconnect parameters
	DialTimeout          time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	ReconnectJitter      float64
	MaxReconnectAttempts int // 0 means unlimited

	// Channel capacities
	CommandBuffer int
	EventBuffer   int
}

// WithDefaults returns a copy of the configuration with every unset
// field replaced by its default value.
func (c NetworkConfig) WithDefaults() NetworkConfig {
	if c.ProtocolID == "" {
		c.ProtocolID = DefaultProtocolID
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = DefaultMaxFrameSize
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = DefaultSendQueueSize
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = DefaultReconnectBase
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = DefaultReconnectMax
	}
	if c.ReconnectMax < c.ReconnectBase {
		c.ReconnectMax = c.ReconnectBase
	}
	if c.ReconnectJitter < 0 {
		c.ReconnectJitter = 0
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = DefaultCommandBuffer
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = DefaultEventBuffer
	}
	return c
}

// NodeInfo represents information about the local node.
type NodeInfo struct {
	ID         string   `json:"id"`
	Addresses  []string `json:"addresses"`
	PeerCount  int      `json:"peer_count"`
	ProtocolID string   `json:"protocol_id"`
	Version    string   `json:"version"`
}
