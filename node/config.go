// Package node drives the protocol: it owns the epoch/iteration scheduler,
// dispatches transport events to the peer state, and runs the biased event
// loop that keeps epoch advancement ahead of network traffic.
package node

import (
	"errors"
	"fmt"
	"time"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/log"
	"github.com/eigentrust/eigentrust/trust"
)

// ErrInvalidConfig wraps configuration validation failures.
var ErrInvalidConfig = errors.New("node: invalid config")

// Config configures a Node.
type Config struct {
	// PubKey and SecretKey are the node identity. Required.
	PubKey    crypto.PublicKey
	SecretKey crypto.SecretKey

	// ListenAddr is the TCP listen address. Empty disables listening
	// (an outbound-only node).
	ListenAddr string

	// Bootstrap addresses are dialed at startup.
	Bootstrap []string

	// EpochInterval is the wall-clock epoch length.
	EpochInterval time.Duration

	// IterInterval spaces the iterations inside an epoch.
	IterInterval time.Duration

	// IntervalLimit caps the number of epochs the node participates in.
	// Zero means unlimited.
	IntervalLimit uint64

	// NeighborScore is the raw score assigned to a freshly connected
	// neighbor until the operator overrides it.
	NeighborScore uint32

	// Logger receives node diagnostics. Nil means the default module
	// logger.
	Logger *log.Logger
}

// DefaultConfig returns the standard deployment parameters.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:18500",
		EpochInterval: 60 * time.Second,
		IterInterval:  2 * time.Second,
		NeighborScore: 100,
	}
}

// Validate checks the configuration for a runnable node.
func (c *Config) Validate() error {
	if c.PubKey.IsNull() {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, crypto.ErrInvalidKeypair)
	}
	if c.EpochInterval <= 0 || c.IterInterval <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}
	if c.EpochInterval < time.Duration(trust.NumIterations)*c.IterInterval {
		return fmt.Errorf("%w: %d iterations of %v do not fit in a %v epoch",
			ErrInvalidConfig, trust.NumIterations, c.IterInterval, c.EpochInterval)
	}
	return nil
}
