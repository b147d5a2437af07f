package qjournal

import (
	"fmt"
	"time"
)

const (
	minCheckInterval = 10 * time.Millisecond
)

// Config governs one QuorumJournalManager (writer-side) instance.
type Config struct {
	// RpcTimeout is checked by ValidateConfig only; per-RPC deadlines
	// come from the transports.
	RpcTimeout time.Duration
	// QuorumTimeout bounds an entire QuorumCall, majority-or-fail.
	QuorumTimeout time.Duration
	// MaxOutstandingBytes is the per-peer AsyncLogger backpressure
	// budget: sendEdits calls whose payload would push a peer's
	// outstanding byte count above this fail fast with TooManyQueued
	// instead of queueing indefinitely.
	MaxOutstandingBytes int64
	// RetryBaseDelay/RetryMaxDelay bound AsyncLogger's exponential
	// backoff between retries to an unreachable peer.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxRetryRounds int

	Logger Logger
}

func DefaultConfig() *Config {
	return &Config{
		RpcTimeout:          2 * time.Second,
		QuorumTimeout:       10 * time.Second,
		MaxOutstandingBytes: 2 << 20, // 2MiB
		RetryBaseDelay:      10 * time.Millisecond,
		RetryMaxDelay:       time.Second,
		MaxRetryRounds:      10,
	}
}

func ValidateConfig(c *Config) (bool, string) {
	if c.RpcTimeout < minCheckInterval {
		return false, fmt.Sprintf("RpcTimeout must be at least %s", minCheckInterval)
	}
	if c.QuorumTimeout < c.RpcTimeout {
		return false, "QuorumTimeout must be greater than or equal to RpcTimeout"
	}
	if c.MaxOutstandingBytes < 1 {
		return false, "MaxOutstandingBytes must be greater than 0"
	}
	if c.RetryMaxDelay < c.RetryBaseDelay {
		return false, "RetryMaxDelay must be greater than or equal to RetryBaseDelay"
	}
	if c.MaxRetryRounds < 1 {
		return false, "MaxRetryRounds must be greater than 0"
	}
	return true, ""
}

// JournalNodeConfig governs one server-side JournalNode process.
type JournalNodeConfig struct {
	DataDir  string
	IpcAddr  string
	HttpAddr string
	NoSync   bool // test-only: skip fsync for speed
	Logger   Logger
}

func DefaultJournalNodeConfig(dataDir, ipcAddr, httpAddr string) *JournalNodeConfig {
	return &JournalNodeConfig{
		DataDir:  dataDir,
		IpcAddr:  ipcAddr,
		HttpAddr: httpAddr,
	}
}
