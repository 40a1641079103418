package service

import (
	"fmt"
	"time"

	"github.com/danmuck/peerctl/internal/protocol"
	"github.com/danmuck/peerctl/internal/protocol/frame"
)

// BackoffConfig shapes redial delays for persistent peers.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config holds protocol timing and limits for every session.
type Config struct {
	Agent            string
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	GossipInterval   time.Duration
	// GossipRate is announcements per second accepted from one peer.
	GossipRate  float64
	GossipBurst int
	// ChunkSize bounds the data carried by one ObjectChunk we send.
	ChunkSize int
	// MaxChunkBytes bounds the data accepted in one ObjectChunk we receive.
	MaxChunkBytes int
	// TransferWindow is how many chunk bytes a session may queue on the
	// reactor before its write buffer drains.
	TransferWindow int
	MaxRecordBytes int
	// MaxOutstanding caps requests in flight per session in each direction.
	MaxOutstanding int
	// Connect lists peers that are dialled on start and redialled on loss.
	Connect []string
	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		Agent:            "peerctl/0.1",
		HandshakeTimeout: 6 * time.Second,
		IdleTimeout:      5 * time.Minute,
		GossipInterval:   time.Minute,
		GossipRate:       1,
		GossipBurst:      5,
		ChunkSize:        64 << 10,
		MaxChunkBytes:    protocol.MaxChunkData(frame.DefaultLimits()),
		TransferWindow:   1 << 20,
		MaxRecordBytes:   4 << 20,
		MaxOutstanding:   32,
		Backoff: BackoffConfig{
			InitialDelay: time.Second,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Minute,
			Jitter:       true,
		},
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Agent == "" {
		c.Agent = d.Agent
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.GossipInterval <= 0 {
		c.GossipInterval = d.GossipInterval
	}
	if c.GossipRate <= 0 {
		c.GossipRate = d.GossipRate
	}
	if c.GossipBurst <= 0 {
		c.GossipBurst = d.GossipBurst
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.MaxChunkBytes <= 0 {
		c.MaxChunkBytes = d.MaxChunkBytes
	}
	if c.TransferWindow <= 0 {
		c.TransferWindow = d.TransferWindow
	}
	if c.MaxRecordBytes <= 0 {
		c.MaxRecordBytes = d.MaxRecordBytes
	}
	if c.MaxOutstanding <= 0 {
		c.MaxOutstanding = d.MaxOutstanding
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// CheckLimits rejects settings the reactor cannot carry: a chunk that does
// not fit one frame, or a transfer window the write buffer cannot hold.
func (c Config) CheckLimits(limits frame.Limits, maxWriteBuffer int) error {
	c = c.WithDefaults()
	limits = limits.WithDefaults()
	if max := protocol.MaxChunkData(limits); c.ChunkSize > max {
		return fmt.Errorf("%w: chunk_size %d exceeds %d, the most a %d byte frame carries",
			ErrInvalidConfig, c.ChunkSize, max, limits.MaxPayloadBytes)
	}
	chunkFrame := frame.HeaderLen + protocol.ObjectChunkOverhead + c.ChunkSize
	if need := 2 * (c.TransferWindow + chunkFrame); need > maxWriteBuffer {
		return fmt.Errorf("%w: transfer_window %d needs a write buffer of %d bytes, have %d",
			ErrInvalidConfig, c.TransferWindow, need, maxWriteBuffer)
	}
	return nil
}
