package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/danmuck/peerctl/internal/node"
	"github.com/danmuck/peerctl/internal/policy"
	"github.com/danmuck/peerctl/internal/queue"
	"github.com/danmuck/peerctl/internal/slot"
)

type fileConfig struct {
	Listen      string         `toml:"listen"`
	DataDir     string         `toml:"data_dir"`
	KeyFile     string         `toml:"key_file"`
	AdminListen string         `toml:"admin_listen"`
	AdminToken  string         `toml:"admin_token"`
	CORSOrigins []string       `toml:"cors_origins"`
	Connect     []string       `toml:"connect"`
	Reactor     reactorSection `toml:"reactor"`
	Worker      workerSection  `toml:"worker"`
	Service     serviceSection `toml:"service"`
	Policy      policySection  `toml:"policy"`
}

type reactorSection struct {
	PollInterval    string `toml:"poll_interval"`
	ReadBufferSize  int    `toml:"read_buffer_size"`
	MaxWriteBuffer  int    `toml:"max_write_buffer"`
	MaxEvents       int    `toml:"max_events"`
	CommandCapacity int    `toml:"command_capacity"`
	InitialSlot     uint64 `toml:"initial_slot"`
	MaxPayloadBytes uint32 `toml:"max_payload_bytes"`
}

type workerSection struct {
	Units          int    `toml:"units"`
	QueueCapacity  int    `toml:"queue_capacity"`
	QueuePolicy    string `toml:"queue_policy"`
	ResultCapacity int    `toml:"result_capacity"`
}

type serviceSection struct {
	Agent             string  `toml:"agent"`
	HandshakeTimeout  string  `toml:"handshake_timeout"`
	IdleTimeout       string  `toml:"idle_timeout"`
	GossipInterval    string  `toml:"gossip_interval"`
	GossipRate        float64 `toml:"gossip_rate"`
	GossipBurst       int     `toml:"gossip_burst"`
	ChunkSize         int     `toml:"chunk_size"`
	MaxChunkBytes     int     `toml:"max_chunk_bytes"`
	TransferWindow    int     `toml:"transfer_window"`
	MaxRecordBytes    int     `toml:"max_record_bytes"`
	MaxOutstanding    int     `toml:"max_outstanding"`
	BackoffInitial    string  `toml:"backoff_initial"`
	BackoffMax        string  `toml:"backoff_max"`
	BackoffMultiplier float64 `toml:"backoff_multiplier"`
	BackoffJitter     bool    `toml:"backoff_jitter"`
}

type policySection struct {
	Default string   `toml:"default"`
	Scope   string   `toml:"scope"`
	Seed    []string `toml:"seed"`
	Follow  []string `toml:"follow"`
	Block   []string `toml:"block"`
}

func loadNodeConfig(path string) (node.Config, error) {
	cfg := node.DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return node.Config{}, fmt.Errorf("load peerctl config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return node.Config{}, fmt.Errorf("load peerctl config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("listen") {
		cfg.Reactor.ListenAddr = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("data_dir") {
		cfg.DataDir = strings.TrimSpace(raw.DataDir)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("admin_listen") {
		cfg.Admin.Addr = strings.TrimSpace(raw.AdminListen)
	}
	if meta.IsDefined("admin_token") {
		cfg.Admin.Token = strings.TrimSpace(raw.AdminToken)
	}
	if meta.IsDefined("cors_origins") {
		cfg.Admin.CORSOrigins = normalizeList(raw.CORSOrigins)
	}
	if meta.IsDefined("connect") {
		cfg.Service.Connect = normalizeList(raw.Connect)
	}

	if err := applyReactor(meta, raw.Reactor, &cfg); err != nil {
		return node.Config{}, err
	}
	if err := applyWorker(meta, raw.Worker, &cfg); err != nil {
		return node.Config{}, err
	}
	if err := applyService(meta, raw.Service, &cfg); err != nil {
		return node.Config{}, err
	}
	if err := applyPolicy(meta, raw.Policy, &cfg); err != nil {
		return node.Config{}, err
	}
	rcfg := cfg.Reactor.WithDefaults()
	if err := cfg.Service.CheckLimits(rcfg.Limits, rcfg.MaxWriteBuffer); err != nil {
		return node.Config{}, fmt.Errorf("load peerctl config: %w", err)
	}
	return cfg, nil
}

func applyReactor(meta toml.MetaData, raw reactorSection, cfg *node.Config) error {
	if meta.IsDefined("reactor", "poll_interval") {
		d, err := parseDuration("reactor.poll_interval", raw.PollInterval)
		if err != nil {
			return err
		}
		cfg.Reactor.PollInterval = d
	}
	if meta.IsDefined("reactor", "read_buffer_size") {
		cfg.Reactor.ReadBufferSize = raw.ReadBufferSize
	}
	if meta.IsDefined("reactor", "max_write_buffer") {
		cfg.Reactor.MaxWriteBuffer = raw.MaxWriteBuffer
	}
	if meta.IsDefined("reactor", "max_events") {
		cfg.Reactor.MaxEvents = raw.MaxEvents
	}
	if meta.IsDefined("reactor", "command_capacity") {
		cfg.Reactor.CommandCapacity = raw.CommandCapacity
	}
	if meta.IsDefined("reactor", "initial_slot") {
		if raw.InitialSlot == uint64(slot.Waker) {
			return fmt.Errorf("reactor.initial_slot: %d is reserved", raw.InitialSlot)
		}
		cfg.Reactor.InitialSlot = slot.Slot(raw.InitialSlot)
	}
	if meta.IsDefined("reactor", "max_payload_bytes") {
		cfg.Reactor.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}
	return nil
}

func applyWorker(meta toml.MetaData, raw workerSection, cfg *node.Config) error {
	if meta.IsDefined("worker", "units") {
		cfg.Worker.Units = raw.Units
	}
	if meta.IsDefined("worker", "queue_capacity") {
		cfg.Worker.QueueCapacity = raw.QueueCapacity
	}
	if meta.IsDefined("worker", "queue_policy") {
		p, err := queue.ParsePolicy(raw.QueuePolicy)
		if err != nil {
			return fmt.Errorf("worker.queue_policy: %w", err)
		}
		cfg.Worker.QueuePolicy = p
	}
	if meta.IsDefined("worker", "result_capacity") {
		cfg.Worker.ResultCapacity = raw.ResultCapacity
	}
	return nil
}

func applyService(meta toml.MetaData, raw serviceSection, cfg *node.Config) error {
	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Service.HandshakeTimeout},
		{"idle_timeout", raw.IdleTimeout, &cfg.Service.IdleTimeout},
		{"gossip_interval", raw.GossipInterval, &cfg.Service.GossipInterval},
		{"backoff_initial", raw.BackoffInitial, &cfg.Service.Backoff.InitialDelay},
		{"backoff_max", raw.BackoffMax, &cfg.Service.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !meta.IsDefined("service", d.key) {
			continue
		}
		v, err := parseDuration("service."+d.key, d.val)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if meta.IsDefined("service", "agent") {
		cfg.Service.Agent = strings.TrimSpace(raw.Agent)
	}
	if meta.IsDefined("service", "gossip_rate") {
		cfg.Service.GossipRate = raw.GossipRate
	}
	if meta.IsDefined("service", "gossip_burst") {
		cfg.Service.GossipBurst = raw.GossipBurst
	}
	if meta.IsDefined("service", "chunk_size") {
		cfg.Service.ChunkSize = raw.ChunkSize
	}
	if meta.IsDefined("service", "max_chunk_bytes") {
		cfg.Service.MaxChunkBytes = raw.MaxChunkBytes
	}
	if meta.IsDefined("service", "transfer_window") {
		cfg.Service.TransferWindow = raw.TransferWindow
	}
	if meta.IsDefined("service", "max_record_bytes") {
		cfg.Service.MaxRecordBytes = raw.MaxRecordBytes
	}
	if meta.IsDefined("service", "max_outstanding") {
		cfg.Service.MaxOutstanding = raw.MaxOutstanding
	}
	if meta.IsDefined("service", "backoff_multiplier") {
		cfg.Service.Backoff.Multiplier = raw.BackoffMultiplier
	}
	if meta.IsDefined("service", "backoff_jitter") {
		cfg.Service.Backoff.Jitter = raw.BackoffJitter
	}
	return nil
}

func applyPolicy(meta toml.MetaData, raw policySection, cfg *node.Config) error {
	if meta.IsDefined("policy", "default") {
		p, err := policy.ParsePolicy(raw.Default)
		if err != nil {
			return fmt.Errorf("policy.default: %w", err)
		}
		cfg.Policy.Default.DefaultPolicy = p
	}
	if meta.IsDefined("policy", "scope") {
		s, err := policy.ParseScope(raw.Scope)
		if err != nil {
			return fmt.Errorf("policy.scope: %w", err)
		}
		cfg.Policy.Default.DefaultScope = s
	}
	if meta.IsDefined("policy", "seed") {
		cfg.Policy.Seed = normalizeList(raw.Seed)
	}
	if meta.IsDefined("policy", "follow") {
		cfg.Policy.Follow = normalizeList(raw.Follow)
	}
	if meta.IsDefined("policy", "block") {
		cfg.Policy.Block = normalizeList(raw.Block)
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return []string{}
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}

// writeTemplate writes the annotated example config to path.
func writeTemplate(path string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(configTemplate), 0o600)
}

const configTemplate = `# peerctl node configuration
listen = "0.0.0.0:9470"
data_dir = "/var/lib/peerctl"
admin_listen = "127.0.0.1:9471"
connect = []

[reactor]
poll_interval = "1s"
max_write_buffer = 16777216
initial_slot = 1

[worker]
units = 4
queue_capacity = 256
queue_policy = "reject"

[service]
handshake_timeout = "6s"
idle_timeout = "5m"
gossip_interval = "1m"
# chunk_size plus 41 bytes of chunk framing must fit reactor.max_payload_bytes
chunk_size = 65536
transfer_window = 1048576
backoff_initial = "1s"
backoff_max = "5m"

[policy]
default = "block"
scope = "all"
seed = []
follow = []
block = []
`
