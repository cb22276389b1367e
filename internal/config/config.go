// Package config holds the agent's runtime configuration: the static pieces
// read once at startup, and the mutable subset a Task's globalConfig can
// overwrite while the agent is running (spec.md §3, §5).
package config

import (
	"sync"
	"time"
)

const (
	// AgentVersion is sent as the Ac-Agent header on every control-plane call
	// and as the agentVersion query param of get-task (see SPEC_FULL.md §12).
	AgentVersion = "2.0.0"

	DefaultPoolSize              = 25
	DefaultRateLimitPerMin       = 100
	DefaultGetTaskStaleThreshold = 3600 * time.Second
	DefaultTaskReceivedStale     = 43200 * time.Second
	MaxInlineBytes               = 500 * 1024 // 512,000 bytes, spec §4.3
)

// Config is the full set of options recognized per spec §3/§6.
type Config struct {
	ServerURL string
	APIKey    string
	AgentID   string
	EnvName   string

	VerifyCert    bool
	DebugMode     bool
	InwardProxy   string
	OutgoingProxy string

	PoolSize        int
	RateLimitPerMin int
	UploadToAC      bool

	GetTaskStaleThreshold      time.Duration
	TaskReceivedStaleThreshold time.Duration

	MetricsRetentionDays int
}

// Mutable is the subset a task's globalConfig is allowed to overwrite
// (spec §3: "A globalConfig embedded in a task overwrites the subset
// {debugMode, verifyCert, poolSize, uploadToAc, rateLimitPerMin}").
type Mutable struct {
	DebugMode       bool
	VerifyCert      bool
	PoolSize        int
	UploadToAC      bool
	RateLimitPerMin int
}

func Defaults() Config {
	return Config{
		VerifyCert:                 false,
		PoolSize:                   DefaultPoolSize,
		RateLimitPerMin:            DefaultRateLimitPerMin,
		UploadToAC:                 true,
		GetTaskStaleThreshold:      DefaultGetTaskStaleThreshold,
		TaskReceivedStaleThreshold: DefaultTaskReceivedStale,
		MetricsRetentionDays:       7,
	}
}

// Store wraps Config behind a RWMutex. Writes only happen at startup and on
// globalConfig application, and ApplyGlobal replaces the mutable subset in
// one locked critical section so readers never observe a half-applied
// overlay (spec §5).
type Store struct {
	mu  sync.RWMutex
	cfg Config

	rateLimitHook func(perMin int)
}

func NewStore(cfg Config) *Store {
	return &Store{cfg: cfg}
}

// SetRateLimitHook wires a callback invoked whenever ApplyGlobal changes
// RateLimitPerMin, so C5's live sliding window can be reconfigured to match
// (spec §3 "rateLimitPerMin" globalConfig override; §4.5 "overridden by
// config to rateLimitPerMin per 60s"). agent.go wires this to the shared
// ratelimit.Limiter since Store itself must stay free of a ratelimit import.
func (s *Store) SetRateLimitHook(fn func(perMin int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimitHook = fn
}

// Snapshot returns a copy safe for the caller to read without further locking.
func (s *Store) Snapshot() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ApplyGlobal overwrites the mutable subset atomically.
func (s *Store) ApplyGlobal(m Mutable) {
	s.mu.Lock()
	s.cfg.DebugMode = m.DebugMode
	s.cfg.VerifyCert = m.VerifyCert
	if m.PoolSize > 0 {
		s.cfg.PoolSize = m.PoolSize
	}
	s.cfg.UploadToAC = m.UploadToAC
	changed := false
	if m.RateLimitPerMin > 0 && m.RateLimitPerMin != s.cfg.RateLimitPerMin {
		s.cfg.RateLimitPerMin = m.RateLimitPerMin
		changed = true
	}
	hook := s.rateLimitHook
	perMin := s.cfg.RateLimitPerMin
	s.mu.Unlock()

	if changed && hook != nil {
		hook(perMin)
	}
}

// RawGlobalConfig is the wire shape of Task.globalConfig before it's
// resolved into Mutable. The boolean fields decode only from JSON booleans;
// a key that is absent or null leaves its pointer nil, and Resolve keeps the
// current value for every nil field.
type RawGlobalConfig struct {
	DebugMode       *bool `json:"debugMode"`
	VerifyCert      *bool `json:"verifyCert"`
	PoolSize        *int  `json:"poolSize"`
	UploadToAC      *bool `json:"uploadToAc"`
	RateLimitPerMin *int  `json:"rateLimitPerMin"`
}

// Resolve merges a RawGlobalConfig onto the current snapshot, preserving any
// field the task didn't specify.
func (s *Store) Resolve(raw RawGlobalConfig) Mutable {
	cur := s.Snapshot()
	m := Mutable{
		DebugMode:       cur.DebugMode,
		VerifyCert:      cur.VerifyCert,
		PoolSize:        cur.PoolSize,
		UploadToAC:      cur.UploadToAC,
		RateLimitPerMin: cur.RateLimitPerMin,
	}
	if raw.DebugMode != nil {
		m.DebugMode = *raw.DebugMode
	}
	if raw.VerifyCert != nil {
		m.VerifyCert = *raw.VerifyCert
	}
	if raw.PoolSize != nil {
		m.PoolSize = *raw.PoolSize
	}
	// An UploadToAC key that is absent or null keeps the current value (true
	// under Defaults()); a null is not read as true when the current value is
	// false.
	if raw.UploadToAC != nil {
		m.UploadToAC = *raw.UploadToAC
	}
	if raw.RateLimitPerMin != nil {
		m.RateLimitPerMin = *raw.RateLimitPerMin
	}
	return m
}
