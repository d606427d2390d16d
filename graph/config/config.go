// Package config loads and validates the runtime's tunables, following
// a dual Options-struct/functional-option pattern and layering
// environment variables over struct defaults via godotenv the way
// leofalp/aigo and r3e-network/service_layer do.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Privilege is the closed privilege ladder a node registration is
// evaluated against (spec.md section 3.4).
type Privilege string

const (
	PrivilegeRestricted Privilege = "restricted"
	PrivilegeStandard   Privilege = "standard"
	PrivilegeElevated   Privilege = "elevated"
	PrivilegePrivileged Privilege = "privileged"
	PrivilegeAdmin      Privilege = "admin"
)

var privilegeRank = map[Privilege]int{
	PrivilegeRestricted: 0,
	PrivilegeStandard:   1,
	PrivilegeElevated:   2,
	PrivilegePrivileged: 3,
	PrivilegeAdmin:      4,
}

// Allows reports whether a caller holding actual may invoke a node that
// requires required. An unrecognized privilege name ranks the same as
// PrivilegeRestricted: an unknown actual privilege satisfies only
// restricted (or unknown) requirements, and an unknown required
// privilege is satisfied by every caller.
func Allows(required, actual Privilege) bool {
	return privilegeRank[actual] >= privilegeRank[required]
}

// Options holds every recognized runtime configuration knob (spec.md
// section 6.6), documented field by field.
type Options struct {
	// TurnTimeout is the max wall time for a single turn.
	TurnTimeout time.Duration

	// NodeTimeout is the default per-node deadline when a node's own
	// NodePolicy.Timeout is zero.
	NodeTimeout time.Duration

	// GraceDuration is how long the runtime waits for a cancelled node
	// to return before abandoning it.
	GraceDuration time.Duration

	// HistoryDepth is the number of snapshots retained per session.
	HistoryDepth int

	// BroadcastBuffer is the per-subscriber queue capacity.
	BroadcastBuffer int

	// BroadcastHistory is the number of events retained per session for
	// history replay on subscribe.
	BroadcastHistory int

	// SessionTTL is the idle TTL before a session is swept.
	SessionTTL time.Duration

	// IntentConfidenceFloor: below this, IntentNode routes to smalltalk.
	IntentConfidenceFloor float64

	// DefaultPrivilege is assumed for new node registrations that don't
	// specify one.
	DefaultPrivilege Privilege

	// MaxConcurrentSessions bounds the session scheduler's worker pool.
	MaxConcurrentSessions int

	// MaxSteps caps the number of node advances in a single turn,
	// guarding against a misconfigured routing cycle.
	MaxSteps int
}

// Option is a functional option for Options, following the common
// Option/WithX pattern.
type Option func(*Options)

func defaults() Options {
	return Options{
		TurnTimeout:           60 * time.Second,
		NodeTimeout:           15 * time.Second,
		GraceDuration:         2 * time.Second,
		HistoryDepth:          32,
		BroadcastBuffer:       256,
		BroadcastHistory:      100,
		SessionTTL:            30 * time.Minute,
		IntentConfidenceFloor: 0.30,
		DefaultPrivilege:      PrivilegeStandard,
		MaxConcurrentSessions: 8,
		MaxSteps:              100,
	}
}

// New builds Options from defaults, overridden in order by opts.
func New(opts ...Option) Options {
	o := defaults()
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// WithTurnTimeout overrides TurnTimeout.
func WithTurnTimeout(d time.Duration) Option { return func(o *Options) { o.TurnTimeout = d } }

// WithNodeTimeout overrides NodeTimeout.
func WithNodeTimeout(d time.Duration) Option { return func(o *Options) { o.NodeTimeout = d } }

// WithGraceDuration overrides GraceDuration.
func WithGraceDuration(d time.Duration) Option { return func(o *Options) { o.GraceDuration = d } }

// WithHistoryDepth overrides HistoryDepth.
func WithHistoryDepth(n int) Option { return func(o *Options) { o.HistoryDepth = n } }

// WithBroadcastBuffer overrides BroadcastBuffer.
func WithBroadcastBuffer(n int) Option { return func(o *Options) { o.BroadcastBuffer = n } }

// WithBroadcastHistory overrides BroadcastHistory.
func WithBroadcastHistory(n int) Option { return func(o *Options) { o.BroadcastHistory = n } }

// WithSessionTTL overrides SessionTTL.
func WithSessionTTL(d time.Duration) Option { return func(o *Options) { o.SessionTTL = d } }

// WithIntentConfidenceFloor overrides IntentConfidenceFloor.
func WithIntentConfidenceFloor(f float64) Option {
	return func(o *Options) { o.IntentConfidenceFloor = f }
}

// WithDefaultPrivilege overrides DefaultPrivilege.
func WithDefaultPrivilege(p Privilege) Option { return func(o *Options) { o.DefaultPrivilege = p } }

// WithMaxConcurrentSessions overrides MaxConcurrentSessions.
func WithMaxConcurrentSessions(n int) Option {
	return func(o *Options) { o.MaxConcurrentSessions = n }
}

// WithMaxSteps overrides MaxSteps.
func WithMaxSteps(n int) Option { return func(o *Options) { o.MaxSteps = n } }

// FromEnv loads a .env file (if present; a missing file is not an error,
// matching godotenv.Load's use in leofalp/aigo) and returns Options
// built from recognized AGENTGRAPH_* environment variables layered over
// defaults.
func FromEnv() Options {
	_ = godotenv.Load()

	o := defaults()
	if v, ok := durationFromEnv("AGENTGRAPH_TURN_TIMEOUT_MS"); ok {
		o.TurnTimeout = v
	}
	if v, ok := durationFromEnv("AGENTGRAPH_NODE_TIMEOUT_MS"); ok {
		o.NodeTimeout = v
	}
	if v, ok := durationFromEnv("AGENTGRAPH_GRACE_MS"); ok {
		o.GraceDuration = v
	}
	if v, ok := intFromEnv("AGENTGRAPH_HISTORY_DEPTH"); ok {
		o.HistoryDepth = v
	}
	if v, ok := intFromEnv("AGENTGRAPH_BROADCAST_BUFFER"); ok {
		o.BroadcastBuffer = v
	}
	if v, ok := intFromEnv("AGENTGRAPH_BROADCAST_HISTORY"); ok {
		o.BroadcastHistory = v
	}
	if v, ok := durationFromEnv("AGENTGRAPH_SESSION_TTL_MS"); ok {
		o.SessionTTL = v
	}
	if v, ok := floatFromEnv("AGENTGRAPH_INTENT_CONFIDENCE_FLOOR"); ok {
		o.IntentConfidenceFloor = v
	}
	if v := os.Getenv("AGENTGRAPH_DEFAULT_PRIVILEGE"); v != "" {
		o.DefaultPrivilege = Privilege(v)
	}
	if v, ok := intFromEnv("AGENTGRAPH_MAX_CONCURRENT_SESSIONS"); ok {
		o.MaxConcurrentSessions = v
	}
	if v, ok := intFromEnv("AGENTGRAPH_MAX_STEPS"); ok {
		o.MaxSteps = v
	}
	return o
}

func durationFromEnv(key string) (time.Duration, bool) {
	v, ok := intFromEnv(key)
	if !ok {
		return 0, false
	}
	return time.Duration(v) * time.Millisecond, true
}

func intFromEnv(key string) (int, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func floatFromEnv(key string) (float64, bool) {
	s := os.Getenv(key)
	if s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
