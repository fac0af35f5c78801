package provision

import (
	"time"
)

// Config holds orchestrator parameters.
type Config struct {
	// SkipBridge removes the pending-firmware marker before it is
	// consulted, forcing a normal boot.
	SkipBridge bool
	// StatusInterval is the supervisor period.
	StatusInterval time.Duration
	// RecoverSettle is the wait between a reset and the readiness re-check.
	RecoverSettle time.Duration
	// ReceiveTimeout bounds the supervisor's inbound packet wait.
	ReceiveTimeout time.Duration
	// WifiTimeout bounds ConnectWifi's wait for the Wi-Fi connected bit.
	WifiTimeout time.Duration
	// DegradedAfter is the number of consecutive failed recoveries after
	// which the companion is reported offline.
	DegradedAfter int
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		StatusInterval: time.Second,
		RecoverSettle:  2 * time.Second,
		ReceiveTimeout: 100 * time.Millisecond,
		WifiTimeout:    30 * time.Second,
		DegradedAfter:  5,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSkipBridge sets SkipBridge.
func WithSkipBridge(skip bool) Option {
	return func(o *Orchestrator) { o.cfg.SkipBridge = skip }
}

// WithStatusInterval sets the supervisor period.
func WithStatusInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cfg.StatusInterval = d
		}
	}
}

// WithRecoverSettle sets the wait after a recovery reset.
func WithRecoverSettle(d time.Duration) Option {
	return func(o *Orchestrator) { o.cfg.RecoverSettle = d }
}

// WithReceiveTimeout sets the supervisor's receive timeout.
func WithReceiveTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cfg.ReceiveTimeout = d
		}
	}
}

// WithWifiTimeout sets how long ConnectWifi waits for the network.
func WithWifiTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cfg.WifiTimeout = d
		}
	}
}

// WithDegradedAfter sets the failed-recovery threshold.
func WithDegradedAfter(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.cfg.DegradedAfter = n
		}
	}
}

// WithHooks installs link event hooks.
func WithHooks(h Hooks) Option {
	return func(o *Orchestrator) {
		if h != nil {
			o.hooks = h
		}
	}
}

// WithPublisher installs a status publisher.
func WithPublisher(p StatusPublisher) Option {
	return func(o *Orchestrator) { o.pub = p }
}
