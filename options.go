package htrpc

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	leg_metrics "github.com/armon/go-metrics"
	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
)

const (
	DefaultConnectTimeout    = 1 * time.Second
	DefaultBlacklistDuration = 60 * time.Second
	DefaultPoolCapacity      = 1024
	DefaultMaxBodySize       = 4 << 20
)

type config struct {
	logHandler   slog.Handler
	msink        metrics.MetricSink
	metricLabels []metrics.Label

	// client and pool
	dialer         Dialer
	resolver       Resolver
	connectTimeout time.Duration
	blacklistFor   time.Duration
	poolCapacity   int
	pool           *Pool
	now            func() time.Time

	// server
	keepAlive   bool
	maxBodySize int

	// membership
	mlCfg      *memberlist.Config
	neighbours []string
}

// Option to pass to `NewClient`, `NewPool`, `NewServerBuilder` or
// `JoinCluster`. Options which do not concern a component are ignored by
// it.
type Option func(*config) error

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		connectTimeout: DefaultConnectTimeout,
		blacklistFor:   DefaultBlacklistDuration,
		poolCapacity:   DefaultPoolCapacity,
		keepAlive:      true,
		maxBodySize:    DefaultMaxBodySize,
		now:            time.Now,
		mlCfg:          memberlist.DefaultLANConfig(),
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if cfg.msink == nil {
		cfg.msink = metrics.Default()
	}
	if cfg.dialer == nil {
		cfg.dialer = &net.Dialer{}
	}
	if cfg.resolver == nil {
		cfg.resolver = IdentityResolver{}
	}
	return cfg, nil
}

func (c *config) logger() *slog.Logger {
	if c.logHandler == nil {
		return slog.Default()
	}
	return slog.New(c.logHandler)
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// htrpc.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.msink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced, including
// the ones of the membership layer.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels

		// memberlist still emits through the armon module.
		c.mlCfg.MetricLabels = make([]leg_metrics.Label, len(labels))
		for i, label := range labels {
			c.mlCfg.MetricLabels[i] = leg_metrics.Label{
				Name:  label.Name,
				Value: label.Value,
			}
		}
		return nil
	}
}

// WithDialer controls how the pool establishes new connections, it
// defaults to plain TCP.
func WithDialer(dialer Dialer) Option {
	return func(c *config) error {
		if dialer == nil {
			return errors.New("dialer cannot be nil")
		}
		c.dialer = dialer
		return nil
	}
}

// WithResolver controls how the client turns the target of a call into a
// dialable address.
func WithResolver(resolver Resolver) Option {
	return func(c *config) error {
		if resolver == nil {
			resolver = IdentityResolver{}
		}
		c.resolver = resolver
		return nil
	}
}

// WithPool makes a `Client` share an existing `Pool` instead of owning
// one. The pool is not closed with the client.
func WithPool(pool *Pool) Option {
	return func(c *config) error {
		c.pool = pool
		return nil
	}
}

// WithConnectTimeout bounds how long the pool waits for a fresh
// connection.
func WithConnectTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout < 0 {
			return errors.New("connect timeout cannot be negative")
		}
		if timeout == 0 {
			timeout = DefaultConnectTimeout
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithBlacklistDuration controls for how long an address which failed to
// connect is suspended.
func WithBlacklistDuration(d time.Duration) Option {
	return func(c *config) error {
		if d < 0 {
			return errors.New("blacklist duration cannot be negative")
		}
		c.blacklistFor = d
		return nil
	}
}

// WithPoolCapacity bounds the number of idle connections kept across all
// addresses.
func WithPoolCapacity(capacity int) Option {
	return func(c *config) error {
		if capacity < 0 {
			return errors.New("pool capacity cannot be negative")
		}
		c.poolCapacity = capacity
		return nil
	}
}

// WithKeepAlive controls whether the server keeps connections open
// between requests.
func WithKeepAlive(enabled bool) Option {
	return func(c *config) error {
		c.keepAlive = enabled
		return nil
	}
}

// WithMaxBodySize bounds the size of bodies read by the server and the
// client, 0 means unlimited.
func WithMaxBodySize(size int) Option {
	return func(c *config) error {
		if size < 0 {
			return errors.New("max body size cannot be negative")
		}
		c.maxBodySize = size
		return nil
	}
}

// WithListenOn specifies which interface the membership protocol binds.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		c.mlCfg.BindAddr = addr
		c.mlCfg.BindPort = port
		c.mlCfg.AdvertisePort = port
		return nil
	}
}

// WithHostname specifies which name should be exposed to other peers
// when joining the cluster. For a well-behaving cluster, the name MUST be
// unique.
func WithHostname(hostname string) Option {
	return func(c *config) error {
		if hostname != "" {
			c.mlCfg.Name = hostname
		}
		return nil
	}
}

// WithNeighbours controls which peers are tried initially to join the
// cluster.
func WithNeighbours(neighbours []string) Option {
	return func(c *config) error {
		c.neighbours = neighbours
		return nil
	}
}

func withClock(now func() time.Time) Option {
	return func(c *config) error {
		c.now = now
		return nil
	}
}
