// Package statsd emits application metrics over UDP using the StatsD
// line protocol with DogStatsD-style tags.
package statsd

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sink is the metric emission interface the rest of the application
// depends on. Implementations must be safe for concurrent use.
type Sink interface {
	Count(name string, delta int64, tags map[string]string)
	Gauge(name string, value float64, tags map[string]string)
	Timing(name string, elapsed time.Duration, tags map[string]string)
}

// Options configure a Client.
type Options struct {
	// Enabled gates emission. A disabled client swallows every metric.
	Enabled bool

	// Addr is the host:port of the StatsD endpoint.
	Addr string

	// Prefix is prepended to every metric name.
	Prefix string

	// Tags are attached to every emitted metric.
	Tags map[string]string

	Logger *slog.Logger
}

const dialTimeout = 5 * time.Second

// Client sends metrics to a StatsD endpoint over UDP. Emission is
// fire-and-forget: a failed write is logged at debug and dropped. All
// methods are nil-safe so callers never need to guard emission sites.
type Client struct {
	prefix string
	base   map[string]string
	logger *slog.Logger

	mu   sync.Mutex
	conn net.Conn
}

var _ Sink = (*Client)(nil)

// New builds a Client. When disabled, or when no address is
// configured, the client is inert and every method is a no-op.
func New(opts Options) (*Client, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client := &Client{
		prefix: strings.Trim(strings.TrimSpace(opts.Prefix), "."),
		base:   trimTags(opts.Tags),
		logger: logger.With("component", "statsd"),
	}

	addr := strings.TrimSpace(opts.Addr)
	if !opts.Enabled || addr == "" {
		return client, nil
	}

	conn, err := net.DialTimeout("udp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("statsd dial %s: %w", addr, err)
	}
	client.conn = conn

	return client, nil
}

// Enabled reports whether the client has a live connection.
func (c *Client) Enabled() bool {
	if c == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Count adjusts a counter metric by delta.
func (c *Client) Count(name string, delta int64, tags map[string]string) {
	c.emit(name, strconv.FormatInt(delta, 10)+"|c", tags)
}

// Gauge records the current value of a gauge metric.
func (c *Client) Gauge(name string, value float64, tags map[string]string) {
	c.emit(name, formatFloat(value)+"|g", tags)
}

// Timing records a duration in milliseconds.
func (c *Client) Timing(name string, elapsed time.Duration, tags map[string]string) {
	ms := float64(elapsed) / float64(time.Millisecond)
	c.emit(name, formatFloat(ms)+"|ms", tags)
}

// Close releases the UDP connection. Safe to call more than once.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) emit(name, value string, tags map[string]string) {
	if c == nil {
		return
	}
	metric := cleanName(name)
	if metric == "" {
		return
	}
	if c.prefix != "" {
		metric = c.prefix + "." + metric
	}
	line := metric + ":" + value + tagSuffix(c.base, tags)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return
	}
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.logger.Debug("metric dropped", "metric", metric, "error", err)
	}
}

// cleanName rewrites characters that would corrupt the line protocol.
func cleanName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '/', ':', '|', '#':
			return '_'
		default:
			return r
		}
	}, strings.TrimSpace(name))
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", ".")
	}
	return strings.Trim(name, ".")
}

// tagSuffix renders the merged tag set as a sorted |#k:v,... suffix.
// Local tags win over base tags on key collisions.
func tagSuffix(base, local map[string]string) string {
	merged := make(map[string]string, len(base)+len(local))
	for k, v := range base {
		if key := strings.TrimSpace(k); key != "" {
			merged[key] = strings.TrimSpace(v)
		}
	}
	for k, v := range local {
		if key := strings.TrimSpace(k); key != "" {
			merged[key] = strings.TrimSpace(v)
		}
	}
	if len(merged) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(merged))
	for k, v := range merged {
		pairs = append(pairs, k+":"+v)
	}
	sort.Strings(pairs)
	return "|#" + strings.Join(pairs, ",")
}

func trimTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(v)
	}
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
