package config

// StatsdConfig contains metric emission configuration.
type StatsdConfig struct {
	// Enabled turns metric emission on. A disabled client drops every
	// metric without dialing anything.
	Enabled bool `env:"STATSD_ENABLED" envDefault:"false"`

	// Addr is the UDP host:port of the StatsD endpoint.
	Addr string `env:"STATSD_ADDR" envDefault:"127.0.0.1:8125"`

	// Prefix is prepended to every metric name.
	Prefix string `env:"STATSD_PREFIX" envDefault:"agentd"`
}
