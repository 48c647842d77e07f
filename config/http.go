package config

// HTTPConfig contains HTTP server configuration.
type HTTPConfig struct {
	// Addr is the address to bind the HTTP server to.
	Addr string `env:"HTTP_ADDR" envDefault:":8080"`

	// BaseURL is the base URL of the application (e.g., "https://agentd.example.com").
	// Used by clients to reach the API and by the live stream for absolute links.
	BaseURL string `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
}
