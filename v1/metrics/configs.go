package metrics

// DefaultMetricsAddress is the listen address of the metrics endpoint.
const DefaultMetricsAddress = ":9090"

// Config configures the Prometheus registry and its HTTP endpoint.
type Config struct {
	// Address is the host:port the /metrics handler listens on.
	Address string `yaml:"address" envconfig:"METRICS_ADDRESS"`

	// EnableDefaultCollectors registers the Go runtime, process and build
	// info collectors.
	EnableDefaultCollectors bool `yaml:"enable_default_collectors" envconfig:"METRICS_ENABLE_DEFAULT_COLLECTORS"`

	// Namespace prefixes every engine metric, e.g. "mediaset".
	Namespace string `yaml:"namespace" envconfig:"METRICS_NAMESPACE"`

	// ServiceName is added to every series as the "service" label.
	ServiceName string `yaml:"service_name" envconfig:"METRICS_SERVICE_NAME"`
}

// DefaultConfig returns a configuration listening on DefaultMetricsAddress.
func DefaultConfig() Config {
	return Config{
		Address:     DefaultMetricsAddress,
		Namespace:   "mediaset",
		ServiceName: "mediaset",
	}
}
