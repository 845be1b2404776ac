package telemetry

import "time"

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level is the minimum log level (trace..fatal). Default "info".
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error fatal"`

	// Format is "json" or "console". Default "json".
	Format string `yaml:"format" validate:"omitempty,oneof=json console"`

	// Output is "stdout", "stderr" or a file path. Default "stderr".
	Output string `yaml:"output"`

	// EnableCaller adds file:line to log records.
	EnableCaller bool `yaml:"enable_caller"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	// Enabled toggles metric collection.
	Enabled bool `yaml:"enabled"`

	// Namespace prefixes all metric names. Default "herd".
	Namespace string `yaml:"namespace"`

	// ListenAddr is the address of the /metrics HTTP listener. Empty
	// disables the listener even when collection is enabled.
	ListenAddr string `yaml:"listen_addr"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	// Enabled toggles tracing.
	Enabled bool `yaml:"enabled"`

	// Exporter is "otlp", "stdout" or "none".
	Exporter string `yaml:"exporter" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP gRPC collector endpoint.
	Endpoint string `yaml:"endpoint"`

	// Insecure disables TLS on the OTLP connection.
	Insecure bool `yaml:"insecure"`

	// SamplingRate is the trace sampling ratio in [0, 1]. Default 1.
	SamplingRate float64 `yaml:"sampling_rate"`

	// ExportTimeout bounds one export batch. Default 30s.
	ExportTimeout time.Duration `yaml:"export_timeout"`
}
