package instrumentation

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the configuration for OpenTelemetry instrumentation.
type Config struct {
	// ServiceName is the name of the service (default: health-record-mcp)
	ServiceName string `env:"OTEL_SERVICE_NAME" envDefault:"health-record-mcp"`

	// ServiceVersion is the version of the service, set from the build.
	ServiceVersion string `env:"-"`

	// ServiceInstanceID is the unique instance identifier.
	// In Kubernetes, this is typically the pod name
	ServiceInstanceID string `env:"OTEL_SERVICE_INSTANCE_ID"`

	K8sNamespace string `env:"K8S_NAMESPACE"`
	K8sPodName   string `env:"K8S_POD_NAME"`

	// Enabled determines if instrumentation is active (default: true)
	Enabled bool `env:"INSTRUMENTATION_ENABLED" envDefault:"true"`

	// MetricsExporter specifies the metrics exporter type
	// Options: "prometheus", "otlp", "stdout" (default: "prometheus")
	MetricsExporter string `env:"METRICS_EXPORTER" envDefault:"prometheus"`

	// TracingExporter specifies the tracing exporter type
	// Options: "otlp", "stdout", "none" (default: "none")
	TracingExporter string `env:"TRACING_EXPORTER" envDefault:"none"`

	// OTLPEndpoint is the OTLP collector endpoint, without protocol prefix.
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// OTLPInsecure switches OTLP export to plain HTTP. Local development only.
	OTLPInsecure bool `env:"OTEL_EXPORTER_OTLP_INSECURE"`

	// TraceSamplingRate is the sampling rate for traces (0.0 to 1.0, default: 0.1)
	TraceSamplingRate float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"0.1"`

	// PrometheusEndpoint is the path for the Prometheus metrics endpoint (default: "/metrics")
	PrometheusEndpoint string `env:"PROMETHEUS_ENDPOINT" envDefault:"/metrics"`

	// DetailedLabels adds client_id to tool metrics. Keep disabled when many
	// clients register dynamically.
	DetailedLabels bool `env:"METRICS_DETAILED_LABELS"`

	AuditLogging AuditLoggingConfig `envPrefix:"AUDIT_LOGGING_"`
}

// AuditLoggingConfig holds configuration for audit logging.
type AuditLoggingConfig struct {
	// Enabled determines if audit logging is active (default: true)
	Enabled bool `env:"ENABLED" envDefault:"true"`

	// IncludeArguments records tool arguments (SQL text, search pattern,
	// eval source) in audit entries. These may contain patient data.
	IncludeArguments bool `env:"INCLUDE_ARGUMENTS"`
}

// DefaultConfig returns a Config populated from the environment, falling back
// to the defaults declared on the struct tags.
func DefaultConfig() Config {
	var config Config
	if err := env.Parse(&config); err != nil {
		// Malformed values leave the zero value in place; Validate reports the rest.
		config = Config{
			ServiceName:        "health-record-mcp",
			Enabled:            true,
			MetricsExporter:    ExporterPrometheus,
			TracingExporter:    ExporterNone,
			TraceSamplingRate:  0.1,
			PrometheusEndpoint: "/metrics",
			AuditLogging:       AuditLoggingConfig{Enabled: true},
		}
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = "unknown"
	}
	return config
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.TraceSamplingRate < 0 || c.TraceSamplingRate > 1 {
		return fmt.Errorf("trace sampling rate must be between 0.0 and 1.0, got %f", c.TraceSamplingRate)
	}

	validMetricsExporters := map[string]bool{ExporterPrometheus: true, ExporterOTLP: true, ExporterStdout: true}
	if c.MetricsExporter != "" && !validMetricsExporters[c.MetricsExporter] {
		return fmt.Errorf("invalid metrics exporter %q, must be one of: prometheus, otlp, stdout", c.MetricsExporter)
	}

	validTracingExporters := map[string]bool{ExporterOTLP: true, ExporterStdout: true, ExporterNone: true}
	if c.TracingExporter != "" && !validTracingExporters[c.TracingExporter] {
		return fmt.Errorf("invalid tracing exporter %q, must be one of: otlp, stdout, none", c.TracingExporter)
	}

	if c.TracingExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when using OTLP tracing exporter")
	}
	if c.MetricsExporter == ExporterOTLP && c.OTLPEndpoint == "" {
		return fmt.Errorf("OTLP endpoint is required when using OTLP metrics exporter")
	}

	return nil
}

// Constants for metric label values.
const (
	// Status values
	StatusSuccess = "success"
	StatusError   = "error"
	StatusUnknown = "unknown"

	// OAuth result values
	OAuthResultSuccess = "success"
	OAuthResultFailure = "failure"
	OAuthResultExpired = "expired"

	// Session close reasons
	CloseReasonRevoked  = "revoked"
	CloseReasonIdle     = "idle"
	CloseReasonOrphaned = "orphaned"
	CloseReasonShutdown = "shutdown"

	// Exporter types
	ExporterPrometheus = "prometheus"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterNone       = "none"

	// Metric recording intervals
	DefaultMetricInterval = 10 * time.Second
)
