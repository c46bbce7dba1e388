// Package telemetry owns the OpenTelemetry tracer and meter providers of a
// runtimed process.
//
// Spans and OTEL metrics are exported over OTLP (gRPC by default, or
// HTTP/protobuf) to a collector. Exporter failures never stop the runtime:
// the instance degrades, hands out providers that still work locally, and
// reports the reason through Health.
package telemetry

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Exporter protocols.
const (
	ProtocolGRPC = "grpc"
	ProtocolHTTP = "http/protobuf"
)

// Config controls exporters and sampling. CAFile is a PEM bundle that
// replaces the system roots when verifying the collector. SampleRate is the
// head sampling ratio for root spans, in [0, 1].
type Config struct {
	Enabled         bool
	Endpoint        string
	Protocol        string
	Insecure        bool
	CAFile          string
	ServiceName     string
	ServiceVersion  string
	SampleRate      float64
	MetricsInterval time.Duration
	ShutdownTimeout time.Duration
}

// NewDefaultConfig returns a disabled config pointing at a local collector.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:         false,
		Endpoint:        "localhost:4317",
		Protocol:        ProtocolGRPC,
		Insecure:        true,
		ServiceName:     "runtimed",
		ServiceVersion:  "dev",
		SampleRate:      1.0,
		MetricsInterval: 15 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate only checks exporter settings when telemetry is enabled.
func (c *Config) Validate() error {
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if !c.Enabled {
		return nil
	}

	var errs []error
	if c.Endpoint == "" {
		errs = append(errs, errors.New("endpoint is required"))
	}
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if c.Protocol != ProtocolGRPC && c.Protocol != ProtocolHTTP {
		errs = append(errs, fmt.Errorf("protocol must be %q or %q, got %q", ProtocolGRPC, ProtocolHTTP, c.Protocol))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("sample rate must be within [0, 1], got %g", c.SampleRate))
	}
	if c.MetricsInterval <= 0 {
		errs = append(errs, errors.New("metrics interval must be positive"))
	}
	if c.Insecure && c.CAFile != "" {
		errs = append(errs, errors.New("ca file needs a TLS connection, unset insecure"))
	}
	if c.Insecure && c.Endpoint != "" && !isLoopback(c.Endpoint) {
		errs = append(errs, fmt.Errorf("insecure export is only allowed to a loopback endpoint, got %q", c.Endpoint))
	}
	return errors.Join(errs...)
}

// isLoopback reports whether endpoint (host, host:port or a URL) names the
// local machine.
func isLoopback(endpoint string) bool {
	host := stripScheme(endpoint)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	return strings.TrimPrefix(endpoint, "http://")
}
