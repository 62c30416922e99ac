package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// UpstreamTLSConfig configures TLS for connections to the upstream server.
type UpstreamTLSConfig struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"server_name,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	CAFile             string `yaml:"ca_file,omitempty"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	MinVersion         string `yaml:"min_version,omitempty"`
}

// Validate performs validation of upstream TLS configuration
func (c *UpstreamTLSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if _, err := parseTLSVersion(c.MinVersion); err != nil {
		return &FieldError{Field: "upstream_tls.min_version", Value: c.MinVersion, Reason: err.Error()}
	}
	if c.CertFile != "" && c.KeyFile == "" {
		return &FieldError{Field: "upstream_tls.key_file", Reason: "required when cert_file is specified"}
	}
	if c.KeyFile != "" && c.CertFile == "" {
		return &FieldError{Field: "upstream_tls.cert_file", Reason: "required when key_file is specified"}
	}
	return nil
}

// ClientTLS builds the client TLS configuration. It returns nil when TLS
// customization is disabled so the transport keeps its defaults.
func (c *UpstreamTLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	version, err := parseTLSVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{
		MinVersion:         version,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec // Operator opt-in for test upstreams
	}

	if c.CAFile != "" {
		//nolint:gosec // CA path is controlled by the operator
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("CA file %s contains no certificates", c.CAFile)
		}
		cfg.RootCAs = pool
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", version)
	}
}
