package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Options describes the client side of a TLS connection, to MySQL or to the
// daemon's status endpoint. RDS and Aurora endpoints are verified against the
// regional CA bundle in CAFile.
type Options struct {
	CAFile     string `toml:"ca_file" mapstructure:"ca_file"`
	CertFile   string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile    string `toml:"key_file" mapstructure:"key_file"`
	ServerName string `toml:"server_name" mapstructure:"server_name"`
	MinVersion string `toml:"min_version" mapstructure:"min_version"`
	SkipVerify bool   `toml:"skip_verify" mapstructure:"skip_verify"`
}

// Enabled reports whether any file-based TLS setting is present.
func (o Options) Enabled() bool {
	return o.CAFile != "" || o.CertFile != "" || o.KeyFile != "" || o.SkipVerify
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(strings.TrimSpace(ver)) {
	case "", "default":
		return tls.VersionTLS12, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// ClientConfig builds a client *tls.Config from o.
func ClientConfig(o Options) (*tls.Config, error) {
	minVer, ok := parseTLSVersion(o.MinVersion)
	if !ok && o.MinVersion != "" && o.MinVersion != "default" {
		return nil, fmt.Errorf("unsupported TLS min_version %q", o.MinVersion)
	}

	// #nosec G402 skip_verify is an explicit operator choice
	cfg := &tls.Config{
		MinVersion:         minVer,
		ServerName:         o.ServerName,
		InsecureSkipVerify: o.SkipVerify,
	}

	if o.CAFile != "" {
		pem, err := os.ReadFile(filepath.Clean(o.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", o.CAFile)
		}
		cfg.RootCAs = pool
	}

	switch {
	case o.CertFile != "" && o.KeyFile != "":
		cert, err := tls.LoadX509KeyPair(filepath.Clean(o.CertFile), filepath.Clean(o.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	case o.CertFile != "" || o.KeyFile != "":
		return nil, errors.New("cert_file and key_file must be set together")
	}

	return cfg, nil
}
