package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config contains shared TLS settings for both client and server contexts.
type Config struct {
	CertFile string
	KeyFile  string
	// CAFile is the client CA bundle on servers and the root CA bundle on clients.
	CAFile     string
	ServerName string
	MinVersion string
}

// ParseVersion maps "1.2" and "1.3" to the crypto/tls constants. An empty
// version selects TLS 1.2; older versions are refused.
func ParseVersion(version string) (uint16, error) {
	switch strings.TrimSpace(version) {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q, use 1.2 or 1.3", version)
	}
}

// BuildServer constructs a TLS configuration for the data listener. The
// certificate is served by reloader, which must already hold a certificate.
func BuildServer(cfg Config, reloader *CertReloader) (*tls.Config, error) {
	if reloader == nil {
		return nil, fmt.Errorf("server TLS requires a certificate reloader")
	}
	minVersion, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	serverConfig := &tls.Config{
		GetCertificate: reloader.GetCertificate,
		MinVersion:     minVersion,
	}

	if cfg.CAFile != "" {
		caPool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		serverConfig.ClientCAs = caPool
		serverConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return serverConfig, nil
}

// BuildClient constructs a TLS configuration for upstream clients.
func BuildClient(cfg Config) (*tls.Config, error) {
	minVersion, err := ParseVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	clientConfig := &tls.Config{
		MinVersion: minVersion,
		ServerName: cfg.ServerName,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return nil, fmt.Errorf("both cert_file and key_file are required when supplying client certificates")
		}
		certificate, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		clientConfig.Certificates = []tls.Certificate{certificate}
	}

	if cfg.CAFile != "" {
		caPool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		clientConfig.RootCAs = caPool
	}

	return clientConfig, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	cleanPath := filepath.Clean(path)
	if !filepath.IsAbs(cleanPath) {
		return nil, fmt.Errorf("ca bundle path must be absolute: %q", path)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in %s", cleanPath)
	}
	return pool, nil
}
