// Package tlsconfig loads server-auth TLS material for the agentrelay API.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/buildkite/agentrelay/internal/paths"
)

const (
	serverCertFile = "server.pem"
	serverKeyFile  = "server.key"
	caFile         = "ca.pem"
)

// Options holds explicit TLS paths from config, flags or the environment.
// Empty paths are discovered in the TLS directory.
type Options struct {
	CertPath string
	KeyPath  string
	CAPath   string
	// Dir overrides the discovery directory.
	Dir string
}

func (o Options) dir() string {
	if o.Dir != "" {
		return o.Dir
	}
	dir, err := paths.TLSDir()
	if err != nil {
		return ""
	}
	return dir
}

// ResolveServer returns the server tls.Config, or nil when no certificate
// is configured or discovered.
func ResolveServer(opts Options) (*tls.Config, error) {
	certPath, keyPath := opts.CertPath, opts.KeyPath
	if dir := opts.dir(); dir != "" {
		if certPath == "" {
			certPath = existing(filepath.Join(dir, serverCertFile))
		}
		if keyPath == "" {
			keyPath = existing(filepath.Join(dir, serverKeyFile))
		}
	}
	switch {
	case certPath == "" && keyPath == "":
		return nil, nil
	case certPath == "" || keyPath == "":
		return nil, errors.New("tls needs both a certificate and a key")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"h2", "http/1.1"},
	}, nil
}

// ResolveClient returns the client tls.Config. A configured or discovered
// CA replaces the system roots.
func ResolveClient(opts Options) (*tls.Config, error) {
	if opts.CertPath != "" || opts.KeyPath != "" {
		return nil, errors.New("client certificates are not supported")
	}
	cfg := &tls.Config{MinVersion: tls.VersionTLS13}

	caPath := opts.CAPath
	if caPath == "" {
		if dir := opts.dir(); dir != "" {
			caPath = existing(filepath.Join(dir, caFile))
		}
	}
	if caPath == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no valid certificates found in CA file %s", caPath)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func existing(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}
