// Package tlsbootstrap creates a private CA and a server certificate for
// serving the agentrelay API over https.
package tlsbootstrap

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	caCommonName     = "agentrelay-ca"
	serverCommonName = "agentrelay-server"
	defaultValidity  = 365 * 24 * time.Hour
)

// DefaultHosts are the SANs of the server certificate when none are given.
var DefaultHosts = []string{"localhost", "127.0.0.1", "::1"}

type KeyPair struct {
	CertPEM []byte
	KeyPEM  []byte
}

type Options struct {
	Dir string
	// Hosts are DNS names or IP addresses for the server certificate.
	Hosts    []string
	Validity time.Duration
	Force    bool
}

// Files lists what Init writes, relative to Options.Dir.
var Files = []string{"ca.pem", "ca.key", "server.pem", "server.key"}

func newCA(validity time.Duration) (*KeyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: caCommonName},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create CA certificate: %w", err)
	}
	return pair(der, key)
}

// IssueServer signs a server certificate for hosts with the given CA.
func IssueServer(ca *KeyPair, hosts []string, validity time.Duration) (*KeyPair, error) {
	if len(hosts) == 0 {
		return nil, errors.New("server certificate needs at least one host")
	}
	caCert, caKey, err := parseCA(ca)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: serverCommonName},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server certificate: %w", err)
	}
	return pair(der, key)
}

// Init writes a fresh CA and server certificate to opts.Dir. Existing
// material is kept unless opts.Force is set.
func Init(opts Options) error {
	if strings.TrimSpace(opts.Dir) == "" {
		return errors.New("missing TLS directory")
	}
	if opts.Validity <= 0 {
		opts.Validity = defaultValidity
	}
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = DefaultHosts
	}
	if !opts.Force {
		for _, name := range Files {
			path := filepath.Join(opts.Dir, name)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	ca, err := newCA(opts.Validity)
	if err != nil {
		return err
	}
	server, err := IssueServer(ca, hosts, opts.Validity)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return fmt.Errorf("create TLS directory: %w", err)
	}
	contents := [][]byte{ca.CertPEM, ca.KeyPEM, server.CertPEM, server.KeyPEM}
	for i, name := range Files {
		perm := os.FileMode(0o644)
		if strings.HasSuffix(name, ".key") {
			perm = 0o600
		}
		if err := os.WriteFile(filepath.Join(opts.Dir, name), contents[i], perm); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

func parseCA(ca *KeyPair) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	if ca == nil {
		return nil, nil, errors.New("missing CA")
	}
	block, _ := pem.Decode(ca.CertPEM)
	if block == nil {
		return nil, nil, errors.New("decode CA certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA certificate: %w", err)
	}
	keyBlock, _ := pem.Decode(ca.KeyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("decode CA key PEM")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("parse CA key: %w", err)
	}
	return cert, key, nil
}

func pair(der []byte, key *ecdsa.PrivateKey) (*KeyPair, error) {
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	return &KeyPair{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

func randomSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}
	return serial, nil
}
