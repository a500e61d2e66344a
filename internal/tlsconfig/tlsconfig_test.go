package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeSelfSigned(t *testing.T, dir string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "agentrelay"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	for name, body := range map[string][]byte{serverCertFile: certPEM, serverKeyFile: keyPEM, caFile: certPEM} {
		if err := os.WriteFile(filepath.Join(dir, name), body, 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func TestResolveServerDiscoversMaterial(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSelfSigned(t, dir)

	cfg, err := ResolveServer(Options{Dir: dir})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg == nil || len(cfg.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %+v", cfg)
	}
}

func TestResolveServerWithoutMaterialIsNil(t *testing.T) {
	t.Parallel()

	cfg, err := ResolveServer(Options{Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("ResolveServer returned error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected no TLS config")
	}
}

func TestResolveServerRejectsCertWithoutKey(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSelfSigned(t, dir)
	if _, err := ResolveServer(Options{Dir: t.TempDir(), CertPath: filepath.Join(dir, serverCertFile)}); err == nil {
		t.Fatal("expected a certificate without key to fail")
	}
}

func TestResolveClientLoadsCA(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeSelfSigned(t, dir)

	cfg, err := ResolveClient(Options{Dir: dir})
	if err != nil {
		t.Fatalf("ResolveClient returned error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Fatal("expected discovered CA pool")
	}
	if _, err := ResolveClient(Options{CertPath: "client.pem"}); err == nil {
		t.Fatal("expected client certificates to be rejected")
	}
}
