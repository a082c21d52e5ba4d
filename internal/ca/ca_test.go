package ca

import (
	"bytes"
	"crypto/x509"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"mitmcap/internal/logger"
)

func newAuthority(t *testing.T) *Authority {
	t.Helper()
	dir := t.TempDir()
	if err := GenerateRootMaterial(dir); err != nil {
		t.Fatal(err)
	}
	a, err := New(dir, filepath.Join(dir, "cache"), logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestNewFailsWithoutMaterial(t *testing.T) {
	if _, err := New(t.TempDir(), "", logger.NewNop()); err == nil {
		t.Fatal("missing root material must be a startup error")
	}
}

func TestGenerateRefusesOverwrite(t *testing.T) {
	dir := t.TempDir()
	if err := GenerateRootMaterial(dir); err != nil {
		t.Fatal(err)
	}
	if err := GenerateRootMaterial(dir); err == nil {
		t.Fatal("existing material must not be overwritten")
	}
}

func TestCertificateForHasHostSAN(t *testing.T) {
	a := newAuthority(t)

	cert, err := a.CertificateFor("secure.example.com")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}

	if leaf.Subject.CommonName != "secure.example.com" {
		t.Fatalf("CN = %q", leaf.Subject.CommonName)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "secure.example.com" {
		t.Fatalf("SAN = %v", leaf.DNSNames)
	}
	if err := leaf.CheckSignatureFrom(a.rootCert); err != nil {
		t.Fatal("leaf not signed by the root:", err)
	}
}

func TestLeafSerialsAreDistinct(t *testing.T) {
	a := newAuthority(t)

	// 同一毫秒内连续签发也不允许序列号重复
	seen := map[string]string{}
	for _, host := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		cert, err := a.CertificateFor(host)
		if err != nil {
			t.Fatal(err)
		}
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			t.Fatal(err)
		}
		serial := leaf.SerialNumber.String()
		if prev, ok := seen[serial]; ok {
			t.Fatalf("serial %s issued for both %s and %s", serial, prev, host)
		}
		seen[serial] = host
	}
}

func TestCertificateForIsIdempotent(t *testing.T) {
	a := newAuthority(t)

	first, err := a.CertificateFor("example.com")
	if err != nil {
		t.Fatal(err)
	}
	second, err := a.CertificateFor("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Fatal("repeat issuance must return identical bytes")
	}
}

func TestCertificateSurvivesRestartViaDiskCache(t *testing.T) {
	dir := t.TempDir()
	if err := GenerateRootMaterial(dir); err != nil {
		t.Fatal(err)
	}
	cacheDir := filepath.Join(dir, "cache")

	a1, err := New(dir, cacheDir, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	first, err := a1.CertificateFor("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "example.com.crt")); err != nil {
		t.Fatal("leaf cert not persisted:", err)
	}

	a2, err := New(dir, cacheDir, logger.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	second, err := a2.CertificateFor("example.com")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Certificate[0], second.Certificate[0]) {
		t.Fatal("restart should reuse the cached certificate")
	}
}

func TestConcurrentIssuance(t *testing.T) {
	a := newAuthority(t)
	hosts := []string{"a.example.com", "b.example.com"}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		for _, host := range hosts {
			wg.Add(1)
			go func(h string) {
				defer wg.Done()
				if _, err := a.CertificateFor(h); err != nil {
					errs <- err
				}
			}(host)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestRootCertPEM(t *testing.T) {
	a := newAuthority(t)
	pem := a.RootCertPEM()
	if !bytes.Contains(pem, []byte("BEGIN CERTIFICATE")) {
		t.Fatal("root PEM malformed")
	}
}
