// Package ca 为被拦截的主机按需签发叶子证书
package ca

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mitmcap/internal/logger"
)

const (
	rootCertFile = "ca.crt"
	rootKeyFile  = "ca.key"
	leafKeyFile  = "cert.key"

	leafValidity = 10 * 365 * 24 * time.Hour
)

// Authority 持有根证书材料并缓存按主机签发的叶子证书
//
// 签发路径由单个互斥锁串行化；命中缓存不加锁。
type Authority struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	leafKey  *rsa.PrivateKey
	rootPEM  []byte

	cacheDir string
	mu       sync.Mutex
	cache    sync.Map // hostname -> tls.Certificate
	log      logger.Logger
}

// New 从 certDir 加载根证书材料，缺失或不可解析时返回错误（启动即失败）
func New(certDir, cacheDir string, log logger.Logger) (*Authority, error) {
	if log == nil {
		log = logger.NewNop()
	}

	rootPEM, err := os.ReadFile(filepath.Join(certDir, rootCertFile))
	if err != nil {
		return nil, fmt.Errorf("load root certificate: %w", err)
	}
	rootCert, err := parseCertPEM(rootPEM)
	if err != nil {
		return nil, fmt.Errorf("parse root certificate: %w", err)
	}

	rootKey, err := loadKey(filepath.Join(certDir, rootKeyFile))
	if err != nil {
		return nil, fmt.Errorf("load root key: %w", err)
	}
	leafKey, err := loadKey(filepath.Join(certDir, leafKeyFile))
	if err != nil {
		return nil, fmt.Errorf("load leaf key: %w", err)
	}

	if cacheDir == "" {
		cacheDir = filepath.Join(certDir, "cache")
	}
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("create certificate cache dir: %w", err)
	}

	return &Authority{
		rootCert: rootCert,
		rootKey:  rootKey,
		leafKey:  leafKey,
		rootPEM:  rootPEM,
		cacheDir: cacheDir,
		log:      log,
	}, nil
}

// RootCertPEM 返回 PEM 编码的根证书，供客户端安装信任
func (a *Authority) RootCertPEM() []byte {
	return a.rootPEM
}

// CertificateFor 返回指定主机的叶子证书，首次调用生成并落盘，之后返回缓存
func (a *Authority) CertificateFor(hostname string) (tls.Certificate, error) {
	if v, ok := a.cache.Load(hostname); ok {
		return v.(tls.Certificate), nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// 等锁期间可能已被其他连接生成
	if v, ok := a.cache.Load(hostname); ok {
		return v.(tls.Certificate), nil
	}

	certPath := filepath.Join(a.cacheDir, hostname+".crt")
	if pemBytes, err := os.ReadFile(certPath); err == nil {
		cert, err := a.pairWithLeafKey(pemBytes)
		if err == nil {
			a.cache.Store(hostname, cert)
			return cert, nil
		}
		a.log.Warn("丢弃不可读的缓存证书", "host", hostname, "error", err)
	}

	pemBytes, err := a.sign(hostname)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("sign leaf for %s: %w", hostname, err)
	}
	if err := os.WriteFile(certPath, pemBytes, 0o644); err != nil {
		// 缓存写失败不致命，下次重新生成
		a.log.Warn("叶子证书落盘失败", "host", hostname, "error", err)
	}

	cert, err := a.pairWithLeafKey(pemBytes)
	if err != nil {
		return tls.Certificate{}, err
	}
	a.cache.Store(hostname, cert)
	a.log.Debug("已签发叶子证书", "host", hostname)
	return cert, nil
}

// sign 用根证书签发 hostname 的叶子证书，返回 PEM
func (a *Authority) sign(hostname string) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}
	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else {
		tmpl.DNSNames = []string{hostname}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, a.rootCert, &a.leafKey.PublicKey, a.rootKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func (a *Authority) pairWithLeafKey(certPEM []byte) (tls.Certificate, error) {
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(a.leafKey),
	})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("pair certificate with leaf key: %w", err)
	}
	return cert, nil
}

func parseCertPEM(data []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	return x509.ParseCertificate(block.Bytes)
}

func loadKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	keyAny, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse key %s: %w", path, err)
	}
	key, ok := keyAny.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key %s is not RSA", path)
	}
	return key, nil
}

// GenerateRootMaterial 在 dir 下生成根证书、根私钥与共享叶子私钥
//
// 只用于首次部署，已存在的文件不会被覆盖。
func GenerateRootMaterial(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	if _, err := os.Stat(filepath.Join(dir, rootCertFile)); err == nil {
		return fmt.Errorf("root certificate already exists in %s", dir)
	}

	rootKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate root key: %w", err)
	}
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return err
	}
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mitmcap CA", Organization: []string{"mitmcap"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(leafValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		return fmt.Errorf("create root certificate: %w", err)
	}

	writePEM := func(name, typ string, bytes []byte) error {
		return os.WriteFile(
			filepath.Join(dir, name),
			pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: bytes}),
			0o600,
		)
	}
	if err := writePEM(rootCertFile, "CERTIFICATE", der); err != nil {
		return err
	}
	if err := writePEM(rootKeyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(rootKey)); err != nil {
		return err
	}
	return writePEM(leafKeyFile, "RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(leafKey))
}
