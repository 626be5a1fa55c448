package tvtap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CertManager signs per-host leaf certificates with a local CA so the proxy
// can terminate TLS for intercepted hosts.
type CertManager struct {
	caCert *x509.Certificate
	caKey  *rsa.PrivateKey

	// Organization is written into generated leaf certificates.
	Organization string

	// Validity is the lifetime of generated leaf certificates.
	Validity time.Duration

	// Metrics records cache behaviour (optional).
	Metrics *Metrics

	mu    sync.RWMutex
	cache map[string]*tls.Certificate
}

// NewCertManager creates a CertManager from existing CA certificate and key files.
func NewCertManager(caCertPath, caKeyPath string) (*CertManager, error) {
	caCertPEM, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert: %w", err)
	}

	caKeyPEM, err := os.ReadFile(caKeyPath)
	if err != nil {
		return nil, fmt.Errorf("read CA key: %w", err)
	}

	return NewCertManagerFromPEM(caCertPEM, caKeyPEM)
}

// LoadOrCreateCA loads the CA at the given paths, generating and writing a
// new one first when neither file exists yet.
func LoadOrCreateCA(caCertPath, caKeyPath, org string) (*CertManager, bool, error) {
	_, certErr := os.Stat(caCertPath)
	_, keyErr := os.Stat(caKeyPath)
	if !errors.Is(certErr, fs.ErrNotExist) || !errors.Is(keyErr, fs.ErrNotExist) {
		cm, err := NewCertManager(caCertPath, caKeyPath)
		return cm, false, err
	}

	certPEM, keyPEM, err := GenerateCA(org, 10)
	if err != nil {
		return nil, false, err
	}
	if err := writePEM(caCertPath, certPEM, 0o644); err != nil {
		return nil, false, fmt.Errorf("write CA cert: %w", err)
	}
	if err := writePEM(caKeyPath, keyPEM, 0o600); err != nil {
		return nil, false, fmt.Errorf("write CA key: %w", err)
	}

	cm, err := NewCertManagerFromPEM(certPEM, keyPEM)
	return cm, true, err
}

func writePEM(path string, data []byte, perm os.FileMode) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, perm)
}

// NewCertManagerFromPEM creates a CertManager from PEM-encoded CA cert and key.
func NewCertManagerFromPEM(caCertPEM, caKeyPEM []byte) (*CertManager, error) {
	certBlock, _ := pem.Decode(caCertPEM)
	if certBlock == nil {
		return nil, fmt.Errorf("failed to decode CA certificate PEM")
	}

	caCert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	keyBlock, _ := pem.Decode(caKeyPEM)
	if keyBlock == nil {
		return nil, fmt.Errorf("failed to decode CA key PEM")
	}

	caKey, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		key, err2 := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
		if err2 != nil {
			return nil, fmt.Errorf("parse CA key: %w (also tried PKCS8: %v)", err, err2)
		}
		var ok bool
		caKey, ok = key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("CA key is not RSA")
		}
	}

	org := "tvtap"
	if len(caCert.Subject.Organization) > 0 {
		org = caCert.Subject.Organization[0]
	}

	return &CertManager{
		caCert:       caCert,
		caKey:        caKey,
		Organization: org,
		Validity:     365 * 24 * time.Hour,
		cache:        make(map[string]*tls.Certificate),
	}, nil
}

// CACertPEM returns the CA certificate in PEM form, for installing into a
// browser trust store.
func (cm *CertManager) CACertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cm.caCert.Raw})
}

// GetCertificate returns a TLS certificate for the SNI host name.
// This is suitable for use as tls.Config.GetCertificate.
func (cm *CertManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	host := hello.ServerName
	if host == "" {
		return nil, fmt.Errorf("no SNI provided")
	}
	return cm.GetCertificateForHost(host)
}

// GetCertificateForHost returns a TLS certificate for the given hostname.
func (cm *CertManager) GetCertificateForHost(host string) (*tls.Certificate, error) {
	cm.mu.RLock()
	cert, ok := cm.cache[host]
	cm.mu.RUnlock()
	if ok {
		cm.Metrics.RecordCertCacheHit()
		return cert, nil
	}

	cm.mu.Lock()
	defer cm.mu.Unlock()

	// Another goroutine may have generated it meanwhile.
	if cert, ok := cm.cache[host]; ok {
		cm.Metrics.RecordCertCacheHit()
		return cert, nil
	}

	cm.Metrics.RecordCertCacheMiss()
	cert, err := cm.generateCert(host)
	if err != nil {
		return nil, err
	}

	cm.cache[host] = cert
	cm.Metrics.SetCertCacheSize(len(cm.cache))
	return cert, nil
}

// CacheSize returns the number of cached leaf certificates.
func (cm *CertManager) CacheSize() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.cache)
}

func (cm *CertManager) generateCert(host string) (*tls.Certificate, error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	validity := cm.Validity
	if validity <= 0 {
		validity = 365 * 24 * time.Hour
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   host,
			Organization: []string{cm.Organization},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(validity),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	if ip := net.ParseIP(host); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{host}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, cm.caCert, &privKey.PublicKey, cm.caKey)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  privKey,
	}, nil
}

// GenerateCA generates a new CA certificate and private key.
// Returns PEM-encoded certificate and key.
func GenerateCA(org string, validYears int) (certPEM, keyPEM []byte, err error) {
	privKey, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, nil, fmt.Errorf("generate CA key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   org + " Root CA",
			Organization: []string{org},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Duration(validYears) * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privKey.PublicKey, privKey)
	if err != nil {
		return nil, nil, fmt.Errorf("create CA certificate: %w", err)
	}

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(privKey)})

	return certPEM, keyPEM, nil
}
