// Package tlscert generates a self-signed TLS certificate/key pair for
// dev-mode HTTPS, adapted from the teacher's generateSelfSignedCert
// (cmd/swe-swe/certs.go).
package tlscert

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
	"time"
)

// Pair is the on-disk location of a generated certificate/key.
type Pair struct {
	CertPath string
	KeyPath  string
}

// GenerateSelfSigned writes a self-signed certificate valid for localhost,
// 127.0.0.1, ::1, and an optional extra host, to dir/server.crt and
// dir/server.key.
func GenerateSelfSigned(dir string, extraHost string) (Pair, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return Pair{}, fmt.Errorf("generate private key: %w", err)
	}

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return Pair{}, fmt.Errorf("generate serial number: %w", err)
	}

	dnsNames := []string{"localhost"}
	ipAddresses := []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")}
	commonName := "localhost"
	if extraHost != "" {
		if ip := net.ParseIP(extraHost); ip != nil {
			ipAddresses = append(ipAddresses, ip)
		} else {
			dnsNames = append(dnsNames, extraHost)
		}
		commonName = extraHost
	}

	template := x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			Organization: []string{"ttymux"},
			CommonName:   commonName,
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              dnsNames,
		IPAddresses:           ipAddresses,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return Pair{}, fmt.Errorf("create certificate: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Pair{}, err
	}

	certPath := filepath.Join(dir, "server.crt")
	if err := writePEM(certPath, "CERTIFICATE", certDER); err != nil {
		return Pair{}, err
	}

	privBytes, err := x509.MarshalPKCS8PrivateKey(privateKey)
	if err != nil {
		return Pair{}, fmt.Errorf("marshal private key: %w", err)
	}
	keyPath := filepath.Join(dir, "server.key")
	if err := writePEM(keyPath, "PRIVATE KEY", privBytes); err != nil {
		return Pair{}, err
	}

	return Pair{CertPath: certPath, KeyPath: keyPath}, nil
}

// LoadOrGenerate returns an existing cert/key pair under dir, generating a
// fresh self-signed pair if absent.
func LoadOrGenerate(dir string, extraHost string) (Pair, error) {
	p := Pair{CertPath: filepath.Join(dir, "server.crt"), KeyPath: filepath.Join(dir, "server.key")}
	if _, err := os.Stat(p.CertPath); err == nil {
		if _, err := os.Stat(p.KeyPath); err == nil {
			return p, nil
		}
	}
	return GenerateSelfSigned(dir, extraHost)
}

// LoadX509KeyPair is a thin wrapper around tls.LoadX509KeyPair kept here so
// callers only need to import this package for TLS setup.
func (p Pair) LoadX509KeyPair() (tls.Certificate, error) {
	return tls.LoadX509KeyPair(p.CertPath, p.KeyPath)
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: der})
}
