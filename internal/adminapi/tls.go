package adminapi

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"
)

// certValidity mirrors the long-lived, locally-trusted lifetime a
// self-issued operator cert is expected to carry; it is regenerated by
// deleting the files on disk, not by any in-process rotation.
const certValidity = 14 * 30 * 24 * time.Hour

// loadOrGenerateTLS returns a server certificate for certPath/keyPath,
// generating and persisting a self-signed one on first run. This follows
// the same "load from disk, else the service can't start" discipline
// lnd.go's btcd RPC cert loading uses, generalized with a bootstrap step
// since, unlike a pre-existing node's RPC cert, nothing external
// provisions this server's cert for it. There is no grounded dependency
// for the generation half in this module's reference set (the pack's
// lnd/cert package ships only its go.mod, no source to follow), so this
// is written directly against the standard library's crypto/tls and
// crypto/x509, the same two packages lnd's own cert-generation code is
// itself built on.
func loadOrGenerateTLS(certPath, keyPath string, extraIPs []net.IP, extraHosts []string) (tls.Certificate, error) {
	if _, err := os.Stat(certPath); err == nil {
		if _, err := os.Stat(keyPath); err == nil {
			return tls.LoadX509KeyPair(certPath, keyPath)
		}
	}

	cert, certPEM, keyPEM, err := generateSelfSigned(extraIPs, extraHosts)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("generating self-signed cert: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0644); err != nil {
		return tls.Certificate{}, fmt.Errorf("writing %s: %w", certPath, err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0600); err != nil {
		return tls.Certificate{}, fmt.Errorf("writing %s: %w", keyPath, err)
	}
	return cert, nil
}

func generateSelfSigned(extraIPs []net.IP, extraHosts []string) (tls.Certificate, []byte, []byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "escrowd admin API autocert"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(certValidity),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,
		BasicConstraintsValid: true,
		IPAddresses:           append([]net.IP{net.ParseIP("127.0.0.1")}, extraIPs...),
		DNSNames:              append([]string{"localhost"}, extraHosts...),
	}

	derBytes, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: derBytes})
	keyBytes, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, nil, nil, err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyBytes})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	return cert, certPEM, keyPEM, err
}
