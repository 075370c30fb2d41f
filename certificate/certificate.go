// Package certificate loads the TLS material used for certificate-based
// APNs connections: PEM cert/key pairs, PKCS#12 (.p12/.pfx) bundles, and
// optional CA pools.
package certificate

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// LoadP12File loads a tls.Certificate from a PKCS#12 file and passphrase.
func LoadP12File(path, passphrase string) (*tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read p12 file %q: %w", path, err)
	}
	return DecodeP12(data, passphrase)
}

// DecodeP12 decodes PKCS#12 data into a tls.Certificate. The leaf
// certificate comes first; intermediate CA certificates follow so strict
// servers can verify the full chain.
func DecodeP12(data []byte, passphrase string) (*tls.Certificate, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode p12 data: %w", err)
	}
	tlsCert := tls.Certificate{
		Certificate: [][]byte{cert.Raw},
		PrivateKey:  key,
		Leaf:        cert,
	}
	for _, caCert := range caCerts {
		tlsCert.Certificate = append(tlsCert.Certificate, caCert.Raw)
	}
	return &tlsCert, nil
}

// LoadPEM loads a tls.Certificate from PEM-encoded certificate and key
// files.
func LoadPEM(certPath, keyPath string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair %q/%q: %w", certPath, keyPath, err)
	}
	return &cert, nil
}

// LoadCAPool builds a certificate pool from a PEM file of CA certificates.
func LoadCAPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read ca file %q: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates found in ca file %q", path)
	}
	return pool, nil
}
