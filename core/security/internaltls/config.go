// Package internaltls issues self-signed TLS material for the HTTP/3
// surfaces when no provisioned certificates are configured: development
// clusters and package tests. Production deployments should supply real
// certificates instead.
package internaltls

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"
)

var (
	once       sync.Once
	setupErr   error
	serverConf *tls.Config
	clientConf *tls.Config
)

// ServerConfig returns a TLS config serving a self-signed certificate valid
// for localhost and the loopback addresses, with the h3 ALPN token set.
func ServerConfig() (*tls.Config, error) {
	once.Do(generate)
	if setupErr != nil {
		return nil, setupErr
	}
	return serverConf.Clone(), nil
}

// ClientConfig returns a TLS config trusting exactly the certificate
// ServerConfig serves.
func ClientConfig() (*tls.Config, error) {
	once.Do(generate)
	if setupErr != nil {
		return nil, setupErr
	}
	return clientConf.Clone(), nil
}

func generate() {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		setupErr = fmt.Errorf("generate key: %w", err)
		return
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"KizunaDB"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		setupErr = fmt.Errorf("create certificate: %w", err)
		return
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		setupErr = fmt.Errorf("parse certificate: %w", err)
		return
	}

	serverConf = &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{certDER}, PrivateKey: key, Leaf: leaf}},
		NextProtos:   []string{"h3"},
	}
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	clientConf = &tls.Config{
		RootCAs:    pool,
		NextProtos: []string{"h3"},
	}
}
