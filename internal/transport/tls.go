package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// serverTLSConfig builds a TLS config that verifies the broker against
// the given CA bundle.
func serverTLSConfig(caCert string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCert)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates in %s", caCert)
	}
	return &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS12,
	}, nil
}

// mutualTLSConfig builds a TLS config presenting the gateway's client
// certificate in addition to verifying the broker.
func mutualTLSConfig(caCert, clientCert, clientKey string) (*tls.Config, error) {
	cfg, err := serverTLSConfig(caCert)
	if err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(clientCert, clientKey)
	if err != nil {
		return nil, fmt.Errorf("load client keypair: %w", err)
	}
	cfg.Certificates = []tls.Certificate{cert}
	return cfg, nil
}
