// Package tlsconf builds the gateway's two TLS contexts: a server-role
// context presenting the gateway's own identity to clients, and a
// client-role context trusting the roots upstream services are expected
// to chain to. Both are loaded once at startup and shared by reference
// across every session for the life of the process.
package tlsconf

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Pair holds the gateway's two TLS contexts. Both configs are immutable
// after Load returns; callers must not mutate them.
type Pair struct {
	// Server is used to accept client WebSocket connections. It presents
	// the gateway's certificate chain and requires no client certificate.
	Server *tls.Config

	// Client is used to dial upstream services. It validates the
	// upstream's certificate chain against the configured trust roots.
	Client *tls.Config
}

// Load reads the gateway's certificate chain and private key (PEM files at
// certFile/keyFile) and, if caFile is non-empty, a PEM bundle of trusted
// root certificates for validating upstream servers. An empty caFile falls
// back to the host's system root pool.
func Load(certFile, keyFile, caFile string) (*Pair, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: loading gateway identity: %w", err)
	}

	roots, err := loadRoots(caFile)
	if err != nil {
		return nil, fmt.Errorf("tlsconf: loading trust roots: %w", err)
	}

	return &Pair{
		Server: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
		},
		Client: &tls.Config{
			RootCAs:    roots,
			MinVersion: tls.VersionTLS12,
		},
	}, nil
}

func loadRoots(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			// No system pool on this platform; fall back to an empty one
			// rather than failing startup.
			return x509.NewCertPool(), nil
		}
		return pool, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("reading CA bundle %q: %w", caFile, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in CA bundle %q", caFile)
	}
	return pool, nil
}
