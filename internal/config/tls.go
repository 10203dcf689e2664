package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

// LoadServerTLSConfig builds the mTLS server configuration: it requires
// and verifies a client certificate against the CA bundle in certDir, and
// pins TLS 1.3. Go's crypto/tls does not expose cipher-suite selection
// for TLS 1.3 (CipherSuites has no effect on a 1.3 handshake), so pinning
// MinVersion == MaxVersion == TLS 1.3 is the closest achievable match for
// the original's explicit two-suite allow-list; Go's built-in TLS 1.3
// suite set is a superset of it.
func LoadServerTLSConfig(certDir string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		filepath.Join(certDir, "server.pem"),
		filepath.Join(certDir, "server.key"),
	)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}

	caPEM, err := os.ReadFile(filepath.Join(certDir, "cert", "ec-cacert.pem"))
	if err != nil {
		return nil, fmt.Errorf("read client ca bundle: %w", err)
	}
	clientCAs := x509.NewCertPool()
	if !clientCAs.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", filepath.Join(certDir, "cert", "ec-cacert.pem"))
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    clientCAs,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
		MaxVersion:   tls.VersionTLS13,
	}, nil
}

// CertDirFor resolves the certificate directory for a run, mirroring the
// original's other_certs toggle used for interoperability testing between
// two independent CA bundles.
func CertDirFor(cfg Config) string {
	if cfg.AlternateCerts {
		return "other_certs"
	}
	if cfg.CertDir != "" {
		return cfg.CertDir
	}
	return "certs"
}
