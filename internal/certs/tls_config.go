package certs

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// LoadClientTLSConfig builds the TLS settings used for HTTPS probes. caPath
// replaces the system roots when set; certPath and keyPath add a client
// certificate for endpoints that require mTLS and must be given together.
// ServerName is left empty so each dial verifies against its own host.
func LoadClientTLSConfig(caPath, certPath, keyPath string, insecure bool) (*tls.Config, error) {
	if (certPath == "") != (keyPath == "") {
		return nil, fmt.Errorf("client certificate and key paths must be provided together")
	}

	tlsConfig := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecure,
	}

	if certPath != "" {
		certificate, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}

	if caPath != "" {
		data, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read CA bundle: %w", err)
		}
		roots := x509.NewCertPool()
		if !roots.AppendCertsFromPEM(data) {
			return nil, fmt.Errorf("invalid CA bundle")
		}
		tlsConfig.RootCAs = roots
	}

	return tlsConfig, nil
}
