package agent

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// TLSConfig holds the agent's settings for reaching an HTTPS server.
type TLSConfig struct {
	// CACertPath is a PEM-encoded CA certificate added to the trust pool.
	CACertPath string

	// InsecureSkipVerify disables certificate verification. Testing only.
	InsecureSkipVerify bool
}

// Build creates a *tls.Config, or nil when the system defaults apply.
func (c TLSConfig) Build() (*tls.Config, error) {
	if c.InsecureSkipVerify {
		return &tls.Config{InsecureSkipVerify: true}, nil
	}
	if c.CACertPath == "" {
		return nil, nil
	}

	caCert, err := os.ReadFile(c.CACertPath)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", c.CACertPath, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", c.CACertPath)
	}
	return &tls.Config{RootCAs: pool}, nil
}
