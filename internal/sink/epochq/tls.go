package epochq

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
)

// trustStore returns the system root pool with the PEM certificates at path
// appended. A file without any certificate is an error.
func trustStore(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca certificate: %w", err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("ca certificate %s: no PEM certificates found", path)
	}
	return pool, nil
}

// newHTTPClient returns an http.Client that trusts caPath in addition to the
// system roots. An empty caPath keeps the default trust store.
func newHTTPClient(caPath string) (*http.Client, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if caPath != "" {
		pool, err := trustStore(caPath)
		if err != nil {
			return nil, err
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs:    pool,
			MinVersion: tls.VersionTLS12,
		}
	}
	return &http.Client{Transport: tr}, nil
}
