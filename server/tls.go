package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"time"
)

// Certs is a self-signed CA and a server cert signed by it.
// Viewers trust the CA cert, the server serves the server cert.
type Certs struct {
	CA     Cert
	Server Cert
}

type Cert struct {
	X509Cert     *x509.Certificate
	CertPEMBytes []byte
	KeyPEMBytes  []byte

	key *ecdsa.PrivateKey
}

// ServerTLSConfig builds a TLS config that serves the given cert. Viewers are not asked for certs.
func ServerTLSConfig(certPEM []byte, keyPEM []byte) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing server key pair: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
	}, nil
}

// ClientTLSConfig builds a TLS config that trusts the given CA cert.
func ClientTLSConfig(caCertPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, errors.New("no certs found in CA cert PEM")
	}
	return &tls.Config{RootCAs: pool}, nil
}

func serialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	n, err := rand.Int(rand.Reader, serialNumberLimit)
	if err != nil {
		return nil, fmt.Errorf("getting random serial number: %w", err)
	}
	return n, nil
}

func encodeCert(tmpl, parent *x509.Certificate, key, parentKey *ecdsa.PrivateKey) (Cert, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		return Cert{}, fmt.Errorf("creating x509 cert: %w", err)
	}
	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return Cert{}, fmt.Errorf("parsing created cert: %w", err)
	}
	certPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	if certPEMBytes == nil {
		return Cert{}, errors.New("unable to encode certificate to PEM")
	}

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return Cert{}, fmt.Errorf("marshaling pkcs8: %w", err)
	}
	keyPEMBytes := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes})
	if keyPEMBytes == nil {
		return Cert{}, errors.New("unable to encode private key to PEM")
	}

	return Cert{
		X509Cert:     x509Cert,
		CertPEMBytes: certPEMBytes,
		KeyPEMBytes:  keyPEMBytes,
		key:          key,
	}, nil
}

func buildCACert(validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "cmdcast CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(validFor),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating CA private key: %w", err)
	}
	return encodeCert(tmpl, tmpl, key, key)
}

func buildServerCert(ca Cert, hosts []string, validFor time.Duration) (Cert, error) {
	serial, err := serialNumber()
	if err != nil {
		return Cert{}, err
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "cmdcast"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(validFor),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Cert{}, fmt.Errorf("generating server private key: %w", err)
	}
	return encodeCert(tmpl, ca.X509Cert, key, ca.key)
}

// GenerateCerts generates a CA and a server cert valid for the given host names and IPs.
func GenerateCerts(validFor time.Duration, hosts ...string) (*Certs, error) {
	if len(hosts) == 0 {
		return nil, errors.New("at least one host is required")
	}
	ca, err := buildCACert(validFor)
	if err != nil {
		return nil, fmt.Errorf("building CA cert: %w", err)
	}
	serverCert, err := buildServerCert(ca, hosts, validFor)
	if err != nil {
		return nil, fmt.Errorf("building server cert: %w", err)
	}
	return &Certs{CA: ca, Server: serverCert}, nil
}
