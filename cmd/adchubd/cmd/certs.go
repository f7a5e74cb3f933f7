package cmd

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"time"

	"github.com/direct-connect/go-dc/keyprint"
)

const (
	certFile = "hub.cert"
	keyFile  = "hub.key"
)

// loadOrGenerateCert loads hub.cert/hub.key from the working directory, or
// generates a fresh self-signed pair for host (an IP or DNS name) if they
// are not present.
func loadOrGenerateCert(host string) (*tls.Certificate, string, error) {
	cert, key, err := readCertFiles()
	if err != nil {
		cert, key, err = generateCert(host)
		if err != nil {
			return nil, "", err
		}
	}
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		return nil, "", err
	}
	kp := ""
	if len(pair.Certificate) != 0 {
		kp = keyprint.FromBytes(pair.Certificate[0])
	}
	return &pair, kp, nil
}

func readCertFiles() (cert, key []byte, _ error) {
	cert, err := os.ReadFile(certFile)
	if err != nil {
		return nil, nil, err
	}
	key, err = os.ReadFile(keyFile)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func generateCert(host string) (cert, key []byte, _ error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	tmpl, err := certTemplate()
	if err != nil {
		return nil, nil, err
	}
	tmpl.IsCA = true
	tmpl.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth}
	if ip := net.ParseIP(host); ip != nil {
		tmpl.IPAddresses = []net.IP{ip}
	} else if host != "" {
		tmpl.DNSNames = []string{host}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		return nil, nil, fmt.Errorf("creating cert: %w", err)
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})

	if err := os.WriteFile(certFile, certPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("writing cert: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0600); err != nil {
		return nil, nil, fmt.Errorf("writing key: %w", err)
	}
	return certPEM, keyPEM, nil
}

func certTemplate() (*x509.Certificate, error) {
	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, errors.New("failed to generate serial number: " + err.Error())
	}
	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"adchub"}},
		SignatureAlgorithm:    x509.SHA256WithRSA,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour * 24 * 356),
		BasicConstraintsValid: true,
	}, nil
}
