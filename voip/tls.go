package voip

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
	"os"
	"path/filepath"
	"time"
)

// TLSFiles selects the certificate for the control listener. A cert/key
// pair wins over AutoGenerate.
type TLSFiles struct {
	CertFile string
	KeyFile  string

	// AutoGenerate creates a self-signed certificate at startup.
	AutoGenerate bool
	// SaveCertFile and SaveKeyFile optionally persist the generated pair.
	SaveCertFile string
	SaveKeyFile  string
}

// Enabled reports whether the listener should speak TLS.
func (f *TLSFiles) Enabled() bool {
	return f != nil && ((f.CertFile != "" && f.KeyFile != "") || f.AutoGenerate)
}

func loadTLSConfig(files *TLSFiles, serverName, host string) (*tls.Config, error) {
	if files.CertFile != "" || files.KeyFile != "" {
		if files.CertFile == "" || files.KeyFile == "" {
			return nil, errors.New("tls cert and key must be configured together")
		}
		cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		logger.WithField("cert", files.CertFile).WithField("key", files.KeyFile).Info("using TLS certificate")
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}, nil
	}

	logger.Info("generating self-signed TLS certificate")
	pair, err := newSelfSignedPair(serverName, host, 365*24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
	}
	cert, err := tls.X509KeyPair(pair.Cert, pair.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to load generated certificate: %w", err)
	}
	if files.SaveCertFile != "" && files.SaveKeyFile != "" {
		if err := pair.save(files.SaveCertFile, files.SaveKeyFile); err != nil {
			logger.Warnf("could not save generated certificate: %v", err)
		}
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// pemPair is a PEM encoded certificate and its private key.
type pemPair struct {
	Cert []byte
	Key  []byte
}

// newSelfSignedPair issues a certificate for serverName, plus host when it
// is an IP literal, valid for lifetime from now.
func newSelfSignedPair(serverName, host string, lifetime time.Duration) (pemPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return pemPair{}, fmt.Errorf("key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 127))
	if err != nil {
		return pemPair{}, fmt.Errorf("serial: %w", err)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
		ips = append(ips, ip)
	}
	now := time.Now().Add(-time.Minute)
	der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: serverName, Organization: []string{serverInfo}},
		NotBefore:             now,
		NotAfter:              now.Add(lifetime),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{serverName},
		IPAddresses:           ips,
	}, nil, key.Public(), key)
	if err != nil {
		return pemPair{}, fmt.Errorf("certificate: %w", err)
	}
	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return pemPair{}, fmt.Errorf("key encoding: %w", err)
	}

	return pemPair{
		Cert: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:  pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}),
	}, nil
}

// save writes the pair as-is. The key file is readable by the owner only.
func (p pemPair) save(certPath, keyPath string) error {
	for _, f := range []struct {
		path string
		data []byte
		mode os.FileMode
	}{
		{certPath, p.Cert, 0644},
		{keyPath, p.Key, 0600},
	} {
		if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
			return err
		}
		if err := os.WriteFile(f.path, f.data, f.mode); err != nil {
			return err
		}
	}

	logger.WithField("cert", certPath).WithField("key", keyPath).Info("saved generated certificate")
	return nil
}
