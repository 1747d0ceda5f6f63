// Package cert implements the self-signing certificate authority used
// when the proxy terminates TLS: a root CA persisted on disk or held in
// memory, plus per-host leaf certificates forged on demand and cached.
package cert

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// CA provides the root certificate and forges leaf certificates for the
// hosts the proxy impersonates.
type CA interface {
	GetRootCA() *x509.Certificate
	GetCert(commonName string) (*tls.Certificate, error)
}

const caName = "go-proxycore"

var errCaNotFound = errors.New("ca not found")

// SelfSignCA is a CA backed by a locally generated root certificate. Leaf
// certificates are cached in an LRU; concurrent misses for the same host
// are collapsed through singleflight.
type SelfSignCA struct {
	rsa.PrivateKey
	RootCert  x509.Certificate
	StorePath string

	cache *lru.Cache
	group *singleflight.Group
}

// NewSelfSignCA loads the CA from path, creating and persisting a fresh
// one on first use. An empty path selects ~/.go-proxycore.
func NewSelfSignCA(path string) (CA, error) {
	storePath, err := getStorePath(path)
	if err != nil {
		return nil, err
	}

	ca := newSelfSignCA(storePath)

	if err := ca.load(); err == nil {
		return ca, nil
	} else if !errors.Is(err, errCaNotFound) {
		return nil, err
	}

	if err := ca.create(); err != nil {
		return nil, err
	}
	if err := ca.save(); err != nil {
		return nil, err
	}
	slog.Info("generated root CA", "in", "cert.NewSelfSignCA", "file", ca.caFile())
	return ca, nil
}

// NewSelfSignCAMemory creates a CA that is never persisted.
func NewSelfSignCAMemory() (CA, error) {
	ca := newSelfSignCA("")
	if err := ca.create(); err != nil {
		return nil, err
	}
	return ca, nil
}

func newSelfSignCA(storePath string) *SelfSignCA {
	return &SelfSignCA{
		StorePath: storePath,
		cache:     lru.New(1024),
		group:     &singleflight.Group{},
	}
}

func getStorePath(path string) (string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, "."+caName)
	}

	if info, err := os.Stat(path); err != nil {
		if !os.IsNotExist(err) {
			return "", err
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return "", err
		}
	} else if !info.IsDir() {
		return "", fmt.Errorf("store path %q is not a directory", path)
	}

	return path, nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.StorePath, "proxycore-ca-cert.pem")
}

func (ca *SelfSignCA) create() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	ca.PrivateKey = *key

	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() / 100000),
		Subject: pkix.Name{
			CommonName:   caName,
			Organization: []string{caName},
		},
		NotBefore:             time.Now().Add(-time.Hour * 48),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		BasicConstraintsValid: true,
		IsCA:                  true,
		SignatureAlgorithm:    x509.SHA256WithRSA,
		KeyUsage: x509.KeyUsageCertSign | x509.KeyUsageCRLSign |
			x509.KeyUsageDigitalSignature,
		MaxPathLen: 2,
		SubjectKeyId: func() []byte {
			keyID := sha1.Sum(x509.MarshalPKCS1PublicKey(&key.PublicKey))
			return keyID[:]
		}(),
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return err
	}
	ca.RootCert = *cert
	return nil
}

func (ca *SelfSignCA) saveTo(out io.Writer) error {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(&ca.PrivateKey)
	if err != nil {
		return err
	}
	if err := pem.Encode(out, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		return err
	}
	return pem.Encode(out, &pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw})
}

func (ca *SelfSignCA) save() error {
	file, err := os.OpenFile(ca.caFile(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()
	return ca.saveTo(file)
}

func (ca *SelfSignCA) load() error {
	data, err := os.ReadFile(ca.caFile())
	if err != nil {
		if os.IsNotExist(err) {
			return errCaNotFound
		}
		return err
	}

	var keyBlock, certBlock *pem.Block
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		switch block.Type {
		case "PRIVATE KEY":
			keyBlock = block
		case "CERTIFICATE":
			certBlock = block
		}
	}
	if keyBlock == nil || certBlock == nil {
		return errCaNotFound
	}

	key, err := x509.ParsePKCS8PrivateKey(keyBlock.Bytes)
	if err != nil {
		return err
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return errors.New("ca private key is not RSA")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return err
	}

	ca.PrivateKey = *rsaKey
	ca.RootCert = *cert
	return nil
}

// GetRootCA implements CA.
func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return &ca.RootCert
}

// GetCert implements CA. Certificates are cached by common name;
// concurrent requests for an uncached host forge it once.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	if cached, ok := ca.cache.Get(commonName); ok {
		return cached.(*tls.Certificate), nil
	}

	val, err := ca.group.Do(commonName, func() (any, error) {
		cert, err := ca.forgeCert(commonName)
		if err != nil {
			return nil, err
		}
		ca.cache.Add(commonName, cert)
		return cert, nil
	})
	if err != nil {
		return nil, err
	}
	return val.(*tls.Certificate), nil
}

func (ca *SelfSignCA) forgeCert(commonName string) (*tls.Certificate, error) {
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano() / 100000),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{caName},
		},
		NotBefore:          time.Now().Add(-time.Hour * 48),
		NotAfter:           time.Now().AddDate(1, 0, 0),
		SignatureAlgorithm: x509.SHA256WithRSA,
		KeyUsage:           x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:        []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	if ip := net.ParseIP(commonName); ip != nil {
		template.IPAddresses = []net.IP{ip}
	} else {
		template.DNSNames = []string{commonName}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, &ca.RootCert, &ca.PublicKey, &ca.PrivateKey)
	if err != nil {
		return nil, err
	}
	return &tls.Certificate{
		Certificate: [][]byte{der, ca.RootCert.Raw},
		PrivateKey:  &ca.PrivateKey,
	}, nil
}

// DumpCA writes the root certificate alone, PEM encoded, for installing
// into a client trust store.
func (ca *SelfSignCA) DumpCA() ([]byte, error) {
	var buf bytes.Buffer
	if err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: ca.RootCert.Raw}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
