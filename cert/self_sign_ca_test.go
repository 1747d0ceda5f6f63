package cert_test

import (
	"crypto/x509"
	"sync"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/denisvmedia/go-proxycore/cert"
)

func TestMemoryCAForgesLeaf(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	leaf, err := ca.GetCert("www.example.com")
	c.Assert(err, qt.IsNil)
	c.Assert(leaf.Certificate, qt.HasLen, 2)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	c.Assert(err, qt.IsNil)
	c.Assert(parsed.Subject.CommonName, qt.Equals, "www.example.com")
	c.Assert(parsed.DNSNames, qt.DeepEquals, []string{"www.example.com"})

	root := ca.GetRootCA()
	pool := x509.NewCertPool()
	pool.AddCert(root)
	_, err = parsed.Verify(x509.VerifyOptions{Roots: pool})
	c.Assert(err, qt.IsNil, qt.Commentf("leaf must chain to the root"))
}

func TestGetCertCachesByCommonName(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	first, err := ca.GetCert("cache.example.com")
	c.Assert(err, qt.IsNil)
	second, err := ca.GetCert("cache.example.com")
	c.Assert(err, qt.IsNil)

	c.Assert(second, qt.Equals, first, qt.Commentf("same pointer expected from cache"))
}

func TestGetCertIPLeaf(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	leaf, err := ca.GetCert("127.0.0.1")
	c.Assert(err, qt.IsNil)

	parsed, err := x509.ParseCertificate(leaf.Certificate[0])
	c.Assert(err, qt.IsNil)
	c.Assert(parsed.IPAddresses, qt.HasLen, 1)
	c.Assert(parsed.IPAddresses[0].String(), qt.Equals, "127.0.0.1")
}

func TestGetCertConcurrent(t *testing.T) {
	c := qt.New(t)

	ca, err := cert.NewSelfSignCAMemory()
	c.Assert(err, qt.IsNil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = ca.GetCert("burst.example.com")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		c.Assert(err, qt.IsNil)
	}
}
