package httplayer

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/denisvmedia/go-proxycore/service"
)

// User describes an authenticated proxy client; inserted into the
// Context by ProxyAuth on a credential match.
type User struct {
	Name string
}

// CredentialCheck validates a username/password pair.
type CredentialCheck func(username, password string) bool

// StaticCredentials builds a CredentialCheck from one fixed pair.
func StaticCredentials(username, password string) CredentialCheck {
	return func(u, p string) bool {
		return u == username && p == password
	}
}

// ProxyAuth parses the Proxy-Authorization header; a mismatch yields a
// 407 carrying a Proxy-Authenticate challenge, a match inserts a User
// into the Context and strips the credential header before forwarding.
func ProxyAuth(check CredentialCheck) Layer {
	return ProxyAuthWithRealm(check, "proxy")
}

// ProxyAuthWithRealm is ProxyAuth with an explicit challenge realm.
func ProxyAuthWithRealm(check CredentialCheck, realm string) Layer {
	return func(next Service) Service {
		return ServiceFunc(func(ctx *service.Context, req *http.Request) (*http.Response, error) {
			username, password, ok := ParseBasicProxyAuth(req.Header.Get("Proxy-Authorization"))
			if !ok || !check(username, password) {
				return proxyAuthRequired(req, realm), nil
			}

			ctx.Extensions().Set(User{Name: username})
			req.Header.Del("Proxy-Authorization")
			return next.Serve(ctx, req)
		})
	}
}

// ParseBasicProxyAuth decodes a Basic Proxy-Authorization header value.
func ParseBasicProxyAuth(header string) (username, password string, ok bool) {
	const prefix = "Basic "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(header[len(prefix):])
	if err != nil {
		return "", "", false
	}
	username, password, ok = strings.Cut(string(decoded), ":")
	return username, password, ok
}

func proxyAuthRequired(req *http.Request, realm string) *http.Response {
	header := make(http.Header)
	header.Set("Proxy-Authenticate", `Basic realm="`+realm+`"`)
	return &http.Response{
		StatusCode: http.StatusProxyAuthRequired,
		Status:     "407 Proxy Authentication Required",
		Proto:      req.Proto,
		ProtoMajor: req.ProtoMajor,
		ProtoMinor: req.ProtoMinor,
		Header:     header,
		Body:       http.NoBody,
		Request:    req,
	}
}
