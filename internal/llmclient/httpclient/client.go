package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// HookFunc is a function that can modify the request before it's sent
type HookFunc func(req *http.Request) error

// requestModifier wraps an http.RoundTripper to apply hooks to each request
type requestModifier struct {
	http.RoundTripper
	hooks []HookFunc
}

func (t *requestModifier) RoundTrip(req *http.Request) (*http.Response, error) {
	for _, hook := range t.hooks {
		if err := hook(req); err != nil {
			return nil, err
		}
	}
	return t.RoundTripper.RoundTrip(req)
}

// WithHooks wraps transport so that hooks run in order before each request.
func WithHooks(transport http.RoundTripper, hooks ...HookFunc) http.RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if len(hooks) == 0 {
		return transport
	}
	return &requestModifier{RoundTripper: transport, hooks: hooks}
}

type credentialKey struct{}

// WithCredential attaches the upstream credential to ctx.
func WithCredential(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, credentialKey{}, key)
}

// CredentialFromContext returns the credential attached by WithCredential.
func CredentialFromContext(ctx context.Context) string {
	key, _ := ctx.Value(credentialKey{}).(string)
	return key
}

// ForwardCredential returns a hook that sends the request's credential as
// an Authorization bearer token, replacing any credential header already
// present.
func ForwardCredential() HookFunc {
	return func(req *http.Request) error {
		key := CredentialFromContext(req.Context())
		if key == "" {
			return nil
		}
		req.Header.Del("X-Api-Key")
		req.Header.Set("Authorization", "Bearer "+key)
		return nil
	}
}

// ValidateProxyURL reports whether proxyURL can be used by NewTransport.
func ValidateProxyURL(proxyURL string) error {
	if proxyURL == "" {
		return nil
	}
	parsedURL, err := url.Parse(proxyURL)
	if err != nil {
		return fmt.Errorf("invalid proxy url %q: %w", proxyURL, err)
	}
	switch parsedURL.Scheme {
	case "http", "https", "socks5":
		return nil
	}
	return fmt.Errorf("unsupported proxy scheme %q, supported schemes are http, https, socks5", parsedURL.Scheme)
}

// NewTransport creates a transport with proxy support. An empty or broken
// proxy URL yields a clone of the default transport.
func NewTransport(proxyURL string) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if proxyURL == "" {
		return transport
	}

	if err := ValidateProxyURL(proxyURL); err != nil {
		logrus.Errorf("%v, using direct connection", err)
		return transport
	}
	parsedURL, _ := url.Parse(proxyURL)

	switch parsedURL.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsedURL)
	case "socks5":
		var auth *proxy.Auth
		if parsedURL.User != nil {
			password, _ := parsedURL.User.Password()
			auth = &proxy.Auth{User: parsedURL.User.Username(), Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", parsedURL.Host, auth, proxy.Direct)
		if err != nil {
			logrus.Errorf("Failed to create SOCKS5 proxy dialer: %v, using direct connection", err)
			return transport
		}
		dialContext, ok := dialer.(proxy.ContextDialer)
		if !ok {
			logrus.Errorf("SOCKS5 dialer does not support contexts, using direct connection")
			return transport
		}
		transport.Proxy = nil
		transport.DialContext = dialContext.DialContext
	}
	return transport
}
