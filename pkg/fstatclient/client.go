// Package fstatclient implements the remote fstat HTTP service client
// referenced by component E: "GET <url>/o4-http/fstat/<to_cl>/
// <depot-without-slashes>?nearby=<n>", basic/digest auth, gzipped streaming
// body, with 3xx redirect to the nearest changelist the service actually
// holds.
package fstatclient

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"

	"github.com/o4sync/o4/pkg/logging"
)

// Config describes how to reach the remote fstat service, parsed from the
// "o4.fstat_server_*" family of configuration keys.
type Config struct {
	// URL is the service base, e.g. "https://fstat.example.com".
	URL string
	// Nearby is the "nearby" query parameter: how far the service may
	// search for a substitute changelist before redirecting.
	Nearby int
	// Auth is nil if the service requires no authentication.
	Auth *AuthConfig
	// CertPath is a PEM file to trust in addition to the system pool, or
	// "" / "none" to use the system pool only.
	CertPath string
}

// Client fetches fstat ranges from a remote fstat service.
type Client struct {
	config Config
	http   *retryablehttp.Client
	digest *digestState
	logger *logging.Logger
}

// New constructs a Client. A non-nil error is only returned if CertPath
// names a file that cannot be read or parsed.
func New(config Config, logger *logging.Logger) (*Client, error) {
	transport := http.DefaultTransport
	if config.CertPath != "" && config.CertPath != "none" {
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		pem, err := os.ReadFile(config.CertPath)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to read fstat_server_cert %s", config.CertPath)
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, errors.Errorf("no certificates found in %s", config.CertPath)
		}
		transport = &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool}}
	}

	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient.Transport = transport
	httpClient.Logger = nil
	// Redirects carry the "nearest available changelist" signal; stop the
	// underlying client from following them so Fetch can
	// read the Location header itself.
	httpClient.HTTPClient.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}
	httpClient.RetryMax = 3

	return &Client{config: config, http: httpClient, logger: logger}, nil
}

// Result is a successful Fetch: either a stream positioned at the
// requested changelist, or a redirect to a nearer one the caller must
// split its request around.
type Result struct {
	// Changelist is the changelist the body actually covers, which may
	// be less than the requested "to" changelist if the server
	// redirected.
	Changelist int
	// Redirected is true if the server responded with a 3xx pointing at
	// Changelist instead of serving the requested range directly.
	Redirected bool
	// Body streams gzip-decompressed fstat lines. Non-nil only when
	// Redirected is false. Callers must Close it.
	Body io.ReadCloser
}

// Fetch requests the fstat range for depotPath up to and including
// changelist to. depotPath is sent with its leading "//" removed and its
// interior slashes replaced by "-" per the service URL pattern.
func (c *Client) Fetch(ctx context.Context, depotPath string, to int) (*Result, error) {
	url := c.requestURL(depotPath, to)
	resp, err := c.do(ctx, url)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		defer resp.Body.Close()
		location := resp.Header.Get("Location")
		redirectCL, err := changelistFromLocation(location)
		if err != nil {
			return nil, errors.Wrapf(err, "unable to parse redirect from %s", location)
		}
		return &Result{Changelist: redirectCL, Redirected: true}, nil
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, errors.Errorf("fstat service returned status %d for %s", resp.StatusCode, url)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, errors.Wrap(err, "unable to decompress fstat service response")
	}
	return &Result{Changelist: to, Body: &gzipCloser{Reader: gz, underlying: resp.Body}}, nil
}

// gzipCloser closes both the gzip reader and the underlying HTTP body.
type gzipCloser struct {
	*gzip.Reader
	underlying io.ReadCloser
}

func (g *gzipCloser) Close() error {
	gzErr := g.Reader.Close()
	bodyErr := g.underlying.Close()
	if gzErr != nil {
		return gzErr
	}
	return bodyErr
}

func (c *Client) requestURL(depotPath string, to int) string {
	stripped := strings.TrimPrefix(depotPath, "//")
	stripped = strings.ReplaceAll(stripped, "/", "-")
	base := strings.TrimSuffix(c.config.URL, "/")
	url := fmt.Sprintf("%s/o4-http/fstat/%d/%s", base, to, stripped)
	if c.config.Nearby > 0 {
		url += fmt.Sprintf("?nearby=%d", c.config.Nearby)
	}
	return url
}

// do issues the request, authenticating per c.config.Auth. Digest auth
// requires an initial unauthenticated round trip to receive the server's
// challenge (RFC 2617), so the first 401 is handled transparently here.
func (c *Client) do(ctx context.Context, url string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "unable to build fstat service request")
	}

	if c.config.Auth != nil && c.config.Auth.Scheme == "basic" {
		c.config.Auth.applyBasic(req.Request)
	} else if c.config.Auth != nil && c.config.Auth.Scheme == "digest" && c.digest != nil {
		req.Header.Set("Authorization", c.digest.authorizationHeader(c.config.Auth, http.MethodGet, req.URL.RequestURI()))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "fstat service request failed")
	}

	if resp.StatusCode == http.StatusUnauthorized && c.config.Auth != nil && c.config.Auth.Scheme == "digest" {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()
		c.digest = parseDigestChallenge(challenge)

		retry, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, errors.Wrap(err, "unable to rebuild fstat service request")
		}
		retry.Header.Set("Authorization", c.digest.authorizationHeader(c.config.Auth, http.MethodGet, retry.URL.RequestURI()))
		resp, err = c.http.Do(retry)
		if err != nil {
			return nil, errors.Wrap(err, "fstat service digest-authenticated request failed")
		}
	}

	return resp, nil
}

// changelistFromLocation extracts the trailing "/<to_cl>/" path segment
// that identifies the changelist a redirect points at.
func changelistFromLocation(location string) (int, error) {
	trimmed := strings.TrimSuffix(location, "/")
	segments := strings.Split(trimmed, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if cl, err := strconv.Atoi(segments[i]); err == nil {
			return cl, nil
		}
	}
	return 0, errors.Errorf("no changelist segment found in redirect location %q", location)
}
