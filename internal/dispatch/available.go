package dispatch

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// Availability classifies the outcome of a reachability probe.
type Availability string

const (
	Available   Availability = "available"
	ClientError Availability = "client_error"
	ServerError Availability = "server_error"
	Unreachable Availability = "unreachable"
	CertFailure Availability = "cert_failure"
	Timeout     Availability = "timeout"
)

// Unavailable describes one URL that failed its probe.
type Unavailable struct {
	URL        string       `json:"url"`
	Reason     Availability `json:"reason"`
	StatusCode int          `json:"status_code,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// CheckEndpointsAvailable probes every URL concurrently and reports whether
// all of them answered, plus the failures in input order.
func (c *Client) CheckEndpointsAvailable(ctx context.Context, urls []string) (bool, []Unavailable) {
	results := make([]*Unavailable, len(urls))
	var g errgroup.Group
	for i, u := range urls {
		g.Go(func() error {
			results[i] = c.probe(ctx, u)
			return nil
		})
	}
	_ = g.Wait()

	var failed []Unavailable
	for _, r := range results {
		if r != nil {
			failed = append(failed, *r)
		}
	}
	if len(failed) > 0 {
		c.logger.Warn("endpoints unavailable", "count", len(failed), "first_url", failed[0].URL, "reason", failed[0].Reason)
	}
	return len(failed) == 0, failed
}

func (c *Client) probe(ctx context.Context, target string) *Unavailable {
	ctx, cancel := context.WithTimeout(ctx, c.availabilityTO)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
	if err != nil {
		return &Unavailable{URL: target, Reason: ClientError, Error: err.Error()}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &Unavailable{URL: target, Reason: classifyError(ctx, err), Error: err.Error()}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMethodNotAllowed:
		return nil
	case resp.StatusCode >= 500:
		return &Unavailable{URL: target, Reason: ServerError, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		return &Unavailable{URL: target, Reason: ClientError, StatusCode: resp.StatusCode}
	default:
		return nil
	}
}

func classifyError(ctx context.Context, err error) Availability {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var unknownAuth x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	var certInvalid x509.CertificateInvalidError
	var verifyErr *tls.CertificateVerificationError
	if errors.As(err, &unknownAuth) || errors.As(err, &hostErr) || errors.As(err, &certInvalid) || errors.As(err, &verifyErr) {
		return CertFailure
	}
	return Unreachable
}
