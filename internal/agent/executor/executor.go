// Package executor performs one outbound HTTP request from a specific
// local source IP. Each call builds its own transport
// because the local bind address changes per dispatch — the usual shared
// connection pool would pin every request to whichever source happened to
// dial first.
package executor

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/hopmesh/hopmesh/internal/protocol"
)

const (
	// maxRedirects caps redirect hops; every hop re-binds to the same
	// source IP.
	maxRedirects = 10

	// maxBodyBytes bounds how much of the response body is read back.
	// Result frames must stay under the session layer's message limit.
	maxBodyBytes = 8 << 20

	// timeoutGrace pads the wall-time ceiling over the job timeout so a
	// response that lands right on the deadline still completes.
	timeoutGrace = 250 * time.Millisecond
)

// Error is an executor failure tagged with the taxonomy kind the
// coordinator propagates verbatim to the REST caller.
type Error struct {
	Kind    protocol.ErrorKind
	Message string
}

func (e *Error) Error() string { return string(e.Kind) + ": " + e.Message }

func errKind(kind protocol.ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Request is one outbound HTTP call to perform.
type Request struct {
	SourceIP string
	Method   string
	URL      string
	Headers  map[string]string
	Body     []byte
	Timeout  time.Duration
}

// Result is the outcome of a successful Execute.
type Result struct {
	Status     int
	Headers    map[string]string
	Body       []byte
	Elapsed    time.Duration
	BodyBytes  int64
	Truncated  bool
}

var errTooManyRedirects = errors.New("stopped after too many redirects")

// Execute performs req bound to req.SourceIP and classifies any failure
// into the error taxonomy. The returned error is always *Error.
func Execute(ctx context.Context, req Request) (*Result, *Error) {
	ip, err := parseSourceIP(req.SourceIP)
	if err != nil {
		return nil, errKind(protocol.ErrBindError, "unusable source ip %q: %v", req.SourceIP, err)
	}

	target, err := url.Parse(req.URL)
	if err != nil || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return nil, errKind(protocol.ErrInvalidRequest, "invalid url %q", req.URL)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	// The dialer carries the source binding; every connection this client
	// opens — including redirect hops — dials from the same local IP. A
	// redirect whose target resolves only to the other address family
	// fails the dial ("mismatched local address type") and is reported as
	// a BindError rather than silently re-binding.
	dialer := &net.Dialer{
		LocalAddr: &net.TCPAddr{IP: net.IP(ip.AsSlice())},
		Timeout:   timeout,
	}
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		DisableKeepAlives:     true,
	}
	defer transport.CloseIdleConnections()

	client := &http.Client{
		Transport: transport,
		Timeout:   timeout + timeoutGrace,
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			// via holds every request made so far: the original plus
			// len(via)-1 followed redirects.
			if len(via) > maxRedirects {
				return errTooManyRedirects
			}
			return nil
		},
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+timeoutGrace)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(req.Method), req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return nil, errKind(protocol.ErrInvalidRequest, "building request: %v", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		if isTimeout(err) {
			return nil, errKind(protocol.ErrTimeout, "reading response body: %v", err)
		}
		return nil, errKind(protocol.ErrReadError, "reading response body: %v", err)
	}
	truncated := false
	if int64(len(body)) > maxBodyBytes {
		body = body[:maxBodyBytes]
		truncated = true
	}

	headers := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	return &Result{
		Status:    resp.StatusCode,
		Headers:   headers,
		Body:      body,
		Elapsed:   time.Since(start),
		BodyBytes: int64(len(body)),
		Truncated: truncated,
	}, nil
}

// parseSourceIP unwraps a bracketed IPv6 literal and parses the address.
func parseSourceIP(s string) (netip.Addr, error) {
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Strip a zone if present; binding doesn't carry it portably.
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}
	return netip.ParseAddr(s)
}

// classify maps a transport error onto the taxonomy. Order matters: a
// timeout wrapped in a *url.Error must come out as Timeout, not
// ConnectError.
func classify(err error) *Error {
	if errors.Is(err, errTooManyRedirects) {
		return errKind(protocol.ErrTooManyRedirects, "more than %d redirect hops", maxRedirects)
	}
	if isTimeout(err) {
		return errKind(protocol.ErrTimeout, "%v", err)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return errKind(protocol.ErrDNSError, "%v", dnsErr)
	}

	if isTLSError(err) {
		return errKind(protocol.ErrTLSError, "%v", err)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		if isBindError(opErr) {
			return errKind(protocol.ErrBindError, "%v", opErr)
		}
		return errKind(protocol.ErrConnectError, "%v", opErr)
	}

	return errKind(protocol.ErrOther, "%v", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	var certErr *tls.CertificateVerificationError
	var unknownAuthErr x509.UnknownAuthorityError
	var hostErr x509.HostnameError
	if errors.As(err, &recordErr) || errors.As(err, &certErr) ||
		errors.As(err, &unknownAuthErr) || errors.As(err, &hostErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls:")
}

// isBindError detects a failure to use the requested local address:
// either the bind syscall itself, or a dial whose remote family cannot be
// reached from the bound source ("mismatched local address type").
func isBindError(opErr *net.OpError) bool {
	msg := opErr.Err.Error()
	if strings.Contains(msg, "bind") ||
		strings.Contains(msg, "mismatched local address type") ||
		strings.Contains(msg, "cannot assign requested address") {
		return true
	}
	var addrErr *net.AddrError
	return errors.As(opErr.Err, &addrErr)
}
