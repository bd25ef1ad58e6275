package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hopmesh/hopmesh/internal/protocol"
)

func TestExecuteHappyPathBindsSource(t *testing.T) {
	var remoteHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		remoteHost, _, _ = net.SplitHostPort(r.RemoteAddr)
		w.Header().Set("X-Test", "yes")
		fmt.Fprint(w, "hello")
	}))
	defer srv.Close()

	res, execErr := Execute(context.Background(), Request{
		SourceIP: "127.0.0.1",
		Method:   "GET",
		URL:      srv.URL,
		Timeout:  5 * time.Second,
	})
	require.Nil(t, execErr)
	require.Equal(t, 200, res.Status)
	require.Equal(t, []byte("hello"), res.Body)
	require.Equal(t, "yes", res.Headers["X-Test"])
	require.EqualValues(t, 5, res.BodyBytes)
	require.Equal(t, "127.0.0.1", remoteHost, "connection must originate from the bound source ip")
	require.Less(t, res.Elapsed, 5*time.Second)
}

func TestExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	defer srv.Close()

	start := time.Now()
	_, execErr := Execute(context.Background(), Request{
		SourceIP: "127.0.0.1",
		Method:   "GET",
		URL:      srv.URL,
		Timeout:  200 * time.Millisecond,
	})
	require.NotNil(t, execErr)
	require.Equal(t, protocol.ErrTimeout, execErr.Kind)
	require.Less(t, time.Since(start), time.Second, "wall time must not exceed timeout + grace")
}

func TestExecuteTooManyRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer srv.Close()

	_, execErr := Execute(context.Background(), Request{
		SourceIP: "127.0.0.1",
		Method:   "GET",
		URL:      srv.URL,
		Timeout:  5 * time.Second,
	})
	require.NotNil(t, execErr)
	require.Equal(t, protocol.ErrTooManyRedirects, execErr.Kind)
}

func TestExecuteInvalidRequest(t *testing.T) {
	for _, u := range []string{"not-a-url", "ftp://example.test/x", ""} {
		_, execErr := Execute(context.Background(), Request{
			SourceIP: "127.0.0.1",
			Method:   "GET",
			URL:      u,
			Timeout:  time.Second,
		})
		require.NotNil(t, execErr, "url %q", u)
		require.Equal(t, protocol.ErrInvalidRequest, execErr.Kind, "url %q", u)
	}
}

func TestExecuteConnectError(t *testing.T) {
	// A listener that is immediately closed yields a port with nothing
	// accepting on it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, execErr := Execute(context.Background(), Request{
		SourceIP: "127.0.0.1",
		Method:   "GET",
		URL:      "http://" + addr + "/",
		Timeout:  2 * time.Second,
	})
	require.NotNil(t, execErr)
	require.Equal(t, protocol.ErrConnectError, execErr.Kind)
}

func TestExecuteBadSourceIP(t *testing.T) {
	_, execErr := Execute(context.Background(), Request{
		SourceIP: "not-an-ip",
		Method:   "GET",
		URL:      "http://example.test/",
		Timeout:  time.Second,
	})
	require.NotNil(t, execErr)
	require.Equal(t, protocol.ErrBindError, execErr.Kind)
}

func TestParseSourceIPUnwrapsBrackets(t *testing.T) {
	cases := map[string]string{
		"[::1]":       "::1",
		"::1":         "::1",
		"127.0.0.1":   "127.0.0.1",
		"[fe80::1%0]": "fe80::1",
	}
	for in, want := range cases {
		ip, err := parseSourceIP(in)
		require.NoError(t, err, "input %q", in)
		require.Equal(t, want, ip.String(), "input %q", in)
	}
}

func TestClassifyFamilyMismatchIsBindError(t *testing.T) {
	opErr := &net.OpError{
		Op:  "dial",
		Err: errors.New("dial tcp4: mismatched local address type tcp6"),
	}
	e := classify(opErr)
	require.Equal(t, protocol.ErrBindError, e.Kind)
}

func TestClassifyDNSError(t *testing.T) {
	e := classify(&net.DNSError{Err: "no such host", Name: "nope.invalid"})
	require.Equal(t, protocol.ErrDNSError, e.Kind)
}
