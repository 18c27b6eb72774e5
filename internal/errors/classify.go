package errors

import (
	"context"
	"errors"
	"net"
	"strings"
)

// transientSignatures maps lowercase substrings of raw error text to subkinds.
// Matching happens exactly once, at the detection boundary; downstream code
// only ever sees the resulting RunError.
var transientSignatures = []struct {
	needle  string
	subkind TransientSubkind
}{
	{"connection reset", TransientNetwork},
	{"connection refused", TransientNetwork},
	{"broken pipe", TransientNetwork},
	{"i/o timeout", TransientNetwork},
	{"no such host", TransientNetwork},
	{"network is unreachable", TransientNetwork},
	{"tls handshake timeout", TransientNetwork},
	{"unexpected eof", TransientNetwork},
	{"429", TransientRateLimited},
	{"rate limit", TransientRateLimited},
	{"too many requests", TransientRateLimited},
	{"secondary rate limit", TransientRateLimited},
	{"500 internal server", TransientServer},
	{"502", TransientServer},
	{"503", TransientServer},
	{"504", TransientServer},
	{"bad gateway", TransientServer},
	{"service unavailable", TransientServer},
	{"could not read from remote repository", TransientClone},
	{"early eof", TransientClone},
	{"remote end hung up", TransientClone},
	{"rpc failed", TransientClone},
}

// Classify converts an arbitrary error into the closed taxonomy. Errors that
// already carry a RunError pass through unchanged. Unrecognized errors become
// Fatal: the retry budget is reserved for known-transient signatures.
func Classify(err error) *RunError {
	if err == nil {
		return nil
	}

	var re *RunError
	if errors.As(err, &re) {
		return re
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout(err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Transient(TransientNetwork, "network timeout", err)
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Transient(TransientNetwork, "dns lookup failed", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return Transient(TransientNetwork, "network operation failed", err)
	}

	text := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(text, sig.needle) {
			return Transient(sig.subkind, "transient failure detected", err)
		}
	}

	return Fatal("unclassified failure", err)
}

// ClassifyHTTPStatus maps an HTTP status code to the taxonomy; codes outside
// the transient set return nil so callers can treat the response as final.
func ClassifyHTTPStatus(status int) *RunError {
	switch {
	case status == 429:
		return Transient(TransientRateLimited, "rate limited", nil)
	case status >= 500 && status <= 599:
		return Transient(TransientServer, "upstream server error", nil)
	case status == 403:
		// Secondary rate limits surface as 403; treated as rate limiting so the
		// caller backs off instead of failing the run.
		return Transient(TransientRateLimited, "possibly rate limited (403)", nil)
	}
	return nil
}
