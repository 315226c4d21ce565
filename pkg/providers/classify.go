package providers

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

var reasonKeywords = []struct {
	reason   FailureReason
	keywords []string
}{
	{ReasonAuth, []string{"auth", "api key", "unauthorized"}},
	{ReasonRateLimit, []string{"rate limit", "too many requests", "quota"}},
	{ReasonBilling, []string{"billing", "insufficient", "payment", "credit"}},
	{ReasonTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{ReasonFormat, []string{"invalid", "format", "schema"}},
	{ReasonConnectionError, []string{"econnrefused", "econnreset", "enotfound", "enetunreach",
		"connection refused", "connection reset", "no such host", "network is unreachable"}},
}

// Classify maps an error to a FailureReason. HTTP status codes take
// precedence, then typed network errors, then message keywords.
func Classify(err error) FailureReason {
	if err == nil {
		return ReasonUnknown
	}

	switch StatusCode(err) {
	case 401, 403:
		return ReasonAuth
	case 429:
		return ReasonRateLimit
	case 402:
		return ReasonBilling
	case 408, 504:
		return ReasonTimeout
	case 400:
		return ReasonFormat
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ReasonTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ReasonTimeout
	}
	if isConnectionError(err) {
		return ReasonConnectionError
	}

	msg := strings.ToLower(err.Error())
	for _, group := range reasonKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(msg, kw) {
				return group.reason
			}
		}
	}
	return ReasonUnknown
}

// StatusCode extracts an HTTP status from SDK errors, or 0.
func StatusCode(err error) int {
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return anthropicErr.StatusCode
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return openaiErr.StatusCode
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return genaiErr.Code
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

func isConnectionError(err error) bool {
	for _, errno := range []syscall.Errno{syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ENETUNREACH, syscall.EHOSTUNREACH} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
