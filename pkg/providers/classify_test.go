package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"github.com/stretchr/testify/assert"
	"google.golang.org/genai"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailureReason
	}{
		{"401", &StatusError{StatusCode: 401}, ReasonAuth},
		{"403", &StatusError{StatusCode: 403}, ReasonAuth},
		{"429", &StatusError{StatusCode: 429}, ReasonRateLimit},
		{"402", &StatusError{StatusCode: 402}, ReasonBilling},
		{"408", &StatusError{StatusCode: 408}, ReasonTimeout},
		{"504", &StatusError{StatusCode: 504}, ReasonTimeout},
		{"400", &StatusError{StatusCode: 400}, ReasonFormat},
		{"wrapped 429", fmt.Errorf("call: %w", &StatusError{StatusCode: 429, Message: "slow down"}), ReasonRateLimit},
		{"anthropic 401", &anthropic.Error{StatusCode: 401}, ReasonAuth},
		{"openai 429", &openai.Error{StatusCode: 429}, ReasonRateLimit},
		{"genai 402", genai.APIError{Code: 402, Message: "pay"}, ReasonBilling},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassifyStatusBeatsKeywords(t *testing.T) {
	// A 429 whose message mentions billing is still a rate limit.
	err := &StatusError{StatusCode: 429, Message: "billing quota exceeded"}
	assert.Equal(t, ReasonRateLimit, Classify(err))
}

func TestClassifyNetwork(t *testing.T) {
	assert.Equal(t, ReasonTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, ReasonTimeout, Classify(fmt.Errorf("request: %w", context.DeadlineExceeded)))
	assert.Equal(t, ReasonConnectionError, Classify(fmt.Errorf("dial: %w", syscall.ECONNREFUSED)))
	assert.Equal(t, ReasonConnectionError, Classify(&net.DNSError{Err: "no such host", Name: "api.example"}))
	assert.Equal(t, ReasonConnectionError, Classify(&net.OpError{Op: "dial", Err: errors.New("boom")}))
}

func TestClassifyKeywords(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureReason
	}{
		{"Invalid API key provided", ReasonAuth},
		{"request unauthorized", ReasonAuth},
		{"Rate limit reached", ReasonRateLimit},
		{"Too Many Requests", ReasonRateLimit},
		{"monthly quota exhausted", ReasonRateLimit},
		{"insufficient funds", ReasonBilling},
		{"payment required", ReasonBilling},
		{"request timed out", ReasonTimeout},
		{"invalid request body", ReasonFormat},
		{"schema mismatch", ReasonFormat},
		{"ECONNRESET", ReasonConnectionError},
		{"getaddrinfo ENOTFOUND", ReasonConnectionError},
		{"something odd", ReasonUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.msg)))
		})
	}
	assert.Equal(t, ReasonUnknown, Classify(nil))
}
