package dispatch

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ringops/ringway/internal/connector"
)

func TestClassifyBackendStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  *connector.BackendError
		want Class
	}{
		{"rate limit", &connector.BackendError{StatusCode: 429}, ClassTransient},
		{"server error", &connector.BackendError{StatusCode: 500}, ClassTransient},
		{"bad gateway", &connector.BackendError{StatusCode: 502}, ClassTransient},
		{"bad request", &connector.BackendError{StatusCode: 400}, ClassPermanent},
		{"unauthorized", &connector.BackendError{StatusCode: 401}, ClassPermanent},
		{"plain forbidden", &connector.BackendError{StatusCode: 403}, ClassPermanent},
		{"forbidden with policy signal", &connector.BackendError{StatusCode: 403, PolicySignal: true}, ClassPolicyViolation},
		{"not found", &connector.BackendError{StatusCode: 404}, ClassPermanent},
		{"conflict without duplicate flag", &connector.BackendError{StatusCode: 409}, ClassPermanent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestClassifyWrappedBackendError(t *testing.T) {
	err := fmt.Errorf("call backend: %w", &connector.BackendError{StatusCode: 503})
	assert.Equal(t, ClassTransient, Classify(err))
}

func TestClassifyNetworkFailures(t *testing.T) {
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, Classify(syscall.ECONNRESET))
	assert.Equal(t, ClassTransient, Classify(syscall.ECONNREFUSED))
}

func TestClassifyUnknownErrorIsPermanent(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(errors.New("something odd")))
}

func TestClassifyHonorsExistingClassification(t *testing.T) {
	err := NewPolicyViolation(errors.New("blocked by governance"))
	assert.Equal(t, ClassPolicyViolation, Classify(fmt.Errorf("outer: %w", err)))
}

func TestIsDuplicate(t *testing.T) {
	assert.True(t, IsDuplicate(&connector.BackendError{StatusCode: 409, Duplicate: true}))
	assert.False(t, IsDuplicate(&connector.BackendError{StatusCode: 409}))
	assert.False(t, IsDuplicate(errors.New("nope")))
}
