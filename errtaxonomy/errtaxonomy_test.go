package errtaxonomy_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/driftloom/agentcore/errtaxonomy"
)

func TestIsMatchesWrappedKind(t *testing.T) {
	err := errtaxonomy.New(errtaxonomy.KindTransportRetryable, errors.New("connection reset"))
	assert.True(t, errtaxonomy.Is(err, errtaxonomy.KindTransportRetryable))
	assert.False(t, errtaxonomy.Is(err, errtaxonomy.KindValidation))
}

func TestIsSeesThroughFurtherWrapping(t *testing.T) {
	inner := errtaxonomy.New(errtaxonomy.KindOrphanRun, nil)
	wrapped := fmt.Errorf("sweep failed: %w", inner)
	assert.True(t, errtaxonomy.Is(wrapped, errtaxonomy.KindOrphanRun))
}

func TestRetryableOnlyTrueForTransportRetryable(t *testing.T) {
	assert.True(t, errtaxonomy.Retryable(errtaxonomy.New(errtaxonomy.KindTransportRetryable, nil)))
	assert.False(t, errtaxonomy.Retryable(errtaxonomy.New(errtaxonomy.KindRateLimited, nil)))
	assert.False(t, errtaxonomy.Retryable(errors.New("untyped error")))
}

func TestRunContinuesForValidationAndRemoteToolOnly(t *testing.T) {
	assert.True(t, errtaxonomy.RunContinues(errtaxonomy.New(errtaxonomy.KindValidation, nil)))
	assert.True(t, errtaxonomy.RunContinues(errtaxonomy.New(errtaxonomy.KindRemoteTool, nil)))
	assert.False(t, errtaxonomy.RunContinues(errtaxonomy.New(errtaxonomy.KindRunFatal, nil)))
}

func TestBackoffGrowsWithAttemptAndStaysPositive(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := errtaxonomy.Backoff(attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.Greater(t, d, prev)
		prev = d
	}
}

func TestErrorMessageIncludesKindAndWrappedError(t *testing.T) {
	err := errtaxonomy.New(errtaxonomy.KindValidation, errors.New("missing field"))
	assert.Contains(t, err.Error(), string(errtaxonomy.KindValidation))
	assert.Contains(t, err.Error(), "missing field")
}

func TestErrorMessageWithoutWrappedErrIsJustKind(t *testing.T) {
	err := errtaxonomy.New(errtaxonomy.KindOrphanRun, nil)
	assert.Equal(t, string(errtaxonomy.KindOrphanRun), err.Error())
}
