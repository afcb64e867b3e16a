package activityworker

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/affandar/toygres/pkg/errs"
)

func TestRegistry_LookupRoundTrip(t *testing.T) {
	reg := NewRegistry()
	called := false
	reg.Register("noop", func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		called = true
		return input, nil
	})

	fn, ok := reg.lookup("noop")
	require.True(t, ok)
	_, err := fn(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, called)

	_, ok = reg.lookup("missing")
	assert.False(t, ok)
}

func TestClassificationDecidesRetryEligibility(t *testing.T) {
	infra := errs.Infra(assert.AnError)
	app := errs.App(assert.AnError)

	assert.Equal(t, errs.KindInfra, errs.ClassOf(infra))
	assert.Equal(t, errs.KindApp, errs.ClassOf(app))
	// an unclassified error defaults to Infra (retryable) rather than App,
	// per errs.ClassOf's documented conservative default.
	assert.Equal(t, errs.KindInfra, errs.ClassOf(assert.AnError))
}
