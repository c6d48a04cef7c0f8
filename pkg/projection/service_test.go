package projection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openledger/ledgerstream/pkg/domain"
	"github.com/openledger/ledgerstream/pkg/projection"
)

type recordingTarget struct {
	name    string
	applied []string
	fail    error
	resets  int
}

func (t *recordingTarget) Name() string { return t.name }

func (t *recordingTarget) Apply(_ context.Context, evt *domain.Event) error {
	if t.fail != nil {
		return t.fail
	}
	t.applied = append(t.applied, evt.ID)
	return nil
}

func (t *recordingTarget) Reset(context.Context) error {
	t.resets++
	return nil
}

func TestService_FanOut(t *testing.T) {
	ctx := context.Background()
	event := opened("evt-1", "acc-1", 1, "10")

	t.Run("applies to every target", func(t *testing.T) {
		a := &recordingTarget{name: "a"}
		b := &recordingTarget{name: "b"}
		svc := projection.NewService([]projection.Target{a, b})

		require.NoError(t, svc.Apply(ctx, event))
		assert.Equal(t, []string{"evt-1"}, a.applied)
		assert.Equal(t, []string{"evt-1"}, b.applied)
	})

	t.Run("one failing target does not block the others", func(t *testing.T) {
		boom := errors.New("boom")
		a := &recordingTarget{name: "a", fail: boom}
		b := &recordingTarget{name: "b"}
		svc := projection.NewService([]projection.Target{a, b})

		err := svc.Apply(ctx, event)
		require.Error(t, err)

		var perr *projection.ProjectionError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, "a", perr.Target)
		assert.Equal(t, "evt-1", perr.EventID)
		assert.True(t, errors.Is(err, boom))

		assert.Equal(t, []string{"evt-1"}, b.applied, "healthy target must still apply")
	})

	t.Run("reset reaches every target", func(t *testing.T) {
		a := &recordingTarget{name: "a"}
		b := &recordingTarget{name: "b"}
		svc := projection.NewService([]projection.Target{a, b})

		require.NoError(t, svc.Reset(ctx))
		assert.Equal(t, 1, a.resets)
		assert.Equal(t, 1, b.resets)
	})
}
