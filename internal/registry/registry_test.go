package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maumercado/senpuki/internal/execctx"
)

func noopHandler(ctx context.Context, ec *execctx.Context, args []byte) ([]byte, error) {
	return args, nil
}

func TestRegister_DefaultsQueueAndConcurrencyGroup(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(FunctionSpec{
		Name: "send_email", Kind: KindActivity, Handler: noopHandler, ConcurrencyLimit: 2,
	}))

	spec, err := r.Lookup("send_email")
	require.NoError(t, err)
	assert.Equal(t, "default", spec.Queue)
	assert.Equal(t, "send_email", spec.ConcurrencyGroup)
}

func TestRegister_RejectsDuplicateName(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(FunctionSpec{Name: "add", Kind: KindActivity, Handler: noopHandler}))

	err := r.Register(FunctionSpec{Name: "add", Kind: KindActivity, Handler: noopHandler})
	assert.Error(t, err)
}

func TestRegister_RejectsNilHandler(t *testing.T) {
	r := New()
	err := r.Register(FunctionSpec{Name: "add", Kind: KindActivity})
	assert.Error(t, err)
}

func TestLookup_NotRegistered(t *testing.T) {
	r := New()
	_, err := r.Lookup("missing")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestNames(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(FunctionSpec{Name: "add", Kind: KindActivity, Handler: noopHandler}))
	require.NoError(t, r.Register(FunctionSpec{Name: "mul", Kind: KindActivity, Handler: noopHandler}))

	assert.ElementsMatch(t, []string{"add", "mul"}, r.Names())
}
