package transition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPreRejectsMutationAfterFinalize(t *testing.T) {
	g := New()
	require.NoError(t, g.Pre(Payload{Name: "testfr"}))
	g.FinalizePre()
	err := g.Pre(Payload{Name: "startdt"})
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
}

func TestTraverseRequiresFinalize(t *testing.T) {
	g := New()
	_, err := g.TraversePre()
	assert.ErrorIs(t, err, ErrNotFinalized)
}

func TestTraverseOrderPreserved(t *testing.T) {
	g := New()
	require.NoError(t, g.Pre(Payload{Name: "testfr"}))
	require.NoError(t, g.Pre(Payload{Name: "startdt"}))
	g.FinalizePre()
	pre, err := g.TraversePre()
	require.NoError(t, err)
	assert.Equal(t, []string{"testfr", "startdt"}, []string{pre[0].Name, pre[1].Name})
}
