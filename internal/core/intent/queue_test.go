package intent

import (
	"testing"

	"github.com/artpar/dualdeploy/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_AddKeepsDeclarationOrder(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Add(domain.NewDeployUnit("WETH9")))
	require.NoError(t, q.Add(domain.NewDeployUnit("UniswapV2Factory", "0xdeployer")))
	require.NoError(t, q.Add(domain.NewCallUnit("setFeeTo", "UniswapV2Factory", "setFeeTo", "0xfee")))

	units := q.Units()
	require.Len(t, units, 3)
	assert.Equal(t, "WETH9", units[0].Name)
	assert.Equal(t, "UniswapV2Factory", units[1].Name)
	assert.Equal(t, "setFeeTo", units[2].Name)
	assert.Equal(t, 3, q.Len())
	assert.True(t, q.Contains("WETH9"))
}

func TestQueue_DuplicateName(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Add(domain.NewDeployUnit("Token")))

	err := q.Add(domain.NewCallUnit("Token", "Faucet", "fund"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateName)

	var dupErr *DuplicateNameError
	require.ErrorAs(t, err, &dupErr)
	assert.Equal(t, "Token", dupErr.Name)
	assert.Equal(t, domain.KindDeploy, dupErr.Existing)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_InvalidUnitRejected(t *testing.T) {
	q := NewQueue()
	err := q.Add(domain.NewDeployUnit(""))
	assert.ErrorIs(t, err, domain.ErrEmptyName)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_UnitsReturnsCopy(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Add(domain.NewDeployUnit("Token")))

	units := q.Units()
	units[0].Name = "Mutated"

	assert.Equal(t, "Token", q.Units()[0].Name)
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue()
	require.NoError(t, q.Add(domain.NewDeployUnit("Token")))
	q.Clear()

	assert.Equal(t, 0, q.Len())
	assert.False(t, q.Contains("Token"))
	// Name is free again after clearing
	assert.NoError(t, q.Add(domain.NewDeployUnit("Token")))
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()
	for _, name := range []string{"A", "B", "C", "D"} {
		require.NoError(t, q.Add(domain.NewDeployUnit(name)))
	}

	q.Remove("B", "D", "missing")

	names := []string{}
	for _, u := range q.Units() {
		names = append(names, u.Name)
	}
	assert.Equal(t, []string{"A", "C"}, names)
	assert.False(t, q.Contains("B"))
	assert.True(t, q.Contains("C"))

	// Index stays consistent for duplicate detection.
	var dup *DuplicateNameError
	require.ErrorAs(t, q.Add(domain.NewDeployUnit("C")), &dup)
	assert.NoError(t, q.Add(domain.NewDeployUnit("B")))
}
