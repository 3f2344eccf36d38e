package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/ikrfit/internal/cells"
	"github.com/copyleftdev/ikrfit/internal/data"
	"github.com/copyleftdev/ikrfit/internal/protocols"
)

func TestGenerate(t *testing.T) {
	if testing.Short() {
		t.Skip("simulates every protocol")
	}
	table := cells.Default()
	cell, err := table.Get(syntheticCell)
	require.NoError(t, err)
	ref, err := table.Get(referenceCell)
	require.NoError(t, err)

	a, err := generate(context.Background(), cell, ref.Reference, cell.Noise, 1234)
	require.NoError(t, err)
	b, err := generate(context.Background(), cell, ref.Reference, cell.Noise, 1234)
	require.NoError(t, err)

	require.Len(t, a, 6)
	for id := protocols.ActivationKinetics; id <= protocols.SineWave; id++ {
		require.Contains(t, a, id)
		assert.NoError(t, a[id].Validate())
		assert.Equal(t, a[id].Current, b[id].Current, "protocol %d", id)
	}
	assert.NotNil(t, a[protocols.ActionPotential].Voltage)
	assert.Nil(t, a[protocols.SineWave].Voltage)
	// Recordings keep every sample; fits apply the capacitance filter.
	assert.Equal(t, protocols.Pr2().Times(protocols.SampleInterval), a[protocols.ActivationKinetics].Times)

	dir := t.TempDir()
	require.NoError(t, data.Save(dir, cell.ID, protocols.ActionPotential, a[protocols.ActionPotential]))
	rec, err := data.Load(dir, cell.ID, protocols.ActionPotential)
	require.NoError(t, err)
	assert.Equal(t, a[protocols.ActionPotential].Len(), rec.Len())
}
