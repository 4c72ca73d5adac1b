package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dingzd/internal/db"
)

func openDB(t *testing.T) *db.DB {
	t.Helper()
	database, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

type snapshot struct {
	Mode   int    `json:"mode"`
	Inputs []bool `json:"inputs"`
}

func TestTypedStore_VersionsIncrease(t *testing.T) {
	store := NewTypedStore[snapshot](NewStore(openDB(t).DB), "hardware_snapshot")
	ctx := context.Background()

	v, version, err := store.Get(ctx, "AA")
	require.NoError(t, err)
	assert.Zero(t, version)
	assert.Equal(t, snapshot{}, v)

	require.NoError(t, store.Set(ctx, "AA", snapshot{Mode: 1, Inputs: []bool{false}}))
	require.NoError(t, store.Set(ctx, "AA", snapshot{Mode: 1, Inputs: []bool{true}}))

	v, version, err = store.Get(ctx, "AA")
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	assert.Equal(t, []bool{true}, v.Inputs)

	require.NoError(t, store.Delete(ctx, "AA"))
	_, version, err = store.Get(ctx, "AA")
	require.NoError(t, err)
	assert.Zero(t, version)
}

func TestDevices(t *testing.T) {
	devices := NewDevices(openDB(t).DB)
	ctx := context.Background()

	require.NoError(t, devices.Upsert(ctx, DeviceRecord{MAC: "BB", Address: "10.0.0.2", Family: "dingz"}))
	require.NoError(t, devices.Upsert(ctx, DeviceRecord{MAC: "AA", Address: "10.0.0.1", Family: "switch"}))
	require.NoError(t, devices.UpdateAddress(ctx, "BB", "10.0.0.20"))

	rec, ok, err := devices.Get(ctx, "BB")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.0.0.20", rec.Address)

	list, err := devices.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "AA", list[0].MAC)

	require.NoError(t, devices.Delete(ctx, "AA"))
	_, ok, err = devices.Get(ctx, "AA")
	require.NoError(t, err)
	assert.False(t, ok)
}
