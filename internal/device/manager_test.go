package device

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dokzlo13/dingzd/internal/dingz"
	"github.com/dokzlo13/dingzd/internal/eventbus"
	"github.com/dokzlo13/dingzd/internal/ledger"
)

type memRecords struct {
	mu      sync.Mutex
	items   map[string]string
	deleted []string
}

func (m *memRecords) UpdateAddress(_ context.Context, mac, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[mac] = address
	return nil
}

func (m *memRecords) Delete(_ context.Context, mac string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, mac)
	m.deleted = append(m.deleted, mac)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *memRecorder, *memRecords) {
	t.Helper()
	rec := &memRecorder{}
	addrs := &memRecords{items: map[string]string{}}
	m := NewManager(testOptions(), Deps{
		Snapshots: newMemSnapshots(),
		Recorder:  rec,
		Records:   addrs,
	})
	m.Start()
	t.Cleanup(m.Shutdown)
	return m, rec, addrs
}

func serve(t *testing.T, fake *fakeDevice) string {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestManager_RegisterAndDeregister(t *testing.T) {
	m, rec, _ := newTestManager(t)
	addr := serve(t, newFakeDingz())

	s, err := m.Register(context.Background(), Identity{MAC: "f0:08:d1:c0:ff:ee", Address: addr})
	require.NoError(t, err)
	assert.Equal(t, testMAC, s.MAC())
	assert.Equal(t, FamilyDingz, s.Identity().Family)
	assert.True(t, rec.has(ledger.EventDeviceRegistered))

	got, ok := m.Get("f008d1c0ffee")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Len(t, m.List(), 1)

	_, err = m.Register(context.Background(), Identity{MAC: testMAC, Address: addr})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	require.NoError(t, m.Deregister(testMAC))
	assert.Empty(t, s.Pollers())
	assert.True(t, rec.has(ledger.EventDeviceRemoved))
	assert.ErrorIs(t, m.Deregister(testMAC), ErrNotFound)
}

func TestManager_DeregisterForgetsStoredState(t *testing.T) {
	snapshots := newMemSnapshots()
	records := &memRecords{items: map[string]string{}}
	m := NewManager(testOptions(), Deps{Snapshots: snapshots, Records: records})
	t.Cleanup(m.Shutdown)
	addr := serve(t, newFakeDingz())

	_, err := m.Register(context.Background(), Identity{MAC: testMAC, Address: addr})
	require.NoError(t, err)
	_, version, _ := snapshots.Get(context.Background(), testMAC)
	require.Positive(t, version)

	require.NoError(t, m.Deregister(testMAC))

	_, version, _ = snapshots.Get(context.Background(), testMAC)
	assert.Zero(t, version, "snapshot deleted")
	records.mu.Lock()
	assert.Equal(t, []string{testMAC}, records.deleted)
	records.mu.Unlock()
}

func TestManager_FailedStartIsForgotten(t *testing.T) {
	m, _, _ := newTestManager(t)
	fake := newFakeDingz()
	fake.devType = int(dingz.TypeBulb)
	addr := serve(t, fake)

	_, err := m.Register(context.Background(), Identity{MAC: testMAC, Address: addr})
	require.ErrorIs(t, err, ErrWrongModel)

	_, ok := m.Get(testMAC)
	assert.False(t, ok)
}

func TestManager_MissingMAC(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Register(context.Background(), Identity{Address: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestManager_DeviceInfoUpdatesAddress(t *testing.T) {
	m, _, addrs := newTestManager(t)
	fake := newFakeDingz()
	first := serve(t, fake)
	second := serve(t, fake)

	s, err := m.Register(context.Background(), Identity{MAC: testMAC, Address: first})
	require.NoError(t, err)

	m.Bus().Publish(eventbus.DeviceInfoUpdated{DeviceID: testMAC, Address: second})
	assert.Equal(t, second, s.Identity().Address)

	addrs.mu.Lock()
	assert.Equal(t, second, addrs.items[testMAC])
	addrs.mu.Unlock()

	before := fake.hit("/api/v1/input_config")
	require.NoError(t, s.Reconcile(context.Background(), "test"))
	assert.Greater(t, fake.hit("/api/v1/input_config"), before, "session talks to the new address")

	m.Bus().Publish(eventbus.DeviceInfoUpdated{DeviceID: "UNKNOWN", Address: first})
	assert.Equal(t, second, s.Identity().Address)
}
