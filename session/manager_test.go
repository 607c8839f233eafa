package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func TestCreateLookup(t *testing.T) {
	m := NewManager(0, nop())
	assert.Equal(t, DefaultMaxClients, m.MaxClients())

	c, err := m.Create(7)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), c.ID())
	assert.Equal(t, 1, c.Connects())

	got, err := m.Lookup(7)
	require.NoError(t, err)
	assert.Same(t, c, got)
	assert.Equal(t, 1, m.Count())
}

func TestCreate_RejectsOutOfRange(t *testing.T) {
	m := NewManager(4, nop())
	_, err := m.Create(0)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = m.Create(5)
	assert.ErrorIs(t, err, ErrInvalidID)
	_, err = m.Create(4)
	assert.NoError(t, err)
}

func TestLookup_AfterDestroy(t *testing.T) {
	m := NewManager(8, nop())
	_, err := m.Create(3)
	require.NoError(t, err)
	assert.True(t, m.Destroy(3))
	assert.False(t, m.Destroy(3))

	for i := 0; i < 3; i++ {
		_, err = m.Lookup(3)
		assert.ErrorIs(t, err, ErrNotFound)
	}
}

func TestStaleReference_IsNoOp(t *testing.T) {
	m := NewManager(8, nop())
	old, err := m.Create(3)
	require.NoError(t, err)
	require.True(t, old.SetAccount("alice"))
	m.Destroy(3)

	assert.True(t, old.Destroyed())
	assert.False(t, old.SetAccount("mallory"))
	assert.False(t, old.SetFlag(Muted))
	assert.False(t, old.SetValue("antiflood.count", 9))
	assert.Equal(t, "alice", old.Account())

	fresh, err := m.Create(3)
	require.NoError(t, err)
	assert.NotSame(t, old, fresh)
	assert.Greater(t, fresh.Generation(), old.Generation())
	assert.Empty(t, fresh.Account())
	assert.False(t, fresh.Flags().Has(Muted))
	_, ok := fresh.Value("antiflood.count")
	assert.False(t, ok)
}

func TestCreate_DisplacesExisting(t *testing.T) {
	m := NewManager(8, nop())
	first, _ := m.Create(2)
	second, err := m.Create(2)
	require.NoError(t, err)
	assert.True(t, first.Destroyed())
	assert.False(t, second.Destroyed())
	assert.Equal(t, 1, m.Count())
}

func TestNone_IgnoresMutation(t *testing.T) {
	m := NewManager(8, nop())
	n := m.None()
	assert.True(t, n.IsNone())
	assert.Equal(t, uint32(0), n.ID())
	assert.False(t, n.SetCharacter("ghost"))
	assert.Empty(t, n.Character())
	// The stand-in never blocks.
	n.Lock()
	n.Lock()
	n.Unlock()
	n.Unlock()
}

func TestDockUndock(t *testing.T) {
	m := NewManager(8, nop())
	c, _ := m.Create(1)
	c.Dock(0x10)
	assert.Equal(t, uint32(0x10), c.Base())
	c.Undock()
	assert.Equal(t, uint32(0), c.Base())
	assert.Equal(t, uint32(0x10), c.LastBase())

	info := c.Info()
	assert.Equal(t, uint32(0x10), info.LastBase)
	assert.Equal(t, uint32(1), info.ID)
}

func TestAllAndTeardown(t *testing.T) {
	m := NewManager(16, nop())
	var wg sync.WaitGroup
	for id := uint32(1); id <= 10; id++ {
		wg.Add(1)
		go func(id uint32) {
			defer wg.Done()
			_, _ = m.Create(id)
		}(id)
	}
	wg.Wait()

	all := m.All()
	require.Len(t, all, 10)
	for i, c := range all {
		assert.Equal(t, uint32(i+1), c.ID())
	}

	m.Teardown()
	assert.Equal(t, 0, m.Count())
	for _, c := range all {
		assert.True(t, c.Destroyed())
	}
}

func TestConnects_CountAcrossReconnects(t *testing.T) {
	m := NewManager(8, nop())
	first, err := m.Create(3)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Connects())

	m.Destroy(3)
	second, err := m.Create(3)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Connects())
	assert.Equal(t, 2, second.Info().Connects)

	third, err := m.Create(3)
	require.NoError(t, err, "displacing a live session counts as a connect")
	assert.Equal(t, 3, third.Connects())

	other, err := m.Create(4)
	require.NoError(t, err)
	assert.Equal(t, 1, other.Connects())
}
