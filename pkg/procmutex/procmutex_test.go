package procmutex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockIsReentrantForSameOwner(t *testing.T) {
	m := New()
	m.Lock("a")
	m.Lock("a")
	require.NoError(t, m.Unlock("a"))
	require.NoError(t, m.Unlock("a"))
}

func TestUnlockByWrongOwnerErrors(t *testing.T) {
	m := New()
	m.Lock("a")
	err := m.Unlock("b")
	var ownerErr *OwnerError
	require.ErrorAs(t, err, &ownerErr)
	require.NoError(t, m.Unlock("a"))
}

func TestLockBlocksADifferentOwnerUntilReleased(t *testing.T) {
	m := New()
	m.Lock("a")

	acquired := make(chan struct{})
	go func() {
		m.Lock("b")
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("owner b must not acquire the lock while a holds it")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, m.Unlock("a"))
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("owner b never acquired the lock after a released it")
	}
	require.NoError(t, m.Unlock("b"))
}

func TestProcessReturnsASharedSingleton(t *testing.T) {
	assert.Same(t, Process(), Process())
}
