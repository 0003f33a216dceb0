package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coreexchange/internal/common"
)

const usdc = common.TokenID("USDC")

func TestCreditDebitRoundTrip(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Credit("alice", usdc, 1000))
	assert.Equal(t, Balance{Available: 1000}, l.Balance("alice", usdc))

	require.NoError(t, l.Debit("alice", usdc, 400))
	assert.Equal(t, Balance{Available: 600}, l.Balance("alice", usdc))
}

func TestDebitInsufficientAvailableLeavesStateUnchanged(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Credit("alice", usdc, 100))

	err := l.Debit("alice", usdc, 101)
	assert.ErrorIs(t, err, common.ErrInsufficientAvailable)
	assert.Equal(t, Balance{Available: 100}, l.Balance("alice", usdc))
}

func TestLockUnlockRoundTripRestoresBalanceExactly(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Credit("alice", usdc, 500))
	before := l.Balance("alice", usdc)

	require.NoError(t, l.Lock("alice", usdc, 300))
	assert.Equal(t, Balance{Available: 200, Locked: 300}, l.Balance("alice", usdc))

	require.NoError(t, l.Unlock("alice", usdc, 300))
	assert.Equal(t, before, l.Balance("alice", usdc))
}

func TestLockInsufficientAvailable(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Credit("alice", usdc, 50))
	err := l.Lock("alice", usdc, 51)
	assert.ErrorIs(t, err, common.ErrInsufficientAvailable)
	assert.Equal(t, Balance{Available: 50}, l.Balance("alice", usdc))
}

func TestUnlockInsufficientLocked(t *testing.T) {
	l := New(nil)
	err := l.Unlock("alice", usdc, 1)
	assert.ErrorIs(t, err, common.ErrInsufficientLocked)
}

func TestSettleDecrementsLockedOnly(t *testing.T) {
	l := New(nil)
	require.NoError(t, l.Credit("alice", usdc, 100))
	require.NoError(t, l.Lock("alice", usdc, 100))

	require.NoError(t, l.Settle("alice", usdc, 100))
	assert.Equal(t, Balance{Available: 0, Locked: 0}, l.Balance("alice", usdc))
}

func TestSettleInsufficientLocked(t *testing.T) {
	l := New(nil)
	err := l.Settle("alice", usdc, 1)
	assert.ErrorIs(t, err, common.ErrInsufficientLocked)
}

type collectingSink struct {
	changes []Change
}

func (s *collectingSink) EmitBalanceChanged(c Change) {
	s.changes = append(s.changes, c)
}

func TestEverySuccessfulMutationEmitsBalanceChanged(t *testing.T) {
	sink := &collectingSink{}
	l := New(sink)

	require.NoError(t, l.Credit("alice", usdc, 100))
	require.NoError(t, l.Lock("alice", usdc, 40))
	require.NoError(t, l.Unlock("alice", usdc, 40))
	require.NoError(t, l.Lock("alice", usdc, 40))
	require.NoError(t, l.Settle("alice", usdc, 40))

	require.Len(t, sink.changes, 5)
	assert.Equal(t, ReasonDeposit, sink.changes[0].Reason)
	assert.Equal(t, ReasonSettle, sink.changes[4].Reason)
	assert.Equal(t, Balance{Available: 60, Locked: 0}, sink.changes[4].After)
}

func TestFailedMutationEmitsNothing(t *testing.T) {
	sink := &collectingSink{}
	l := New(sink)

	err := l.Debit("alice", usdc, 10)
	assert.Error(t, err)
	assert.Empty(t, sink.changes)
}
