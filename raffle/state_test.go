package raffle

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const testFee = uint64(10000000)

func newTestRaffle(interval int64) *RaffleStorage {
	return &RaffleStorage{
		Config: RaffleConfig{
			EntranceFee: testFee,
			Interval:    interval,
		},
		State:         Open,
		LastTimestamp: 1000,
	}
}

func player(b byte) []byte {
	p := make([]byte, 32)
	p[0] = b
	return p
}

func TestEnter(t *testing.T) {
	r := newTestRaffle(30)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Enter(player(byte(i)), testFee))
	}
	require.Equal(t, 4, r.PlayerCount())
	require.Equal(t, 4*testFee, r.Pot)

	err := r.Enter(player(9), testFee-1)
	require.Equal(t, ErrInsufficientPayment, err)
	require.Equal(t, 4, r.PlayerCount())
	require.Equal(t, 4*testFee, r.Pot)

	// Overpaying is allowed and the whole payment joins the pot.
	require.NoError(t, r.Enter(player(5), 2*testFee))
	require.Equal(t, 5, r.PlayerCount())
	require.Equal(t, 6*testFee, r.Pot)
}

func TestUpkeepPredicate(t *testing.T) {
	r := newTestRaffle(30)
	// Interval elapsed but nobody entered.
	require.False(t, r.UpkeepNeeded(1031))

	require.NoError(t, r.Enter(player(1), testFee))
	require.False(t, r.UpkeepNeeded(1030))
	require.True(t, r.UpkeepNeeded(1031))

	require.NoError(t, r.Lock(1031))
	require.Equal(t, Calculating, r.State)
	require.False(t, r.UpkeepNeeded(1031))
}

func TestLock(t *testing.T) {
	r := newTestRaffle(30)
	require.NoError(t, r.Enter(player(1), testFee))

	err := r.Lock(1010)
	notNeeded, ok := err.(*UpkeepNotNeededError)
	require.True(t, ok)
	require.Equal(t, testFee, notNeeded.Balance)
	require.Equal(t, 1, notNeeded.PlayerCount)
	require.Equal(t, Open, notNeeded.State)
	require.Equal(t, Open, r.State)

	require.NoError(t, r.Lock(1031))
	require.Equal(t, Calculating, r.State)

	err = r.Enter(player(2), testFee)
	require.Equal(t, ErrNotOpen, err)
	require.Equal(t, 1, r.PlayerCount())
}

func TestPickWinner(t *testing.T) {
	r := newTestRaffle(30)
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Enter(player(byte(i)), testFee))
	}
	require.NoError(t, r.Lock(1031))

	winner, payout, err := r.PickWinner(1, []uint64{17}, 1040)
	require.NoError(t, err)
	// 17 % 4 == 1
	require.Equal(t, player(1), winner)
	require.Equal(t, 4*testFee, payout)

	require.Equal(t, Open, r.State)
	require.Equal(t, 0, r.PlayerCount())
	require.Equal(t, uint64(0), r.Pot)
	require.Equal(t, player(1), r.RecentWinner)
	require.Equal(t, int64(1040), r.LastTimestamp)
	require.Equal(t, uint64(1), r.LastRequestID)
}

func TestPickWinnerGuards(t *testing.T) {
	r := newTestRaffle(30)
	require.NoError(t, r.Enter(player(1), testFee))
	require.NoError(t, r.Lock(1031))

	_, _, err := r.PickWinner(1, nil, 1040)
	require.Error(t, err)

	_, _, err = r.PickWinner(1, []uint64{42}, 1040)
	require.NoError(t, err)

	// A replayed or out-of-order request id must not settle again.
	_, _, err = r.PickWinner(1, []uint64{42}, 1050)
	require.Equal(t, ErrStaleRequest, err)

	// A fresh id with an empty player list hits the division guard.
	_, _, err = r.PickWinner(2, []uint64{42}, 1050)
	require.Equal(t, ErrNoPlayers, err)
}
