package raffle

import (
	"testing"
	"time"

	"github.com/dedis/raffle/utils"
	"github.com/dedis/raffle/vrf"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	// The vrf queue worker lives as long as the service; onet services have
	// no shutdown hook, so the leak checker must ignore it.
	log.AddUserUninterestingGoroutine("vrf.(*Service).processQueue")
	log.MainTest(m)
}

func TestService_FullRound(t *testing.T) {
	if testing.Short() {
		t.Skip("full round needs a dkg and several blocks")
	}
	local := onet.NewTCPTest(cothority.Suite)
	_, roster, _ := local.GenTree(4, true)
	defer local.CloseAll()

	oracleCl := vrf.NewClient(roster)
	_, err := oracleCl.InitUnit(100, time.Millisecond)
	require.NoError(t, err)
	dkgReply, err := oracleCl.InitDKG(10)
	require.NoError(t, err)
	require.NotNil(t, dkgReply.Public)
	// wait for DKG to finish on all
	time.Sleep(time.Second / 2)

	owner := darc.NewSignerEd25519(nil, nil)
	cl := NewClient(roster)
	initReply, err := cl.InitUnit(owner.Identity(), roster, 500, time.Millisecond)
	require.NoError(t, err)

	fee := uint64(10000000)
	spawnReply, err := cl.SpawnRaffle(RaffleConfig{
		EntranceFee:      fee,
		Interval:         2,
		KeyTag:           utils.HashUint64(1),
		SubID:            1,
		CallbackGasLimit: 500000,
		OraclePublic:     dkgReply.Public,
	}, initReply.GenesisDarc, owner, 1, 5)
	require.NoError(t, err)
	raffleID := spawnReply.InstID

	ctr := uint64(2)
	coins := make([]byzcoin.InstanceID, 4)
	for i := range coins {
		coinReply, err := cl.SpawnCoin(initReply.GenesisDarc, owner, ctr, 3)
		require.NoError(t, err)
		ctr++
		coins[i] = coinReply.InstID
		require.NoError(t, cl.MintCoin(coins[i], 2*fee, owner, ctr, 3))
		ctr++
		_, err = cl.Enter(raffleID, coins[i], fee, owner, ctr, 3)
		require.NoError(t, err)
		ctr += 2
	}

	stateReply, err := cl.GetState(raffleID)
	require.NoError(t, err)
	require.Equal(t, 4, stateReply.Raffle.PlayerCount())
	require.Equal(t, 4*fee, stateReply.Raffle.Pot)
	require.Equal(t, Open, stateReply.Raffle.State)

	// Triggering before the interval elapsed must be refused.
	_, err = cl.PerformUpkeep(raffleID, nil, 3)
	require.Error(t, err)

	time.Sleep(3 * time.Second)
	checkReply, err := cl.CheckUpkeep(raffleID, []byte("performdata"))
	require.NoError(t, err)
	require.True(t, checkReply.UpkeepNeeded)
	require.Equal(t, []byte("performdata"), checkReply.Payload)

	upkeepReply, err := cl.PerformUpkeep(raffleID, checkReply.Payload, 5)
	require.NoError(t, err)
	require.Equal(t, uint64(1), upkeepReply.RequestID)

	var final RaffleStorage
	for i := 0; i < 60; i++ {
		stateReply, err = cl.GetState(raffleID)
		require.NoError(t, err)
		final = stateReply.Raffle
		if final.State == Open && len(final.RecentWinner) > 0 {
			break
		}
		time.Sleep(time.Second)
	}
	require.Equal(t, Open, final.State)
	require.Equal(t, 0, final.PlayerCount())
	require.Equal(t, uint64(0), final.Pot)
	require.Equal(t, uint64(0), final.Stranded)
	require.Equal(t, uint64(1), final.LastRequestID)

	winnerID := byzcoin.NewInstanceID(final.RecentWinner)
	require.Contains(t, coins, winnerID)
	winnerCoin, err := cl.GetCoin(winnerID)
	require.NoError(t, err)
	require.Equal(t, 5*fee, winnerCoin.Value)
	for _, coinID := range coins {
		if coinID == winnerID {
			continue
		}
		coin, err := cl.GetCoin(coinID)
		require.NoError(t, err)
		require.Equal(t, fee, coin.Value)
	}

	eventsReply, err := cl.GetEvents(raffleID)
	require.NoError(t, err)
	require.Equal(t, 5, len(eventsReply.Events))
	require.Equal(t, EventEntered, eventsReply.Events[0].Name)
	last := eventsReply.Events[len(eventsReply.Events)-1]
	require.Equal(t, EventWinnerPicked, last.Name)
	require.Equal(t, final.RecentWinner, last.Player)

	// The raffle reopened empty: upkeep is not needed again.
	checkReply, err = cl.CheckUpkeep(raffleID, nil)
	require.NoError(t, err)
	require.False(t, checkReply.UpkeepNeeded)
	_, err = cl.PerformUpkeep(raffleID, nil, 3)
	require.Error(t, err)
}
