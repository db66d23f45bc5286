package raffle

import (
	"testing"
	"time"

	"github.com/dedis/raffle/utils"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/contracts"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/kyber/v3/util/random"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/protobuf"
)

type contractEnv struct {
	local  *onet.LocalTest
	cl     *byzcoin.Client
	signer darc.Signer
	gDarc  *darc.Darc
	ctr    uint64
	wait   time.Duration

	oracleSk kyber.Scalar
	oraclePk kyber.Point
}

func newContractEnv(t *testing.T) *contractEnv {
	local := onet.NewTCPTest(cothority.Suite)
	signer := darc.NewSignerEd25519(nil, nil)
	_, roster, _ := local.GenTree(4, true)

	genesisMsg, err := byzcoin.DefaultGenesisMsg(byzcoin.CurrentVersion, roster,
		[]string{
			"spawn:" + ContractRaffleID,
			"invoke:" + ContractRaffleID + ".enter",
			"invoke:" + ContractRaffleID + ".lock",
			"invoke:" + ContractRaffleID + ".fulfill",
			"spawn:coin",
			"invoke:coin.mint",
			"invoke:coin.fetch",
		}, signer.Identity())
	require.NoError(t, err)
	genesisMsg.BlockInterval = 500 * time.Millisecond

	cl, _, err := byzcoin.NewLedger(genesisMsg, false)
	require.NoError(t, err)

	sk, pk := bls.NewKeyPair(pairingSuite, random.New())
	return &contractEnv{
		local:    local,
		cl:       cl,
		signer:   signer,
		gDarc:    &genesisMsg.GenesisDarc,
		ctr:      1,
		wait:     2 * genesisMsg.BlockInterval,
		oracleSk: sk,
		oraclePk: pk,
	}
}

func (e *contractEnv) submit(t *testing.T, instrs ...byzcoin.Instruction) byzcoin.ClientTransaction {
	for i := range instrs {
		instrs[i].SignerCounter = []uint64{e.ctr}
		e.ctr++
	}
	ctx, err := e.cl.CreateTransaction(instrs...)
	require.NoError(t, err)
	require.Nil(t, ctx.FillSignersAndSignWith(e.signer))
	_, err = e.cl.AddTransactionAndWait(ctx, 5)
	require.NoError(t, err)
	return ctx
}

func (e *contractEnv) spawnRaffle(t *testing.T, cfg RaffleConfig, ts int64) byzcoin.InstanceID {
	cfgBuf, err := protobuf.Encode(&cfg)
	require.NoError(t, err)
	ctx := e.submit(t, byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(e.gDarc.GetBaseID()),
		Spawn: &byzcoin.Spawn{
			ContractID: ContractRaffleID,
			Args: []byzcoin.Argument{
				{Name: "config", Value: cfgBuf},
				{Name: "timestamp", Value: utils.EncodeInt64(ts)},
			},
		},
	})
	return ctx.Instructions[0].DeriveID("")
}

func (e *contractEnv) spawnCoin(t *testing.T, amount uint64) byzcoin.InstanceID {
	ctx := e.submit(t, byzcoin.Instruction{
		InstanceID: byzcoin.NewInstanceID(e.gDarc.GetBaseID()),
		Spawn:      &byzcoin.Spawn{ContractID: contracts.ContractCoinID},
	})
	coinID := ctx.Instructions[0].DeriveID("")
	e.submit(t, byzcoin.Instruction{
		InstanceID: coinID,
		Invoke: &byzcoin.Invoke{
			ContractID: contracts.ContractCoinID,
			Command:    "mint",
			Args: []byzcoin.Argument{{
				Name:  "coins",
				Value: utils.EncodeUint64(amount),
			}},
		},
	})
	return coinID
}

func (e *contractEnv) enter(t *testing.T, raffleID byzcoin.InstanceID,
	coinID byzcoin.InstanceID, amount uint64, player []byte) {
	e.submit(t,
		byzcoin.Instruction{
			InstanceID: coinID,
			Invoke: &byzcoin.Invoke{
				ContractID: contracts.ContractCoinID,
				Command:    "fetch",
				Args: []byzcoin.Argument{{
					Name:  "coins",
					Value: utils.EncodeUint64(amount),
				}},
			},
		},
		byzcoin.Instruction{
			InstanceID: raffleID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractRaffleID,
				Command:    "enter",
				Args: []byzcoin.Argument{{
					Name:  "player",
					Value: player,
				}},
			},
		})
}

func (e *contractEnv) fulfill(t *testing.T, raffleID byzcoin.InstanceID,
	requestID uint64, ts int64) {
	prev := []byte("prev")
	sig, err := bls.Sign(pairingSuite, e.oracleSk,
		utils.RequestMsg(requestID, prev))
	require.NoError(t, err)
	e.submit(t, byzcoin.Instruction{
		InstanceID: raffleID,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractRaffleID,
			Command:    "fulfill",
			Args: []byzcoin.Argument{
				{Name: "requestid", Value: utils.EncodeUint64(requestID)},
				{Name: "signature", Value: sig},
				{Name: "prev", Value: prev},
				{Name: "timestamp", Value: utils.EncodeInt64(ts)},
			},
		},
	})
}

func (e *contractEnv) readRaffle(t *testing.T, raffleID byzcoin.InstanceID) *RaffleStorage {
	pr, err := e.cl.WaitProof(raffleID, e.wait, nil)
	require.NoError(t, err)
	require.True(t, pr.InclusionProof.Match(raffleID.Slice()))
	v, _, _, err := pr.Get(raffleID.Slice())
	require.NoError(t, err)
	storage := &RaffleStorage{}
	require.NoError(t, protobuf.Decode(v, storage))
	return storage
}

func (e *contractEnv) readCoin(t *testing.T, coinID byzcoin.InstanceID) uint64 {
	pr, err := e.cl.WaitProof(coinID, e.wait, nil)
	require.NoError(t, err)
	v, _, _, err := pr.Get(coinID.Slice())
	require.NoError(t, err)
	coin := &byzcoin.Coin{}
	require.NoError(t, protobuf.Decode(v, coin))
	return coin.Value
}

func TestContract_Round(t *testing.T) {
	e := newContractEnv(t)
	defer e.local.CloseAll()

	fee := uint64(100)
	now := time.Now().Unix()
	raffleID := e.spawnRaffle(t, RaffleConfig{
		EntranceFee:  fee,
		Interval:     1,
		OraclePublic: e.oraclePk,
	}, now-100)

	coin1 := e.spawnCoin(t, 1000)
	coin2 := e.spawnCoin(t, 1000)
	e.enter(t, raffleID, coin1, fee, coin1.Slice())
	e.enter(t, raffleID, coin2, 2*fee, coin2.Slice())

	storage := e.readRaffle(t, raffleID)
	require.Equal(t, 2, storage.PlayerCount())
	require.Equal(t, 3*fee, storage.Pot)
	require.Equal(t, Open, storage.State)
	require.True(t, storage.UpkeepNeeded(now))

	e.submit(t, byzcoin.Instruction{
		InstanceID: raffleID,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractRaffleID,
			Command:    "lock",
			Args: []byzcoin.Argument{{
				Name:  "timestamp",
				Value: utils.EncodeInt64(now),
			}},
		},
	})
	storage = e.readRaffle(t, raffleID)
	require.Equal(t, Calculating, storage.State)

	e.fulfill(t, raffleID, 1, now)
	storage = e.readRaffle(t, raffleID)
	require.Equal(t, Open, storage.State)
	require.Equal(t, 0, storage.PlayerCount())
	require.Equal(t, uint64(0), storage.Pot)
	require.Equal(t, uint64(0), storage.Stranded)
	require.Equal(t, uint64(1), storage.LastRequestID)
	require.Equal(t, now, storage.LastTimestamp)

	winner := storage.RecentWinner
	require.Contains(t, [][]byte{coin1.Slice(), coin2.Slice()}, winner)
	if string(winner) == string(coin1.Slice()) {
		require.Equal(t, uint64(900+3*fee), e.readCoin(t, coin1))
		require.Equal(t, uint64(800), e.readCoin(t, coin2))
	} else {
		require.Equal(t, uint64(900), e.readCoin(t, coin1))
		require.Equal(t, uint64(800+3*fee), e.readCoin(t, coin2))
	}
}

func TestContract_StrandedPayout(t *testing.T) {
	e := newContractEnv(t)
	defer e.local.CloseAll()

	fee := uint64(100)
	now := time.Now().Unix()
	raffleID := e.spawnRaffle(t, RaffleConfig{
		EntranceFee:  fee,
		Interval:     1,
		OraclePublic: e.oraclePk,
	}, now-100)

	// The player id is not a coin instance, so the payout cannot land.
	coin1 := e.spawnCoin(t, 1000)
	bogus := make([]byte, 32)
	copy(bogus, "not a coin instance")
	e.enter(t, raffleID, coin1, fee, bogus)

	e.submit(t, byzcoin.Instruction{
		InstanceID: raffleID,
		Invoke: &byzcoin.Invoke{
			ContractID: ContractRaffleID,
			Command:    "lock",
			Args: []byzcoin.Argument{{
				Name:  "timestamp",
				Value: utils.EncodeInt64(now),
			}},
		},
	})
	e.fulfill(t, raffleID, 1, now)

	storage := e.readRaffle(t, raffleID)
	require.Equal(t, Open, storage.State)
	require.Equal(t, uint64(0), storage.Pot)
	require.Equal(t, fee, storage.Stranded)
	require.Equal(t, bogus, storage.RecentWinner)
	require.Equal(t, uint64(900), e.readCoin(t, coin1))
}
