package raffle

import (
	"github.com/dedis/raffle/utils"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/contracts"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ContractRaffleID identifies the raffle contract on byzcoin.
const ContractRaffleID = "raffle"

var pairingSuite = pairing.NewSuiteBn256()

type contractRaffle struct {
	byzcoin.BasicContract
	RaffleStorage
}

func contractRaffleFromBytes(in []byte) (byzcoin.Contract, error) {
	c := &contractRaffle{}
	err := protobuf.Decode(in, &c.RaffleStorage)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, err
	}
	return c, nil
}

func (c *contractRaffle) Spawn(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	cfgBuf := inst.Spawn.Args.Search("config")
	if cfgBuf == nil {
		err = xerrors.New("missing config argument")
		return
	}
	cfg := RaffleConfig{}
	err = protobuf.Decode(cfgBuf, &cfg)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return
	}
	if cfg.EntranceFee == 0 {
		err = xerrors.New("entrance fee must be positive")
		return
	}
	if cfg.Interval <= 0 {
		err = xerrors.New("interval must be positive")
		return
	}
	if cfg.OraclePublic == nil {
		err = xerrors.New("missing oracle public key")
		return
	}
	var now int64
	now, err = utils.DecodeInt64(inst.Spawn.Args.Search("timestamp"))
	if err != nil {
		err = xerrors.Errorf("bad timestamp argument: %v", err)
		return
	}
	c.RaffleStorage = RaffleStorage{
		Config:        cfg,
		State:         Open,
		LastTimestamp: now,
	}
	var buf []byte
	buf, err = protobuf.Encode(&c.RaffleStorage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Create, inst.DeriveID(""), ContractRaffleID, buf, darcID),
	}
	return
}

func (c *contractRaffle) Invoke(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var darcID darc.ID
	_, _, _, darcID, err = rst.GetValues(inst.InstanceID.Slice())
	if err != nil {
		log.Errorf("GetValues failed: %v", err)
		return
	}
	switch inst.Invoke.Command {
	case "enter":
		return c.enter(inst, coins, darcID)
	case "lock":
		return c.lock(inst, coins, darcID)
	case "fulfill":
		return c.fulfill(rst, inst, coins, darcID)
	default:
		return nil, nil, xerrors.Errorf("unknown command: %s", inst.Invoke.Command)
	}
}

// enter adds the player identified by its coin instance id and pays the
// coins forwarded into the instruction into the pot.
func (c *contractRaffle) enter(inst byzcoin.Instruction, coins []byzcoin.Coin, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	player := inst.Invoke.Args.Search("player")
	if len(player) == 0 {
		err = xerrors.New("missing player argument")
		return
	}
	var paid uint64
	cout = make([]byzcoin.Coin, len(coins))
	for i, coin := range coins {
		if paid+coin.Value < paid {
			err = xerrors.New("payment overflow")
			return
		}
		paid += coin.Value
		cout[i] = byzcoin.Coin{Name: coin.Name}
	}
	err = c.Enter(player, paid)
	if err != nil {
		log.Errorf("enter refused: %v", err)
		return nil, nil, err
	}
	var buf []byte
	buf, err = protobuf.Encode(&c.RaffleStorage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractRaffleID, buf, darcID),
	}
	return
}

// lock re-checks the upkeep predicate and suspends the raffle while the
// randomness request is in flight.
func (c *contractRaffle) lock(inst byzcoin.Instruction, coins []byzcoin.Coin, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var now int64
	now, err = utils.DecodeInt64(inst.Invoke.Args.Search("timestamp"))
	if err != nil {
		err = xerrors.Errorf("bad timestamp argument: %v", err)
		return
	}
	if now < c.LastTimestamp {
		err = xerrors.New("timestamp regressed")
		return
	}
	err = c.Lock(now)
	if err != nil {
		log.Errorf("lock refused: %v", err)
		return nil, nil, err
	}
	var buf []byte
	buf, err = protobuf.Encode(&c.RaffleStorage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractRaffleID, buf, darcID),
	}
	return
}

// fulfill settles the round with the oracle's signed output. The signature
// must verify against the oracle key fixed at spawn time, which restricts
// the callback to the oracle's identity. A failed payout does not roll the
// round back: the pot is stranded and the raffle reopens.
func (c *contractRaffle) fulfill(rst byzcoin.ReadOnlyStateTrie, inst byzcoin.Instruction, coins []byzcoin.Coin, darcID darc.ID) (sc []byzcoin.StateChange, cout []byzcoin.Coin, err error) {
	cout = coins
	var requestID uint64
	requestID, err = utils.DecodeUint64(inst.Invoke.Args.Search("requestid"))
	if err != nil {
		err = xerrors.Errorf("bad requestid argument: %v", err)
		return
	}
	sig := inst.Invoke.Args.Search("signature")
	if len(sig) == 0 {
		err = xerrors.New("missing signature argument")
		return
	}
	prev := inst.Invoke.Args.Search("prev")
	var now int64
	now, err = utils.DecodeInt64(inst.Invoke.Args.Search("timestamp"))
	if err != nil {
		err = xerrors.Errorf("bad timestamp argument: %v", err)
		return
	}
	if now < c.LastTimestamp {
		err = xerrors.New("timestamp regressed")
		return
	}
	msg := utils.RequestMsg(requestID, prev)
	err = bls.Verify(pairingSuite, c.Config.OraclePublic, msg, sig)
	if err != nil {
		log.Errorf("Cannot verify randomness signature: %v", err)
		return nil, nil, xerrors.Errorf("randomness not signed by the oracle: %v", err)
	}
	words := utils.RandomWords(sig, NumWords)
	var winner []byte
	var payout uint64
	winner, payout, err = c.PickWinner(requestID, words, now)
	if err != nil {
		log.Errorf("fulfill refused: %v", err)
		return nil, nil, err
	}

	coinBuf, _, cid, coinDarc, coinErr := rst.GetValues(winner)
	if coinErr != nil || cid != contracts.ContractCoinID {
		// The round is already settled; the pot is stranded rather
		// than rolled back.
		c.Stranded += payout
		log.Errorf("Winner payout of %d failed, funds stranded: %v", payout, coinErr)
		var buf []byte
		buf, err = protobuf.Encode(&c.RaffleStorage)
		if err != nil {
			log.Errorf("Protobuf encode failed: %v", err)
			return
		}
		sc = []byzcoin.StateChange{
			byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractRaffleID, buf, darcID),
		}
		return
	}
	winnerCoin := byzcoin.Coin{}
	err = protobuf.Decode(coinBuf, &winnerCoin)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, nil, err
	}
	if winnerCoin.Value+payout < winnerCoin.Value {
		err = xerrors.New("winner coin overflow")
		return nil, nil, err
	}
	winnerCoin.Value += payout
	var coinOut []byte
	coinOut, err = protobuf.Encode(&winnerCoin)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	var buf []byte
	buf, err = protobuf.Encode(&c.RaffleStorage)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return
	}
	sc = []byzcoin.StateChange{
		byzcoin.NewStateChange(byzcoin.Update, inst.InstanceID, ContractRaffleID, buf, darcID),
		byzcoin.NewStateChange(byzcoin.Update, byzcoin.NewInstanceID(winner), contracts.ContractCoinID, coinOut, coinDarc),
	}
	return
}
