package raffle

import (
	"time"

	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&InitUnitRequest{}, &InitUnitReply{},
		&SpawnRaffleRequest{}, &SpawnRaffleReply{},
		&SubmitTxRequest{}, &SubmitTxReply{},
		&EnterRequest{}, &EnterReply{},
		&CheckUpkeepRequest{}, &CheckUpkeepReply{},
		&PerformUpkeepRequest{}, &PerformUpkeepReply{},
		&GetStateRequest{}, &GetStateReply{},
		&GetEventsRequest{}, &GetEventsReply{},
		&GetProofRequest{}, &GetProofReply{})
}

// UnitInfo is the unit metadata stored on the skipchain.
type UnitInfo struct {
	UnitID   string
	UnitName string
}

type InitUnitRequest struct {
	Roster *onet.Roster
	// Owner is an identity allowed to spawn raffles and enter players.
	Owner darc.Identity
	// OracleRoster addresses the randomness oracle. May differ from the
	// ledger roster.
	OracleRoster *onet.Roster
	MHeight      int
	BHeight      int
	BlkInterval  time.Duration
	DurationType time.Duration
}

type InitUnitReply struct {
	Genesis     []byte
	ByzID       skipchain.SkipBlockID
	GenesisDarc darc.Darc
}

type SpawnRaffleRequest struct {
	Ctx  byzcoin.ClientTransaction
	Wait int
}

type SpawnRaffleReply struct {
	InstID byzcoin.InstanceID
}

// SubmitTxRequest submits a signed transaction, e.g. to set up coin
// instances that pay the entrance fee.
type SubmitTxRequest struct {
	Ctx  byzcoin.ClientTransaction
	Wait int
}

type SubmitTxReply struct {
	InstID byzcoin.InstanceID
}

type EnterRequest struct {
	Ctx  byzcoin.ClientTransaction
	Wait int
}

type EnterReply struct{}

// CheckUpkeepRequest evaluates the upkeep predicate off-chain. Payload is
// echoed back for the caller to pass into PerformUpkeep.
type CheckUpkeepRequest struct {
	InstID  byzcoin.InstanceID
	Payload []byte
}

type CheckUpkeepReply struct {
	UpkeepNeeded bool
	Payload      []byte
}

type PerformUpkeepRequest struct {
	InstID  byzcoin.InstanceID
	Payload []byte
	Wait    int
}

type PerformUpkeepReply struct {
	RequestID uint64
}

type GetStateRequest struct {
	InstID byzcoin.InstanceID
}

type GetStateReply struct {
	Raffle RaffleStorage
}

// Event names recorded by the service.
const (
	EventEntered      = "entered"
	EventWinnerPicked = "winnerpicked"
)

// Event records an entry or a settled draw for a raffle instance.
type Event struct {
	Name   string
	Player []byte
	When   int64
}

type GetEventsRequest struct {
	InstID byzcoin.InstanceID
}

type GetEventsReply struct {
	Events []Event
}

type GetProofRequest struct {
	InstID []byte
}

type GetProofReply struct {
	*byzcoin.GetProofResponse
}
