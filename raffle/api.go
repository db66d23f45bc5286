package raffle

import (
	"time"

	"github.com/dedis/raffle/utils"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/byzcoin/contracts"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// Client is used to communicate with the raffle service.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient creates a new client to interact with the raffle service.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// InitUnit sets up the unit's skipchain and byzcoin ledger.
func (c *Client) InitUnit(owner darc.Identity, oracleRoster *onet.Roster,
	interval time.Duration, typeDur time.Duration) (*InitUnitReply, error) {
	if len(c.roster.List) == 0 {
		return nil, xerrors.New("got an empty roster list")
	}
	req := &InitUnitRequest{
		Roster:       c.roster,
		Owner:        owner,
		OracleRoster: oracleRoster,
		MHeight:      2,
		BHeight:      2,
		BlkInterval:  interval,
		DurationType: typeDur,
	}
	reply := &InitUnitReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// SpawnRaffle creates a raffle instance with the given configuration.
func (c *Client) SpawnRaffle(cfg RaffleConfig, gDarc darc.Darc, signer darc.Signer,
	signerCtr uint64, wait int) (*SpawnRaffleReply, error) {
	cfgBuf, err := protobuf.Encode(&cfg)
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return nil, err
	}
	ctx := byzcoin.ClientTransaction{
		Instructions: []byzcoin.Instruction{{
			InstanceID: byzcoin.NewInstanceID(gDarc.GetBaseID()),
			Spawn: &byzcoin.Spawn{
				ContractID: ContractRaffleID,
				Args: []byzcoin.Argument{
					{Name: "config", Value: cfgBuf},
					{Name: "timestamp", Value: utils.EncodeInt64(time.Now().Unix())},
				},
			},
			SignerCounter: []uint64{signerCtr},
		}},
	}
	err = ctx.FillSignersAndSignWith(signer)
	if err != nil {
		log.Errorf("Signing the transaction failed: %v", err)
		return nil, err
	}
	req := &SpawnRaffleRequest{Ctx: ctx, Wait: wait}
	reply := &SpawnRaffleReply{}
	err = c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// SpawnCoin creates a coin instance a player pays the entrance fee from.
func (c *Client) SpawnCoin(gDarc darc.Darc, signer darc.Signer, signerCtr uint64,
	wait int) (*SubmitTxReply, error) {
	ctx := byzcoin.ClientTransaction{
		Instructions: []byzcoin.Instruction{{
			InstanceID: byzcoin.NewInstanceID(gDarc.GetBaseID()),
			Spawn: &byzcoin.Spawn{
				ContractID: contracts.ContractCoinID,
			},
			SignerCounter: []uint64{signerCtr},
		}},
	}
	err := ctx.FillSignersAndSignWith(signer)
	if err != nil {
		log.Errorf("Signing the transaction failed: %v", err)
		return nil, err
	}
	req := &SubmitTxRequest{Ctx: ctx, Wait: wait}
	reply := &SubmitTxReply{}
	err = c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// MintCoin credits a coin instance.
func (c *Client) MintCoin(coinID byzcoin.InstanceID, amount uint64,
	signer darc.Signer, signerCtr uint64, wait int) error {
	ctx := byzcoin.ClientTransaction{
		Instructions: []byzcoin.Instruction{{
			InstanceID: coinID,
			Invoke: &byzcoin.Invoke{
				ContractID: contracts.ContractCoinID,
				Command:    "mint",
				Args: []byzcoin.Argument{{
					Name:  "coins",
					Value: utils.EncodeUint64(amount),
				}},
			},
			SignerCounter: []uint64{signerCtr},
		}},
	}
	err := ctx.FillSignersAndSignWith(signer)
	if err != nil {
		log.Errorf("Signing the transaction failed: %v", err)
		return err
	}
	req := &SubmitTxRequest{Ctx: ctx, Wait: wait}
	reply := &SubmitTxReply{}
	return c.SendProtobuf(c.roster.List[0], req, reply)
}

// Enter pays the entrance fee from the player's coin instance and enters
// the raffle. The fetched coins are forwarded to the enter instruction
// within the same transaction.
func (c *Client) Enter(raffleID byzcoin.InstanceID, coinID byzcoin.InstanceID,
	amount uint64, signer darc.Signer, signerCtr uint64, wait int) (*EnterReply, error) {
	ctx := byzcoin.ClientTransaction{
		Instructions: []byzcoin.Instruction{
			{
				InstanceID: coinID,
				Invoke: &byzcoin.Invoke{
					ContractID: contracts.ContractCoinID,
					Command:    "fetch",
					Args: []byzcoin.Argument{{
						Name:  "coins",
						Value: utils.EncodeUint64(amount),
					}},
				},
				SignerCounter: []uint64{signerCtr},
			},
			{
				InstanceID: raffleID,
				Invoke: &byzcoin.Invoke{
					ContractID: ContractRaffleID,
					Command:    "enter",
					Args: []byzcoin.Argument{{
						Name:  "player",
						Value: coinID.Slice(),
					}},
				},
				SignerCounter: []uint64{signerCtr + 1},
			},
		},
	}
	err := ctx.FillSignersAndSignWith(signer)
	if err != nil {
		log.Errorf("Signing the transaction failed: %v", err)
		return nil, err
	}
	req := &EnterRequest{Ctx: ctx, Wait: wait}
	reply := &EnterReply{}
	err = c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// CheckUpkeep asks whether a draw is due. The payload is echoed back.
func (c *Client) CheckUpkeep(instID byzcoin.InstanceID, payload []byte) (*CheckUpkeepReply, error) {
	req := &CheckUpkeepRequest{InstID: instID, Payload: payload}
	reply := &CheckUpkeepReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// PerformUpkeep triggers the draw for a due raffle.
func (c *Client) PerformUpkeep(instID byzcoin.InstanceID, payload []byte,
	wait int) (*PerformUpkeepReply, error) {
	req := &PerformUpkeepRequest{InstID: instID, Payload: payload, Wait: wait}
	reply := &PerformUpkeepReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// GetState fetches the raffle storage.
func (c *Client) GetState(instID byzcoin.InstanceID) (*GetStateReply, error) {
	req := &GetStateRequest{InstID: instID}
	reply := &GetStateReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// GetEvents fetches the recorded entry and draw events.
func (c *Client) GetEvents(instID byzcoin.InstanceID) (*GetEventsReply, error) {
	req := &GetEventsRequest{InstID: instID}
	reply := &GetEventsReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// GetProof fetches a byzcoin inclusion proof for an instance.
func (c *Client) GetProof(instID byzcoin.InstanceID) (*GetProofReply, error) {
	req := &GetProofRequest{InstID: instID.Slice()}
	reply := &GetProofReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// GetCoin decodes the coin instance at the given id.
func (c *Client) GetCoin(coinID byzcoin.InstanceID) (*byzcoin.Coin, error) {
	reply, err := c.GetProof(coinID)
	if err != nil {
		return nil, err
	}
	pr := reply.Proof
	if !pr.InclusionProof.Match(coinID.Slice()) {
		return nil, xerrors.New("no coin instance with this id")
	}
	v, _, _, err := pr.Get(coinID.Slice())
	if err != nil {
		return nil, err
	}
	coin := &byzcoin.Coin{}
	err = protobuf.Decode(v, coin)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, err
	}
	return coin, nil
}
