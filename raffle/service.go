package raffle

/*
The raffle service hosts the raffle contract on a byzcoin ledger. It plays
two roles around the contract: the upkeep entry point that locks a due
raffle and files the randomness request, and the callback target the oracle
delivers the signed random words to.
*/

import (
	"sync"
	"time"

	"github.com/dedis/raffle/utils"
	"github.com/dedis/raffle/vrf"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
)

// ServiceName is the name of the raffle service.
const ServiceName = "raffle"

// fulfillWait is the number of blocks the fulfill transaction waits for
// inclusion. The oracle callback is not retried, so the service waits
// rather than fire-and-forget.
const fulfillWait = 5

var serviceID onet.ServiceID

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// Service hosts the raffle contract and drives its upkeep.
type Service struct {
	*onet.ServiceProcessor
	roster    *onet.Roster
	genesis   skipchain.SkipBlockID
	byzID     skipchain.SkipBlockID
	gMsg      *byzcoin.CreateGenesisBlock
	signer    darc.Signer
	signerCtr uint64

	scService  *skipchain.Service
	byzService *byzcoin.Service
	oracle     *vrf.Client

	sync.Mutex
	// pending maps an oracle request id to the raffle instance that is
	// waiting for it.
	pending map[uint64]byzcoin.InstanceID
	events  map[byzcoin.InstanceID][]Event
}

// InitUnit creates the metadata skipchain and the byzcoin ledger the raffle
// contract runs on.
func (s *Service) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	genesisReply, err := utils.CreateGenesisBlock(s.scService, req.Roster,
		req.MHeight, req.BHeight)
	if err != nil {
		return nil, err
	}
	s.genesis = genesisReply.Latest.Hash
	s.roster = req.Roster
	enc, err := protobuf.Encode(&UnitInfo{UnitID: ServiceName, UnitName: "raffle"})
	if err != nil {
		log.Errorf("Protobuf encode failed: %v", err)
		return nil, err
	}
	err = utils.StoreBlock(s.scService, s.genesis, enc)
	if err != nil {
		return nil, err
	}
	s.signer = darc.NewSignerEd25519(nil, nil)
	rules := []string{
		"spawn:" + ContractRaffleID,
		"invoke:" + ContractRaffleID + ".enter",
		"invoke:" + ContractRaffleID + ".lock",
		"invoke:" + ContractRaffleID + ".fulfill",
		"spawn:coin",
		"invoke:coin.mint",
		"invoke:coin.fetch",
	}
	s.gMsg, err = byzcoin.DefaultGenesisMsg(byzcoin.CurrentVersion, s.roster,
		rules, req.Owner, s.signer.Identity())
	if err != nil {
		log.Errorf("Could not create the default genesis message: %v", err)
		return nil, err
	}
	s.gMsg.BlockInterval = req.BlkInterval * req.DurationType
	resp, err := s.byzService.CreateGenesisBlock(s.gMsg)
	if err != nil {
		log.Errorf("Could not create the genesis block: %v", err)
		return nil, err
	}
	s.byzID = resp.Skipblock.SkipChainID()
	s.signerCtr = uint64(1)
	if req.OracleRoster != nil {
		s.oracle = vrf.NewClient(req.OracleRoster)
	}
	return &InitUnitReply{
		Genesis:     genesisReply.Latest.Hash,
		ByzID:       s.byzID,
		GenesisDarc: s.gMsg.GenesisDarc,
	}, nil
}

// SpawnRaffle creates a raffle instance from a signed spawn transaction.
func (s *Service) SpawnRaffle(req *SpawnRaffleRequest) (*SpawnRaffleReply, error) {
	_, err := s.byzService.AddTransaction(&byzcoin.AddTxRequest{
		Version:       byzcoin.CurrentVersion,
		SkipchainID:   s.byzID,
		Transaction:   req.Ctx,
		InclusionWait: req.Wait,
	})
	if err != nil {
		log.Errorf("spawn raffle: add transaction failed: %v", err)
		return nil, err
	}
	return &SpawnRaffleReply{InstID: req.Ctx.Instructions[0].DeriveID("")}, nil
}

// SubmitTx submits an arbitrary signed transaction, typically coin setup.
func (s *Service) SubmitTx(req *SubmitTxRequest) (*SubmitTxReply, error) {
	_, err := s.byzService.AddTransaction(&byzcoin.AddTxRequest{
		Version:       byzcoin.CurrentVersion,
		SkipchainID:   s.byzID,
		Transaction:   req.Ctx,
		InclusionWait: req.Wait,
	})
	if err != nil {
		log.Errorf("submit tx: add transaction failed: %v", err)
		return nil, err
	}
	reply := &SubmitTxReply{}
	if req.Ctx.Instructions[0].Spawn != nil {
		reply.InstID = req.Ctx.Instructions[0].DeriveID("")
	}
	return reply, nil
}

// Enter submits a signed payment-and-enter transaction and records the
// entry event.
func (s *Service) Enter(req *EnterRequest) (*EnterReply, error) {
	_, err := s.byzService.AddTransaction(&byzcoin.AddTxRequest{
		Version:       byzcoin.CurrentVersion,
		SkipchainID:   s.byzID,
		Transaction:   req.Ctx,
		InclusionWait: req.Wait,
	})
	if err != nil {
		log.Errorf("enter: add transaction failed: %v", err)
		return nil, err
	}
	now := time.Now().Unix()
	s.Lock()
	defer s.Unlock()
	for _, inst := range req.Ctx.Instructions {
		if inst.Invoke == nil || inst.Invoke.Command != "enter" ||
			inst.Invoke.ContractID != ContractRaffleID {
			continue
		}
		s.events[inst.InstanceID] = append(s.events[inst.InstanceID], Event{
			Name:   EventEntered,
			Player: inst.Invoke.Args.Search("player"),
			When:   now,
		})
	}
	return &EnterReply{}, nil
}

// CheckUpkeep evaluates the upkeep predicate without side effects and
// echoes the payload back for PerformUpkeep.
func (s *Service) CheckUpkeep(req *CheckUpkeepRequest) (*CheckUpkeepReply, error) {
	storage, err := s.readRaffle(req.InstID)
	if err != nil {
		return nil, err
	}
	return &CheckUpkeepReply{
		UpkeepNeeded: storage.UpkeepNeeded(time.Now().Unix()),
		Payload:      req.Payload,
	}, nil
}

// PerformUpkeep locks a due raffle and files the randomness request with
// the oracle. It fails with UpkeepNotNeededError when the predicate does
// not hold, so callers cannot force a draw.
func (s *Service) PerformUpkeep(req *PerformUpkeepRequest) (*PerformUpkeepReply, error) {
	if s.oracle == nil {
		return nil, xerrors.New("no oracle configured")
	}
	storage, err := s.readRaffle(req.InstID)
	if err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	if !storage.UpkeepNeeded(now) {
		return nil, &UpkeepNotNeededError{
			Balance:     storage.Pot,
			PlayerCount: storage.PlayerCount(),
			State:       storage.State,
		}
	}

	s.Lock()
	ctr := s.signerCtr
	s.signerCtr++
	s.Unlock()
	ctx := byzcoin.ClientTransaction{
		Instructions: []byzcoin.Instruction{{
			InstanceID: req.InstID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractRaffleID,
				Command:    "lock",
				Args: []byzcoin.Argument{{
					Name:  "timestamp",
					Value: utils.EncodeInt64(now),
				}},
			},
			SignerCounter: []uint64{ctr},
		}},
	}
	err = ctx.FillSignersAndSignWith(s.signer)
	if err != nil {
		log.Errorf("Transaction sign failed: %v", err)
		return nil, err
	}
	_, err = s.byzService.AddTransaction(&byzcoin.AddTxRequest{
		Version:       byzcoin.CurrentVersion,
		SkipchainID:   s.byzID,
		Transaction:   ctx,
		InclusionWait: req.Wait,
	})
	if err != nil {
		log.Errorf("lock: add transaction failed: %v", err)
		return nil, err
	}

	cfg := storage.Config
	randReply, err := s.oracle.RequestRandomWords(cfg.KeyTag, cfg.SubID,
		RequestConfirmations, cfg.CallbackGasLimit, NumWords,
		s.ServerIdentity(), ServiceName)
	if err != nil {
		log.Errorf("randomness request failed: %v", err)
		return nil, err
	}
	s.Lock()
	s.pending[randReply.RequestID] = req.InstID
	s.Unlock()
	log.Lvlf2("raffle %x locked, randomness request %d in flight",
		req.InstID[:8], randReply.RequestID)
	return &PerformUpkeepReply{RequestID: randReply.RequestID}, nil
}

// FulfillRandomWords is the oracle callback. It verifies the signed output
// against the oracle key fixed at spawn time and settles the round on the
// ledger.
func (s *Service) FulfillRandomWords(req *vrf.FulfillRandomWords) (*vrf.FulfillRandomWordsReply, error) {
	s.Lock()
	instID, ok := s.pending[req.RequestID]
	if !ok {
		s.Unlock()
		return nil, xerrors.Errorf("unknown request id %d", req.RequestID)
	}
	delete(s.pending, req.RequestID)
	ctr := s.signerCtr
	s.signerCtr++
	s.Unlock()

	before, err := s.readRaffle(instID)
	if err != nil {
		return nil, err
	}
	msg := utils.RequestMsg(req.RequestID, req.Prev)
	err = bls.Verify(pairingSuite, before.Config.OraclePublic, msg, req.Signature)
	if err != nil {
		log.Errorf("Cannot verify randomness signature: %v", err)
		return nil, xerrors.Errorf("randomness not signed by the oracle: %v", err)
	}

	now := time.Now().Unix()
	ctx := byzcoin.ClientTransaction{
		Instructions: []byzcoin.Instruction{{
			InstanceID: instID,
			Invoke: &byzcoin.Invoke{
				ContractID: ContractRaffleID,
				Command:    "fulfill",
				Args: []byzcoin.Argument{
					{Name: "requestid", Value: utils.EncodeUint64(req.RequestID)},
					{Name: "signature", Value: req.Signature},
					{Name: "prev", Value: req.Prev},
					{Name: "timestamp", Value: utils.EncodeInt64(now)},
				},
			},
			SignerCounter: []uint64{ctr},
		}},
	}
	err = ctx.FillSignersAndSignWith(s.signer)
	if err != nil {
		log.Errorf("Transaction sign failed: %v", err)
		return nil, err
	}
	_, err = s.byzService.AddTransaction(&byzcoin.AddTxRequest{
		Version:       byzcoin.CurrentVersion,
		SkipchainID:   s.byzID,
		Transaction:   ctx,
		InclusionWait: fulfillWait,
	})
	if err != nil {
		log.Errorf("fulfill: add transaction failed: %v", err)
		return nil, err
	}

	after, err := s.readRaffle(instID)
	if err != nil {
		return nil, err
	}
	if after.Stranded > before.Stranded {
		// The round is settled on the ledger; only the payout failed.
		log.Errorf("request %d settled but the payout is stranded",
			req.RequestID)
		return nil, ErrTransferFailed
	}
	s.Lock()
	s.events[instID] = append(s.events[instID], Event{
		Name:   EventWinnerPicked,
		Player: after.RecentWinner,
		When:   now,
	})
	s.Unlock()
	log.Lvlf2("raffle %x: winner %x picked by request %d",
		instID[:8], after.RecentWinner[:8], req.RequestID)
	return &vrf.FulfillRandomWordsReply{}, nil
}

// GetState returns the current raffle storage.
func (s *Service) GetState(req *GetStateRequest) (*GetStateReply, error) {
	storage, err := s.readRaffle(req.InstID)
	if err != nil {
		return nil, err
	}
	return &GetStateReply{Raffle: *storage}, nil
}

// GetEvents returns the entry and draw events recorded for a raffle.
func (s *Service) GetEvents(req *GetEventsRequest) (*GetEventsReply, error) {
	s.Lock()
	defer s.Unlock()
	events := make([]Event, len(s.events[req.InstID]))
	copy(events, s.events[req.InstID])
	return &GetEventsReply{Events: events}, nil
}

// GetProof returns a byzcoin inclusion proof for an instance.
func (s *Service) GetProof(req *GetProofRequest) (*GetProofReply, error) {
	var err error
	reply := &GetProofReply{}
	reply.GetProofResponse, err = s.byzService.GetProof(&byzcoin.GetProof{
		Version: byzcoin.CurrentVersion,
		ID:      s.byzID,
		Key:     req.InstID,
	})
	if err != nil {
		log.Errorf("get proof failed: %v", err)
		return nil, err
	}
	return reply, nil
}

func (s *Service) readRaffle(instID byzcoin.InstanceID) (*RaffleStorage, error) {
	resp, err := s.byzService.GetProof(&byzcoin.GetProof{
		Version: byzcoin.CurrentVersion,
		ID:      s.byzID,
		Key:     instID.Slice(),
	})
	if err != nil {
		log.Errorf("get proof failed: %v", err)
		return nil, err
	}
	if !resp.Proof.InclusionProof.Match(instID.Slice()) {
		return nil, xerrors.New("no raffle instance with this id")
	}
	v, _, _, err := resp.Proof.Get(instID.Slice())
	if err != nil {
		return nil, err
	}
	storage := &RaffleStorage{}
	err = protobuf.Decode(v, storage)
	if err != nil {
		log.Errorf("Protobuf decode failed: %v", err)
		return nil, err
	}
	return storage, nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		byzService:       c.Service(byzcoin.ServiceName).(*byzcoin.Service),
		scService:        c.Service(skipchain.ServiceName).(*skipchain.Service),
		pending:          make(map[uint64]byzcoin.InstanceID),
		events:           make(map[byzcoin.InstanceID][]Event),
	}
	err := s.RegisterHandlers(s.InitUnit, s.SpawnRaffle, s.SubmitTx, s.Enter,
		s.CheckUpkeep, s.PerformUpkeep, s.FulfillRandomWords, s.GetState,
		s.GetEvents, s.GetProof)
	if err != nil {
		return nil, xerrors.Errorf("could not register handlers: %v", err)
	}
	err = byzcoin.RegisterContract(c, ContractRaffleID, contractRaffleFromBytes)
	if err != nil {
		return nil, err
	}
	return s, nil
}
