package vrf

/*
The vrf service is the randomness oracle. RequestRandomWords assigns a
request id and returns immediately; a worker produces the beacon round for
the request after its confirmation depth has elapsed and delivers the signed
output to the callback service. Rounds form a signature chain so that every
output is bound to its request id and to the previous round.
*/

import (
	"bytes"
	"encoding/binary"
	"sync"
	"time"

	"github.com/dedis/raffle/utils"
	"go.dedis.ch/cothority/v3"
	dkgprotocol "go.dedis.ch/cothority/v3/dkg/pedersen"
	"go.dedis.ch/kyber/v3/pairing/bn256"
	"go.dedis.ch/kyber/v3/share"
	dkg "go.dedis.ch/kyber/v3/share/dkg/pedersen"
	vss "go.dedis.ch/kyber/v3/share/vss/pedersen"
	"go.dedis.ch/kyber/v3/util/key"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.etcd.io/bbolt"
	"golang.org/x/xerrors"
)

var serviceID onet.ServiceID
var suite = bn256.NewSuite()
var vssSuite = suite.G2().(vss.Suite)

const dkgProtoName = "vrf_dkg"
const roundProtoName = "vrf_round"
const genesisMsg = "vrf_genesis"
const queueSize = 64

// ServiceName is the name of the vrf service.
const ServiceName = "vrf"

func init() {
	var err error
	serviceID, err = onet.RegisterNewService(ServiceName, newService)
	log.ErrFatal(err)
}

// Service holds the internal state of the oracle.
type Service struct {
	*onet.ServiceProcessor
	roster      *onet.Roster
	blkInterval time.Duration

	keypair      *key.Pair
	distKeyStore *dkg.DistKeyShare
	pubPoly      *share.PubPoly

	db     *bbolt.DB
	bucket []byte

	queue chan pending

	sync.Mutex
	rounds       [][]byte
	lastAssigned uint64
}

type pending struct {
	id  uint64
	req RandomWordsRequest
}

// InitUnit configures the roster and the confirmation unit.
func (s *Service) InitUnit(req *InitUnitRequest) (*InitUnitReply, error) {
	if req.Roster == nil || len(req.Roster.List) == 0 {
		return nil, xerrors.New("empty roster")
	}
	s.roster = req.Roster
	s.blkInterval = req.BlkInterval * req.DurationType
	if s.blkInterval <= 0 {
		s.blkInterval = time.Second
	}
	return &InitUnitReply{}, nil
}

// InitDKG runs the distributed key generation and returns the collective
// public key requesters verify round signatures against.
func (s *Service) InitDKG(req *InitDKGRequest) (*InitDKGReply, error) {
	if s.roster == nil {
		return nil, xerrors.New("unit not initialized")
	}
	tree := s.roster.GenerateStar()
	pi, err := s.CreateProtocol(dkgProtoName, tree)
	if err != nil {
		return nil, err
	}
	setup := pi.(*dkgprotocol.Setup)
	setup.Wait = true
	if err := pi.Start(); err != nil {
		return nil, err
	}
	timeout := time.Duration(req.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-setup.Finished:
		if err := s.storeShare(setup); err != nil {
			return nil, err
		}
	case <-time.After(timeout):
		return nil, xerrors.New("dkg did not finish")
	}
	return &InitDKGReply{Public: s.pubPoly.Commit()}, nil
}

// RequestRandomWords assigns a request id and queues the round. This is the
// suspension point of the two-phase protocol: the words are delivered to the
// callback later.
func (s *Service) RequestRandomWords(req *RandomWordsRequest) (*RandomWordsReply, error) {
	s.Lock()
	defer s.Unlock()
	if s.pubPoly == nil {
		return nil, xerrors.New("dkg not finished")
	}
	if req.NumWords == 0 {
		return nil, xerrors.New("no words requested")
	}
	if req.Callback == nil || req.CallbackService == "" {
		return nil, xerrors.New("missing callback")
	}
	id := s.lastAssigned + 1
	select {
	case s.queue <- pending{id: id, req: *req}:
	default:
		return nil, xerrors.New("too many randomness requests in flight")
	}
	s.lastAssigned = id
	log.Lvlf2("assigned randomness request %d (confirmations=%d words=%d)",
		id, req.Confirmations, req.NumWords)
	return &RandomWordsReply{RequestID: id}, nil
}

// GetRound returns the stored signature of a fulfilled request.
func (s *Service) GetRound(req *GetRoundRequest) (*GetRoundReply, error) {
	s.Lock()
	defer s.Unlock()
	if req.RequestID == 0 || req.RequestID > uint64(len(s.rounds)) {
		return nil, xerrors.Errorf("unknown request id %d", req.RequestID)
	}
	return &GetRoundReply{Signature: s.rounds[req.RequestID-1]}, nil
}

// processQueue serializes round production so that request ids and chain
// rounds stay aligned.
func (s *Service) processQueue() {
	for p := range s.queue {
		s.produceRound(p)
	}
}

func (s *Service) produceRound(p pending) {
	// The confirmation depth is a delay before the round is produced.
	time.Sleep(time.Duration(p.req.Confirmations) * s.blkInterval)

	s.Lock()
	prev := s.prevSig()
	s.Unlock()
	msg := utils.RequestMsg(p.id, prev)

	tree := s.roster.GenerateStar()
	pi, err := s.CreateProtocol(roundProtoName, tree)
	if err != nil {
		log.Errorf("request %d: creating round protocol: %v", p.id, err)
		return
	}
	round := pi.(*RoundProtocol)
	round.Msg = msg
	if err := pi.Start(); err != nil {
		log.Errorf("request %d: starting round protocol: %v", p.id, err)
		return
	}
	var sig []byte
	select {
	case sig = <-round.FinalSignature:
	case <-time.After(time.Minute):
		log.Errorf("request %d: timed out waiting for the round signature", p.id)
		return
	}
	s.appendRound(sig)

	cl := onet.NewClient(cothority.Suite, p.req.CallbackService)
	reply := &FulfillRandomWordsReply{}
	err = cl.SendProtobuf(p.req.Callback, &FulfillRandomWords{
		RequestID: p.id,
		Prev:      prev,
		Signature: sig,
		Public:    s.pubPoly.Commit(),
	}, reply)
	if err != nil {
		// Delivery is not retried; recovery is up to the requester.
		log.Errorf("request %d: callback delivery failed: %v", p.id, err)
		return
	}
	log.Lvlf2("request %d fulfilled", p.id)
}

// NewProtocol is a callback for creating protocols on non-root nodes.
func (s *Service) NewProtocol(tn *onet.TreeNodeInstance, conf *onet.GenericConfig) (onet.ProtocolInstance, error) {
	log.Lvl3(s.ServerIdentity(), tn.ProtocolName())
	switch tn.ProtocolName() {
	case dkgProtoName:
		pi, err := dkgprotocol.CustomSetup(tn, vssSuite, s.keypair)
		if err != nil {
			return nil, err
		}
		setup := pi.(*dkgprotocol.Setup)
		go func() {
			<-setup.Finished
			if err := s.storeShare(setup); err != nil {
				log.Error(s.ServerIdentity(), err)
			}
		}()
		return pi, nil
	case roundProtoName:
		pi, err := NewRoundProtocol(tn, s.verifyRound, s.distKeyStore.PriShare(), s.pubPoly, suite)
		if err != nil {
			return nil, err
		}
		round := pi.(*RoundProtocol)
		go func() {
			select {
			case sig := <-round.FinalSignature:
				s.appendRound(sig)
			case <-time.After(time.Minute):
				log.Error(s.ServerIdentity(), "timed out waiting for the round signature")
			}
		}()
		return pi, nil
	default:
		return nil, xerrors.New("invalid protocol")
	}
}

func (s *Service) storeShare(setup *dkgprotocol.Setup) error {
	_, dks, err := setup.SharedSecret()
	if err != nil {
		return err
	}
	s.distKeyStore = dks
	s.pubPoly = share.NewPubPoly(vssSuite, vssSuite.Point().Base(), dks.Commitments())
	return nil
}

// verifyRound checks that a round message is the expected extension of the
// local chain before contributing a partial signature.
func (s *Service) verifyRound(msg []byte) error {
	s.Lock()
	defer s.Unlock()
	expected := utils.RequestMsg(uint64(len(s.rounds))+1, s.prevSig())
	if !bytes.Equal(msg, expected) {
		return xerrors.New("unexpected round message")
	}
	return nil
}

// prevSig must be called with the mutex held.
func (s *Service) prevSig() []byte {
	if len(s.rounds) == 0 {
		return []byte(genesisMsg)
	}
	return s.rounds[len(s.rounds)-1]
}

func (s *Service) appendRound(sig []byte) {
	s.Lock()
	defer s.Unlock()
	s.rounds = append(s.rounds, sig)
	id := uint64(len(s.rounds))
	if s.lastAssigned < id {
		s.lastAssigned = id
	}
	idKey := make([]byte, 8)
	binary.BigEndian.PutUint64(idKey, id)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put(idKey, sig)
	})
	if err != nil {
		log.Errorf("persisting round %d: %v", id, err)
	}
}

func (s *Service) loadRounds() error {
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).ForEach(func(k, v []byte) error {
			sig := make([]byte, len(v))
			copy(sig, v)
			s.rounds = append(s.rounds, sig)
			return nil
		})
	})
	if err != nil {
		return xerrors.Errorf("loading rounds: %v", err)
	}
	s.lastAssigned = uint64(len(s.rounds))
	return nil
}

func newService(c *onet.Context) (onet.Service, error) {
	s := &Service{
		ServiceProcessor: onet.NewServiceProcessor(c),
		keypair:          key.NewKeyPair(vssSuite),
		queue:            make(chan pending, queueSize),
	}
	db, bucket := c.GetAdditionalBucket([]byte("rounds"))
	s.db = db
	s.bucket = bucket
	if err := s.loadRounds(); err != nil {
		return nil, err
	}
	if _, err := s.ProtocolRegister(dkgProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		return dkgprotocol.CustomSetup(n, vssSuite, s.keypair)
	}); err != nil {
		return nil, err
	}
	if _, err := s.ProtocolRegister(roundProtoName, func(n *onet.TreeNodeInstance) (onet.ProtocolInstance, error) {
		return NewRoundProtocol(n, s.verifyRound, s.distKeyStore.PriShare(), s.pubPoly, suite)
	}); err != nil {
		return nil, err
	}
	if err := s.RegisterHandlers(s.InitUnit, s.InitDKG, s.RequestRandomWords, s.GetRound); err != nil {
		return nil, xerrors.Errorf("couldn't register handlers: %v", err)
	}
	go s.processQueue()
	return s, nil
}
