package vrf

import (
	"time"

	"go.dedis.ch/kyber/v3/pairing"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/sign/tbls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// RoundProtocol produces one beacon round: every node checks that the
// announced message is the expected chain extension, contributes a partial
// BLS signature and recovers the threshold signature.
type RoundProtocol struct {
	*onet.TreeNodeInstance
	Msg []byte

	announceChan chan announceChan
	partialChan  chan partialChan
	doneChan     chan doneChan

	verifyMsg func([]byte) error
	sk        *share.PriShare
	pk        *share.PubPoly
	suite     pairing.Suite
	threshold int

	FinalSignature chan []byte
}

// Announce carries the round message to sign.
type Announce struct {
	Msg []byte
}
type announceChan struct {
	*onet.TreeNode
	Announce
}

// Partial carries one node's partial signature.
type Partial struct {
	Sig []byte
}
type partialChan struct {
	*onet.TreeNode
	Partial
}

// Done signals the root that a node finished the round.
type Done struct{}
type doneChan struct {
	*onet.TreeNode
	Done
}

// NewRoundProtocol initialises the protocol for one round.
func NewRoundProtocol(n *onet.TreeNodeInstance, vf func([]byte) error,
	sk *share.PriShare, pk *share.PubPoly, suite pairing.Suite) (onet.ProtocolInstance, error) {
	numNodes := len(n.Roster().List)
	p := &RoundProtocol{
		TreeNodeInstance: n,
		verifyMsg:        vf,
		sk:               sk,
		pk:               pk,
		suite:            suite,
		threshold:        numNodes - (numNodes-1)/3,
		FinalSignature:   make(chan []byte, 1),
	}
	if err := p.RegisterChannels(&p.announceChan, &p.partialChan, &p.doneChan); err != nil {
		return nil, err
	}
	return p, nil
}

// Start implements the onet.ProtocolInstance interface.
func (p *RoundProtocol) Start() error {
	if len(p.Msg) == 0 {
		return xerrors.New("empty round message")
	}
	log.Lvl3(p.ServerIdentity(), "starting round")
	return p.broadcast(&Announce{p.Msg})
}

// Dispatch implements the onet.ProtocolInstance interface.
func (p *RoundProtocol) Dispatch() error {
	defer p.Done()
	announce := <-p.announceChan
	if err := p.verifyMsg(announce.Msg); err != nil {
		return xerrors.Errorf("refusing to sign: %v", err)
	}
	log.Lvl3(p.ServerIdentity(), "signing round")
	sig, err := tbls.Sign(p.suite, p.sk, announce.Msg)
	if err != nil {
		return err
	}
	if err := p.broadcast(&Partial{sig}); err != nil {
		return err
	}
	n := len(p.List())
	sigs := make([][]byte, n)
	for i := 0; i < n; i++ {
		partial := <-p.partialChan
		sigs[i] = partial.Sig
	}
	finalSig, err := tbls.Recover(p.suite, p.pk, announce.Msg, sigs, p.threshold, n)
	if err != nil {
		return xerrors.Errorf("recovering threshold signature: %v", err)
	}
	log.Lvl3(p.ServerIdentity(), "recovered round signature")
	if p.IsRoot() {
		for i := 0; i < n-1; i++ {
			select {
			case <-p.doneChan:
			case <-time.After(time.Second):
				return xerrors.New("timed out waiting for the round to finish")
			}
		}
		p.FinalSignature <- finalSig
		return nil
	}
	p.FinalSignature <- finalSig
	return p.SendTo(p.Root(), &Done{})
}

func (p *RoundProtocol) broadcast(msg interface{}) error {
	n := len(p.List())
	errc := make(chan error, n)
	for _, treenode := range p.List() {
		go func(tn *onet.TreeNode) {
			errc <- p.SendTo(tn, msg)
		}(treenode)
	}
	for i := 0; i < n; i++ {
		if err := <-errc; err != nil {
			return err
		}
	}
	return nil
}
