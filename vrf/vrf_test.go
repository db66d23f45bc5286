package vrf

import (
	"testing"
	"time"

	"github.com/dedis/raffle/utils"
	"github.com/stretchr/testify/require"
	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/kyber/v3/sign/bls"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
)

func TestMain(m *testing.M) {
	// The queue worker lives as long as the service; onet services have no
	// shutdown hook, so the leak checker must ignore it.
	log.AddUserUninterestingGoroutine("vrf.(*Service).processQueue")
	log.MainTest(m)
}

// sinkService stands in for a requester and collects the deliveries.
const sinkName = "vrfTestSink"

var sinkChan = make(chan *FulfillRandomWords, 8)

type sinkService struct {
	*onet.ServiceProcessor
}

func (s *sinkService) FulfillRandomWords(req *FulfillRandomWords) (*FulfillRandomWordsReply, error) {
	sinkChan <- req
	return &FulfillRandomWordsReply{}, nil
}

func init() {
	_, err := onet.RegisterNewService(sinkName, func(c *onet.Context) (onet.Service, error) {
		s := &sinkService{ServiceProcessor: onet.NewServiceProcessor(c)}
		if err := s.RegisterHandlers(s.FulfillRandomWords); err != nil {
			return nil, err
		}
		return s, nil
	})
	log.ErrFatal(err)
}

func TestOracle_RequestAndFulfill(t *testing.T) {
	local := onet.NewTCPTest(cothority.Suite)
	_, roster, _ := local.GenTree(4, true)
	defer local.CloseAll()

	cl := NewClient(roster)
	_, err := cl.InitUnit(50, time.Millisecond)
	require.NoError(t, err)
	dkgReply, err := cl.InitDKG(10)
	require.NoError(t, err)
	require.NotNil(t, dkgReply.Public)
	// wait for DKG to finish on all
	time.Sleep(time.Second / 2)

	reply, err := cl.RequestRandomWords(utils.HashUint64(1), 1, 3, 500000, 2,
		roster.List[0], sinkName)
	require.NoError(t, err)
	require.Equal(t, uint64(1), reply.RequestID)

	var first *FulfillRandomWords
	select {
	case first = <-sinkChan:
	case <-time.After(30 * time.Second):
		t.Fatal("no delivery for request 1")
	}
	require.Equal(t, uint64(1), first.RequestID)
	require.Equal(t, []byte(genesisMsg), first.Prev)
	msg := utils.RequestMsg(first.RequestID, first.Prev)
	require.NoError(t, bls.Verify(suite, dkgReply.Public, msg, first.Signature))

	words := utils.RandomWords(first.Signature, 2)
	require.Equal(t, 2, len(words))
	require.Equal(t, words, utils.RandomWords(first.Signature, 2))

	// The next round chains onto the first signature.
	reply, err = cl.RequestRandomWords(utils.HashUint64(1), 1, 1, 500000, 1,
		roster.List[0], sinkName)
	require.NoError(t, err)
	require.Equal(t, uint64(2), reply.RequestID)

	var second *FulfillRandomWords
	select {
	case second = <-sinkChan:
	case <-time.After(30 * time.Second):
		t.Fatal("no delivery for request 2")
	}
	require.Equal(t, uint64(2), second.RequestID)
	require.Equal(t, first.Signature, second.Prev)
	msg = utils.RequestMsg(second.RequestID, second.Prev)
	require.NoError(t, bls.Verify(suite, dkgReply.Public, msg, second.Signature))

	roundReply, err := cl.GetRound(1)
	require.NoError(t, err)
	require.Equal(t, first.Signature, roundReply.Signature)
	_, err = cl.GetRound(5)
	require.Error(t, err)
}

func TestOracle_RejectsBadRequests(t *testing.T) {
	local := onet.NewTCPTest(cothority.Suite)
	_, roster, _ := local.GenTree(4, true)
	defer local.CloseAll()

	cl := NewClient(roster)
	_, err := cl.InitUnit(50, time.Millisecond)
	require.NoError(t, err)

	// Requests before the DKG finished are refused.
	_, err = cl.RequestRandomWords(nil, 1, 1, 500000, 1, roster.List[0], sinkName)
	require.Error(t, err)

	_, err = cl.InitDKG(10)
	require.NoError(t, err)
	time.Sleep(time.Second / 2)

	_, err = cl.RequestRandomWords(nil, 1, 1, 500000, 0, roster.List[0], sinkName)
	require.Error(t, err)
	_, err = cl.RequestRandomWords(nil, 1, 1, 500000, 1, nil, sinkName)
	require.Error(t, err)
}
