package vrf

import (
	"time"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

func init() {
	network.RegisterMessages(&InitUnitRequest{}, &InitUnitReply{},
		&InitDKGRequest{}, &InitDKGReply{},
		&RandomWordsRequest{}, &RandomWordsReply{},
		&FulfillRandomWords{}, &FulfillRandomWordsReply{},
		&GetRoundRequest{}, &GetRoundReply{})
}

type InitUnitRequest struct {
	Roster *onet.Roster
	// BlkInterval * DurationType is the unit a request's confirmation
	// depth is counted in.
	BlkInterval  time.Duration
	DurationType time.Duration
}

type InitUnitReply struct{}

type InitDKGRequest struct {
	// Timeout in seconds to wait for the DKG to finish.
	Timeout int
}

// InitDKGReply carries the collective public key rounds are signed with.
type InitDKGReply struct {
	Public kyber.Point
}

// RandomWordsRequest asks the oracle for verifiable random words. The reply
// only carries the assigned request id; the words are delivered later to the
// callback service, once the confirmation depth has elapsed.
type RandomWordsRequest struct {
	KeyTag           []byte
	SubID            uint64
	Confirmations    uint32
	CallbackGasLimit uint64
	NumWords         uint32
	Callback         *network.ServerIdentity
	CallbackService  string
}

type RandomWordsReply struct {
	RequestID uint64
}

// FulfillRandomWords delivers the oracle output for a request. Signature is
// the threshold BLS signature over RequestMsg(RequestID, Prev); the random
// words are derived from it by the receiver.
type FulfillRandomWords struct {
	RequestID uint64
	Prev      []byte
	Signature []byte
	Public    kyber.Point
}

type FulfillRandomWordsReply struct{}

// GetRoundRequest fetches the stored signature of a fulfilled request.
type GetRoundRequest struct {
	RequestID uint64
}

type GetRoundReply struct {
	Signature []byte
}
