package vrf

import (
	"time"

	"go.dedis.ch/cothority/v3"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/network"
)

// Client is used to communicate with the vrf service.
type Client struct {
	*onet.Client
	roster *onet.Roster
}

// NewClient creates a new client to interact with the oracle.
func NewClient(r *onet.Roster) *Client {
	return &Client{Client: onet.NewClient(cothority.Suite, ServiceName), roster: r}
}

// InitUnit sets up the oracle with its roster and confirmation unit.
func (c *Client) InitUnit(blkInterval time.Duration, durationType time.Duration) (*InitUnitReply, error) {
	req := &InitUnitRequest{
		Roster:       c.roster,
		BlkInterval:  blkInterval,
		DurationType: durationType,
	}
	reply := &InitUnitReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// InitDKG starts the DKG and returns the collective public key.
func (c *Client) InitDKG(timeout int) (*InitDKGReply, error) {
	req := &InitDKGRequest{Timeout: timeout}
	reply := &InitDKGReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// RequestRandomWords registers a randomness request and returns its id. The
// words are delivered later to cbService at the cb server identity.
func (c *Client) RequestRandomWords(keyTag []byte, subID uint64, confirmations uint32, gasLimit uint64, numWords uint32, cb *network.ServerIdentity, cbService string) (*RandomWordsReply, error) {
	req := &RandomWordsRequest{
		KeyTag:           keyTag,
		SubID:            subID,
		Confirmations:    confirmations,
		CallbackGasLimit: gasLimit,
		NumWords:         numWords,
		Callback:         cb,
		CallbackService:  cbService,
	}
	reply := &RandomWordsReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}

// GetRound retrieves the signature of a fulfilled request.
func (c *Client) GetRound(requestID uint64) (*GetRoundReply, error) {
	req := &GetRoundRequest{RequestID: requestID}
	reply := &GetRoundReply{}
	err := c.SendProtobuf(c.roster.List[0], req, reply)
	return reply, err
}
