package utils

import (
	"crypto/sha256"
	"encoding/binary"
	"os"

	"go.dedis.ch/cothority/v3/skipchain"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"
	"golang.org/x/xerrors"
)

// EncodeUint64 returns the little-endian encoding used for integer
// instruction arguments.
func EncodeUint64(val uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, val)
	return buf
}

// DecodeUint64 is the inverse of EncodeUint64.
func DecodeUint64(buf []byte) (uint64, error) {
	if len(buf) != 8 {
		return 0, xerrors.Errorf("expected 8 bytes, got %d", len(buf))
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// EncodeInt64 encodes a timestamp argument.
func EncodeInt64(val int64) []byte {
	return EncodeUint64(uint64(val))
}

// DecodeInt64 is the inverse of EncodeInt64.
func DecodeInt64(buf []byte) (int64, error) {
	v, err := DecodeUint64(buf)
	return int64(v), err
}

// RequestMsg builds the message a beacon round signs for a randomness
// request: the request id bound to the previous round's signature.
func RequestMsg(requestID uint64, prev []byte) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, requestID)
	return append(buf, prev...)
}

// RandomWords derives n random words from a round signature.
func RandomWords(sig []byte, n int) []uint64 {
	words := make([]uint64, n)
	idx := make([]byte, 8)
	for i := range words {
		h := sha256.New()
		h.Write(sig)
		binary.LittleEndian.PutUint64(idx, uint64(i))
		h.Write(idx)
		words[i] = binary.LittleEndian.Uint64(h.Sum(nil))
	}
	return words
}

// HashUint64 hashes a little-endian encoded integer.
func HashUint64(val uint64) []byte {
	h := sha256.New()
	h.Write(EncodeUint64(val))
	return h.Sum(nil)
}

// ReadRoster parses a group definition file.
func ReadRoster(path string) (*onet.Roster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, xerrors.Errorf("opening roster file: %v", err)
	}
	defer file.Close()

	group, err := app.ReadGroupDescToml(file)
	if err != nil {
		return nil, xerrors.Errorf("reading group definition: %v", err)
	}
	if len(group.Roster.List) == 0 {
		return nil, xerrors.New("empty roster")
	}
	return group.Roster, nil
}

// CreateGenesisBlock starts the skipchain a unit stores its metadata on.
func CreateGenesisBlock(s *skipchain.Service, roster *onet.Roster, mHeight,
	bHeight int) (*skipchain.StoreSkipBlockReply, error) {
	genesis := skipchain.NewSkipBlock()
	genesis.Roster = roster
	genesis.MaximumHeight = mHeight
	genesis.BaseHeight = bHeight
	genesis.VerifierIDs = skipchain.VerificationStandard
	reply, err := s.StoreSkipBlock(&skipchain.StoreSkipBlock{
		NewBlock: genesis,
	})
	if err != nil {
		log.Errorf("storing genesis block: %v", err)
		return nil, err
	}
	return reply, nil
}

// StoreBlock appends a data block to a unit's skipchain.
func StoreBlock(s *skipchain.Service, genesis skipchain.SkipBlockID, data []byte) error {
	db := s.GetDB()
	latest, err := db.GetLatest(db.GetByID(genesis))
	if err != nil {
		return err
	}
	block := latest.Copy()
	block.Data = data
	block.GenesisID = block.SkipChainID()
	block.Index++
	_, err = s.StoreSkipBlock(&skipchain.StoreSkipBlock{
		NewBlock:          block,
		TargetSkipChainID: latest.SkipChainID(),
	})
	return err
}
