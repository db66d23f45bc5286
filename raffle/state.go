package raffle

import (
	"fmt"

	"go.dedis.ch/kyber/v3"
	"golang.org/x/xerrors"
)

// Raffle lifecycle states.
const (
	// Open accepts entrants and is eligible for upkeep.
	Open uint32 = iota
	// Calculating has a randomness request in flight; entrants are
	// blocked until the oracle calls back.
	Calculating
)

// Oracle request parameters fixed by the raffle.
const (
	// RequestConfirmations is the confirmation depth the oracle waits
	// for before producing a round.
	RequestConfirmations = 3
	// NumWords is the number of random words requested per draw.
	NumWords = 1
)

// Faults surfaced to callers.
var (
	ErrInsufficientPayment = xerrors.New("payment is below the entrance fee")
	ErrNotOpen             = xerrors.New("raffle is not open")
	ErrNoPlayers           = xerrors.New("no players in the raffle")
	ErrTransferFailed      = xerrors.New("winner payout failed")
	ErrStaleRequest        = xerrors.New("stale randomness request")
)

// UpkeepNotNeededError reports why performUpkeep was refused.
type UpkeepNotNeededError struct {
	Balance     uint64
	PlayerCount int
	State       uint32
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("upkeep not needed: balance=%d players=%d state=%d",
		e.Balance, e.PlayerCount, e.State)
}

// RaffleConfig is fixed when the raffle is spawned.
type RaffleConfig struct {
	// EntranceFee is the minimum payment, in the smallest coin unit.
	EntranceFee uint64
	// Interval is the draw period in seconds.
	Interval int64
	// KeyTag is the gas-lane/key identifier forwarded to the oracle.
	KeyTag []byte
	// SubID is the oracle subscription identifier.
	SubID uint64
	// CallbackGasLimit is forwarded to the oracle.
	CallbackGasLimit uint64
	// OraclePublic is the collective key the oracle signs rounds with.
	// Randomness that does not verify against it is rejected.
	OraclePublic kyber.Point
}

// RaffleStorage is the contract state. Players holds the coin instance ids
// of the entrants, in entry order, and is cleared exactly once per draw.
type RaffleStorage struct {
	Config        RaffleConfig
	State         uint32
	Players       [][]byte
	Pot           uint64
	Stranded      uint64
	LastTimestamp int64
	RecentWinner  []byte
	LastRequestID uint64
}

// Enter appends a player paying at least the entrance fee. The whole payment
// joins the pot; the fee is a minimum, not an exact price.
func (s *RaffleStorage) Enter(player []byte, paid uint64) error {
	if paid < s.Config.EntranceFee {
		return ErrInsufficientPayment
	}
	if s.State != Open {
		return ErrNotOpen
	}
	s.Players = append(s.Players, player)
	s.Pot += paid
	return nil
}

// UpkeepNeeded reports whether a draw is due at the given time. It is a pure
// predicate with no side effects.
func (s *RaffleStorage) UpkeepNeeded(now int64) bool {
	return s.State == Open &&
		now-s.LastTimestamp > s.Config.Interval &&
		len(s.Players) > 0 &&
		s.Pot > 0
}

// Lock re-checks the upkeep predicate and blocks new entries while the
// randomness request is in flight.
func (s *RaffleStorage) Lock(now int64) error {
	if !s.UpkeepNeeded(now) {
		return &UpkeepNotNeededError{
			Balance:     s.Pot,
			PlayerCount: len(s.Players),
			State:       s.State,
		}
	}
	s.State = Calculating
	return nil
}

// PickWinner consumes the random words of a fulfilled request and settles
// the round: it records the winner, reopens the raffle, clears the players
// and advances the timestamp. It returns the winner and the amount owed;
// moving the funds is the caller's responsibility.
func (s *RaffleStorage) PickWinner(requestID uint64, words []uint64,
	now int64) ([]byte, uint64, error) {
	if requestID <= s.LastRequestID {
		return nil, 0, ErrStaleRequest
	}
	if len(words) == 0 {
		return nil, 0, xerrors.New("no random words")
	}
	if len(s.Players) == 0 {
		// Entry is gated on the open state, so a fulfillment should
		// never find an empty raffle. Guarded anyway: the modulo
		// below must not divide by zero.
		return nil, 0, ErrNoPlayers
	}
	idx := words[0] % uint64(len(s.Players))
	s.RecentWinner = s.Players[idx]
	s.State = Open
	s.Players = nil
	s.LastTimestamp = now
	s.LastRequestID = requestID
	payout := s.Pot
	s.Pot = 0
	return s.RecentWinner, payout, nil
}

// PlayerCount returns the number of entrants in the current round.
func (s *RaffleStorage) PlayerCount() int {
	return len(s.Players)
}

// Player returns the entrant at the given index.
func (s *RaffleStorage) Player(i int) ([]byte, error) {
	if i < 0 || i >= len(s.Players) {
		return nil, xerrors.Errorf("player index %d out of range", i)
	}
	return s.Players[i], nil
}
