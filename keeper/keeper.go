// Package keeper polls the upkeep predicate of a raffle instance and
// triggers the draw when it is due. It is the off-chain automation agent;
// anyone may run one, the contract re-checks the predicate itself.
package keeper

import (
	"time"

	"github.com/dedis/raffle/raffle"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/onet/v3/log"
)

// Keeper drives the upkeep of one raffle instance.
type Keeper struct {
	cl      *raffle.Client
	instID  byzcoin.InstanceID
	period  time.Duration
	payload []byte
	wait    int

	stop chan struct{}
	done chan struct{}
}

// New returns a keeper polling the given raffle every period.
func New(cl *raffle.Client, instID byzcoin.InstanceID, period time.Duration,
	payload []byte, wait int) *Keeper {
	return &Keeper{
		cl:      cl,
		instID:  instID,
		period:  period,
		payload: payload,
		wait:    wait,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called.
func (k *Keeper) Start() {
	go k.run()
}

func (k *Keeper) run() {
	defer close(k.done)
	ticker := time.NewTicker(k.period)
	defer ticker.Stop()
	for {
		select {
		case <-k.stop:
			return
		case <-ticker.C:
			k.tick()
		}
	}
}

// tick checks the predicate and triggers the draw when needed. Errors are
// logged and the loop keeps going; a lost round is retried on the next tick.
func (k *Keeper) tick() {
	check, err := k.cl.CheckUpkeep(k.instID, k.payload)
	if err != nil {
		log.Errorf("keeper: check upkeep failed: %v", err)
		return
	}
	if !check.UpkeepNeeded {
		return
	}
	reply, err := k.cl.PerformUpkeep(k.instID, check.Payload, k.wait)
	if err != nil {
		// Another keeper may have won the race; the predicate is
		// re-checked on-chain.
		log.Errorf("keeper: perform upkeep failed: %v", err)
		return
	}
	log.Lvlf2("keeper: triggered draw, randomness request %d", reply.RequestID)
}

// Stop terminates the polling loop and waits for it to finish.
func (k *Keeper) Stop() {
	close(k.stop)
	<-k.done
}
