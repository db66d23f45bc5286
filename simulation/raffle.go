package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dedis/raffle/raffle"
	"github.com/dedis/raffle/utils"
	"github.com/dedis/raffle/vrf"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/onet/v3/simul/monitor"
	"golang.org/x/xerrors"
)

type SimulationService struct {
	onet.SimulationBFTree
	NumPlayers  int
	EntranceFee uint64
	Interval    int64
	BlockTime   int

	// internal structs
	roster    *onet.Roster
	raffleCl  *raffle.Client
	oracleCl  *vrf.Client
	signer    darc.Signer
	signerCtr uint64
	gDarc     darc.Darc
	instID    byzcoin.InstanceID
}

func init() {
	onet.SimulationRegister("Raffle", NewRaffleSimulation)
}

func NewRaffleSimulation(config string) (onet.Simulation, error) {
	ss := &SimulationService{}
	_, err := toml.Decode(config, ss)
	if err != nil {
		return nil, err
	}
	return ss, nil
}

func (s *SimulationService) Setup(dir string,
	hosts []string) (*onet.SimulationConfig, error) {
	sc := &onet.SimulationConfig{}
	s.CreateRoster(sc, hosts, 2000)
	err := s.CreateTree(sc)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

func (s *SimulationService) Node(config *onet.SimulationConfig) error {
	index, _ := config.Roster.Search(config.Server.ServerIdentity.GetID())
	if index < 0 {
		log.Fatal("Didn't find this node in roster")
	}
	log.Lvl3("Initializing node-index", index)
	return s.SimulationBFTree.Node(config)
}

func (s *SimulationService) initUnits() error {
	s.oracleCl = vrf.NewClient(s.roster)
	_, err := s.oracleCl.InitUnit(time.Duration(s.BlockTime)*time.Second,
		time.Second)
	if err != nil {
		log.Errorf("initializing oracle unit: %v", err)
		return err
	}
	dkgReply, err := s.oracleCl.InitDKG(60)
	if err != nil {
		log.Errorf("initializing DKG: %v", err)
		return err
	}
	s.signer = darc.NewSignerEd25519(nil, nil)
	s.raffleCl = raffle.NewClient(s.roster)
	initReply, err := s.raffleCl.InitUnit(s.signer.Identity(), s.roster,
		time.Duration(s.BlockTime), time.Second)
	if err != nil {
		log.Errorf("initializing raffle unit: %v", err)
		return err
	}
	cfg := raffle.RaffleConfig{
		EntranceFee:      s.EntranceFee,
		Interval:         s.Interval,
		KeyTag:           utils.HashUint64(1),
		SubID:            1,
		CallbackGasLimit: 500000,
		OraclePublic:     dkgReply.Public,
	}
	s.gDarc = initReply.GenesisDarc
	spawnReply, err := s.raffleCl.SpawnRaffle(cfg, initReply.GenesisDarc,
		s.signer, 1, 5)
	if err != nil {
		log.Errorf("spawning raffle: %v", err)
		return err
	}
	s.instID = spawnReply.InstID
	s.signerCtr = 2
	return nil
}

func (s *SimulationService) executeEnter(idx int) error {
	label := fmt.Sprintf("p%d_enter", idx)
	enterMonitor := monitor.NewTimeMeasure(label)
	coinReply, err := s.raffleCl.SpawnCoin(s.gDarc, s.signer, s.signerCtr, 3)
	if err != nil {
		log.Errorf("spawning coin: %v", err)
		return err
	}
	s.signerCtr++
	err = s.raffleCl.MintCoin(coinReply.InstID, s.EntranceFee, s.signer,
		s.signerCtr, 3)
	if err != nil {
		log.Errorf("minting coin: %v", err)
		return err
	}
	s.signerCtr++
	_, err = s.raffleCl.Enter(s.instID, coinReply.InstID, s.EntranceFee,
		s.signer, s.signerCtr, 3)
	if err != nil {
		log.Errorf("entering raffle: %v", err)
		return err
	}
	s.signerCtr += 2
	enterMonitor.Record()
	return nil
}

func (s *SimulationService) executeDraw() error {
	time.Sleep(time.Duration(s.Interval+1) * time.Second)
	drawMonitor := monitor.NewTimeMeasure("draw")
	check, err := s.raffleCl.CheckUpkeep(s.instID, nil)
	if err != nil {
		log.Errorf("checking upkeep: %v", err)
		return err
	}
	if !check.UpkeepNeeded {
		return xerrors.New("upkeep not needed after the interval")
	}
	upkeepReply, err := s.raffleCl.PerformUpkeep(s.instID, check.Payload, 5)
	if err != nil {
		log.Errorf("performing upkeep: %v", err)
		return err
	}
	log.Lvl2("randomness request", upkeepReply.RequestID, "in flight")
	for i := 0; i < 60; i++ {
		stateReply, err := s.raffleCl.GetState(s.instID)
		if err != nil {
			log.Errorf("getting state: %v", err)
			return err
		}
		if stateReply.Raffle.State == raffle.Open &&
			len(stateReply.Raffle.RecentWinner) > 0 {
			drawMonitor.Record()
			log.Lvlf2("winner: %x", stateReply.Raffle.RecentWinner)
			return nil
		}
		time.Sleep(time.Second)
	}
	return xerrors.New("draw did not settle in time")
}

func (s *SimulationService) runRaffle() error {
	err := s.initUnits()
	if err != nil {
		return err
	}
	for i := 0; i < s.NumPlayers; i++ {
		err = s.executeEnter(i)
		if err != nil {
			return err
		}
	}
	return s.executeDraw()
}

func (s *SimulationService) Run(config *onet.SimulationConfig) error {
	s.roster = config.Roster
	return s.runRaffle()
}
