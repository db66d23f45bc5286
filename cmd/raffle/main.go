// Command raffle administers a raffle unit: it sets up the ledger and the
// randomness oracle, spawns a raffle instance, enters players and runs the
// upkeep, either once or as a polling keeper.
package main

import (
	"fmt"
	"io/ioutil"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dedis/raffle/keeper"
	"github.com/dedis/raffle/raffle"
	"github.com/dedis/raffle/utils"
	"github.com/dedis/raffle/vrf"
	"go.dedis.ch/cothority/v3/byzcoin"
	"go.dedis.ch/cothority/v3/darc"
	"go.dedis.ch/onet/v3/log"
	"go.dedis.ch/protobuf"
	"golang.org/x/xerrors"
	"gopkg.in/urfave/cli.v1"
)

const defaultWait = 3

// unitConfig is the client-side state written by setup and read by the
// other commands.
type unitConfig struct {
	RosterPath   string
	OraclePath   string
	GenesisDarc  darc.Darc
	Signer       darc.Signer
	SignerCtr    uint64
	RaffleInstID byzcoin.InstanceID
}

func main() {
	app := cli.NewApp()
	app.Name = "raffle"
	app.Usage = "administer a verifiably random raffle"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: "raffle.cfg",
			Usage: "client state file",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:   "setup",
			Usage:  "initialize the ledger, the oracle and spawn the raffle",
			Action: setup,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "roster, r", Usage: "ledger group definition"},
				cli.StringFlag{Name: "oracle, o", Usage: "oracle group definition"},
				cli.Uint64Flag{Name: "fee", Value: 10000000, Usage: "entrance fee"},
				cli.Int64Flag{Name: "interval, i", Value: 30, Usage: "draw interval in seconds"},
				cli.Uint64Flag{Name: "subid", Value: 1, Usage: "oracle subscription id"},
				cli.Uint64Flag{Name: "gas", Value: 500000, Usage: "callback gas limit"},
			},
		},
		{
			Name:   "join",
			Usage:  "create and fund a coin, then enter the raffle",
			Action: join,
			Flags: []cli.Flag{
				cli.Uint64Flag{Name: "amount, a", Usage: "payment amount"},
			},
		},
		{
			Name:   "status",
			Usage:  "print the raffle state",
			Action: status,
		},
		{
			Name:   "check",
			Usage:  "evaluate the upkeep predicate",
			Action: check,
		},
		{
			Name:   "upkeep",
			Usage:  "trigger the draw once",
			Action: upkeep,
		},
		{
			Name:   "keeper",
			Usage:  "poll the upkeep predicate until interrupted",
			Action: runKeeper,
			Flags: []cli.Flag{
				cli.DurationFlag{Name: "period, p", Value: 5 * time.Second, Usage: "polling period"},
			},
		},
		{
			Name:   "events",
			Usage:  "print the recorded entry and draw events",
			Action: events,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.ErrFatal(err)
	}
}

func setup(c *cli.Context) error {
	rosterPath := c.String("roster")
	oraclePath := c.String("oracle")
	if rosterPath == "" || oraclePath == "" {
		return xerrors.New("both --roster and --oracle are required")
	}
	roster, err := utils.ReadRoster(rosterPath)
	if err != nil {
		return err
	}
	oracleRoster, err := utils.ReadRoster(oraclePath)
	if err != nil {
		return err
	}

	oracleCl := vrf.NewClient(oracleRoster)
	_, err = oracleCl.InitUnit(time.Second, time.Second)
	if err != nil {
		return xerrors.Errorf("initializing the oracle: %v", err)
	}
	dkgReply, err := oracleCl.InitDKG(30)
	if err != nil {
		return xerrors.Errorf("running the dkg: %v", err)
	}

	signer := darc.NewSignerEd25519(nil, nil)
	raffleCl := raffle.NewClient(roster)
	initReply, err := raffleCl.InitUnit(signer.Identity(), oracleRoster,
		time.Second, time.Second)
	if err != nil {
		return xerrors.Errorf("initializing the raffle unit: %v", err)
	}

	cfg := raffle.RaffleConfig{
		EntranceFee:      c.Uint64("fee"),
		Interval:         c.Int64("interval"),
		KeyTag:           utils.HashUint64(c.Uint64("subid")),
		SubID:            c.Uint64("subid"),
		CallbackGasLimit: c.Uint64("gas"),
		OraclePublic:     dkgReply.Public,
	}
	spawnReply, err := raffleCl.SpawnRaffle(cfg, initReply.GenesisDarc, signer,
		1, defaultWait)
	if err != nil {
		return xerrors.Errorf("spawning the raffle: %v", err)
	}

	state := &unitConfig{
		RosterPath:   rosterPath,
		OraclePath:   oraclePath,
		GenesisDarc:  initReply.GenesisDarc,
		Signer:       signer,
		SignerCtr:    2,
		RaffleInstID: spawnReply.InstID,
	}
	err = saveConfig(c.GlobalString("config"), state)
	if err != nil {
		return err
	}
	fmt.Printf("raffle spawned: %x\n", spawnReply.InstID.Slice())
	return nil
}

func join(c *cli.Context) error {
	state, cl, err := loadClient(c)
	if err != nil {
		return err
	}
	amount := c.Uint64("amount")
	if amount == 0 {
		return xerrors.New("--amount is required")
	}
	coinReply, err := cl.SpawnCoin(state.GenesisDarc, state.Signer,
		state.SignerCtr, defaultWait)
	if err != nil {
		return xerrors.Errorf("spawning the coin: %v", err)
	}
	state.SignerCtr++
	err = cl.MintCoin(coinReply.InstID, amount, state.Signer, state.SignerCtr,
		defaultWait)
	if err != nil {
		return xerrors.Errorf("minting the coin: %v", err)
	}
	state.SignerCtr++
	_, err = cl.Enter(state.RaffleInstID, coinReply.InstID, amount,
		state.Signer, state.SignerCtr, defaultWait)
	if err != nil {
		return xerrors.Errorf("entering the raffle: %v", err)
	}
	state.SignerCtr += 2
	err = saveConfig(c.GlobalString("config"), state)
	if err != nil {
		return err
	}
	fmt.Printf("entered with coin %x paying %d\n", coinReply.InstID.Slice(), amount)
	return nil
}

func status(c *cli.Context) error {
	state, cl, err := loadClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.GetState(state.RaffleInstID)
	if err != nil {
		return err
	}
	r := reply.Raffle
	stateName := "open"
	if r.State == raffle.Calculating {
		stateName = "calculating"
	}
	fmt.Printf("state:    %s\n", stateName)
	fmt.Printf("players:  %d\n", r.PlayerCount())
	fmt.Printf("pot:      %d\n", r.Pot)
	fmt.Printf("stranded: %d\n", r.Stranded)
	if len(r.RecentWinner) > 0 {
		fmt.Printf("winner:   %x\n", r.RecentWinner)
	}
	return nil
}

func check(c *cli.Context) error {
	state, cl, err := loadClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.CheckUpkeep(state.RaffleInstID, nil)
	if err != nil {
		return err
	}
	fmt.Printf("upkeep needed: %v\n", reply.UpkeepNeeded)
	return nil
}

func upkeep(c *cli.Context) error {
	state, cl, err := loadClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.PerformUpkeep(state.RaffleInstID, nil, defaultWait)
	if err != nil {
		return err
	}
	fmt.Printf("draw triggered, randomness request %d\n", reply.RequestID)
	return nil
}

func runKeeper(c *cli.Context) error {
	state, cl, err := loadClient(c)
	if err != nil {
		return err
	}
	k := keeper.New(cl, state.RaffleInstID, c.Duration("period"), nil, defaultWait)
	k.Start()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	k.Stop()
	return nil
}

func events(c *cli.Context) error {
	state, cl, err := loadClient(c)
	if err != nil {
		return err
	}
	reply, err := cl.GetEvents(state.RaffleInstID)
	if err != nil {
		return err
	}
	for _, ev := range reply.Events {
		fmt.Printf("%s %s %x\n", time.Unix(ev.When, 0).Format(time.RFC3339),
			ev.Name, ev.Player)
	}
	return nil
}

func loadClient(c *cli.Context) (*unitConfig, *raffle.Client, error) {
	state, err := loadConfig(c.GlobalString("config"))
	if err != nil {
		return nil, nil, err
	}
	roster, err := utils.ReadRoster(state.RosterPath)
	if err != nil {
		return nil, nil, err
	}
	return state, raffle.NewClient(roster), nil
}

func loadConfig(path string) (*unitConfig, error) {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("reading config (run setup first): %v", err)
	}
	cfg := &unitConfig{}
	err = protobuf.Decode(buf, cfg)
	if err != nil {
		return nil, xerrors.Errorf("decoding config: %v", err)
	}
	return cfg, nil
}

func saveConfig(path string, cfg *unitConfig) error {
	buf, err := protobuf.Encode(cfg)
	if err != nil {
		return xerrors.Errorf("encoding config: %v", err)
	}
	return ioutil.WriteFile(path, buf, 0600)
}
