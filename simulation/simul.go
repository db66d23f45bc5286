package main

import (
	// Services need to be imported here to be instantiated.
	_ "github.com/dedis/raffle/raffle"
	_ "github.com/dedis/raffle/vrf"
	"go.dedis.ch/onet/v3/simul"
)

func main() {
	simul.Start()
}
