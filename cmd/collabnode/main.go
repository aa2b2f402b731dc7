package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/estuary/collab-core/pathlayout"
	"github.com/estuary/collab-core/replica/memreplica"
	"github.com/estuary/collab-core/session"
	"github.com/estuary/collab-core/substrate/memsubstrate"
	"github.com/estuary/collab-core/transport/simtransport"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

type cmdRun struct {
	DocID   string `long:"doc" default:"demo" description:"Document id to join"`
	PeerID  string `long:"peer-id" description:"This node's peer id (random if omitted)"`
	Peers   int    `long:"simulate-peers" default:"0" description:"Number of additional in-process peers to join alongside this one"`
	Verbose bool   `long:"verbose" description:"Enable debug logging"`
}

func (cmd *cmdRun) Execute(_ []string) error {
	log := logrus.New()
	if cmd.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if cmd.PeerID == "" {
		cmd.PeerID = uuid.NewString()[:8]
	}

	net := simtransport.NewNetwork()
	sub := memsubstrate.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, err := startNode(ctx, sub, net, cmd.DocID, cmd.PeerID, log)
	if err != nil {
		return err
	}
	fmt.Printf("%s node %s joined document %s\n", green("started"), cmd.PeerID, cmd.DocID)

	for i := 0; i < cmd.Peers; i++ {
		peerID := fmt.Sprintf("sim-%d", i)
		if _, err := startNode(ctx, sub, net, cmd.DocID, peerID, log); err != nil {
			fmt.Printf("%s failed to start simulated peer %s: %v\n", red("error"), peerID, err)
			continue
		}
		fmt.Printf("%s simulated peer %s joined\n", yellow("joined"), peerID)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			fmt.Println(yellow("shutting down"))
			coord.Disconnect(ctx)
			return nil
		case <-ticker.C:
			fmt.Printf("peers=%d status=%s\n", coord.GetPeerCount(), coord.GetConnectionStatus())
		}
	}
}

func startNode(ctx context.Context, sub *memsubstrate.Substrate, net *simtransport.Network, docID, peerID string, log *logrus.Logger) (*session.Coordinator, error) {
	doc := memreplica.NewDocument(peerID)
	aw := memreplica.NewAwareness(clientIDFor(peerID))

	cfg := session.Config{
		SelfID:    peerID,
		Paths:     pathlayout.DefaultFlat(docID),
		Substrate: sub,
		Document:  doc,
		Awareness: aw,
		Factory:   net.Factory(),
		Logger:    log.WithField("peer", peerID),
	}

	coord, err := session.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := coord.Start(ctx); err != nil {
		return nil, err
	}
	return coord, nil
}

func clientIDFor(peerID string) uint64 {
	var h uint64
	for _, r := range peerID {
		h = h*31 + uint64(r)
	}
	return h
}

func main() {
	parser := flags.NewParser(nil, flags.Default)

	if _, err := parser.AddCommand("run", "Join a document session", "Join a document session over an in-process simulated mesh", new(cmdRun)); err != nil {
		log.Fatal(err)
	}

	if _, err := parser.Parse(); err == nil {
		// Success.
	} else if _, ok := err.(*flags.Error); ok {
		// flags already printed a notification.
	} else {
		log.Fatal(err)
	}
}
