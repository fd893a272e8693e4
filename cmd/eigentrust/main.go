// Command eigentrust runs a trust aggregation node.
//
// Usage:
//
//	eigentrust [flags]
//
// Flags:
//
//	--listen           TCP listen address (default: 127.0.0.1:18500)
//	--bootstrap        Bootstrap peer address; repeatable
//	--key              Hex-encoded 32-byte key seed (default: random)
//	--epoch-interval   Epoch length (default: 60s)
//	--iter-interval    Iteration spacing (default: 2s)
//	--interval-limit   Number of epochs to run, 0 = unlimited (default: 0)
//	--no-proofs        Skip the Groth16/KZG setup and publish unproven opinions
//	--verbosity        Log level 0-3 (default: 2)
//	--version          Print version and exit
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/log"
	"github.com/eigentrust/eigentrust/node"
	"github.com/eigentrust/eigentrust/p2p"
	"github.com/eigentrust/eigentrust/peer"
	"github.com/eigentrust/eigentrust/proofs"
	"github.com/eigentrust/eigentrust/trust"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0"
var version = "v0.1.0-dev"

// stringList collects repeated flag values.
type stringList []string

func (l *stringList) String() string { return fmt.Sprint(*l) }

func (l *stringList) Set(v string) error {
	*l = append(*l, v)
	return nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. It accepts CLI
// arguments without the program name so it can be tested in isolation.
func run(args []string) int {
	fs := flag.NewFlagSet("eigentrust", flag.ContinueOnError)
	var (
		listen        = fs.String("listen", "127.0.0.1:18500", "TCP listen address")
		keyHex        = fs.String("key", "", "hex-encoded 32-byte key seed (default: random)")
		epochInterval = fs.Duration("epoch-interval", 60*time.Second, "epoch length")
		iterInterval  = fs.Duration("iter-interval", 2*time.Second, "iteration spacing")
		intervalLimit = fs.Uint64("interval-limit", 0, "number of epochs to run, 0 = unlimited")
		noProofs      = fs.Bool("no-proofs", false, "skip the proving setup, publish unproven opinions")
		verbosity     = fs.Int("verbosity", 2, "log level 0-3")
		showVersion   = fs.Bool("version", false, "print version and exit")
	)
	var bootstrap stringList
	fs.Var(&bootstrap, "bootstrap", "bootstrap peer address (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Printf("eigentrust %s\n", version)
		return 0
	}

	logger := log.New(log.LevelFromVerbosity(*verbosity))
	log.SetDefault(logger)

	pk, sk, err := makeKey(*keyHex)
	if err != nil {
		logger.Error("key setup failed", "err", err)
		return 1
	}
	logger.Info("node identity", "pubkey", pk.String(), "peer", crypto.DerivePeerID(pk).String())

	var prover trust.OpinionProver
	var verifier trust.ProofVerifier
	if !*noProofs {
		logger.Info("running proving setup; this takes a while")
		sys, err := proofs.Setup()
		if err != nil {
			logger.Warn("proving setup failed; continuing without proofs", "err", err)
		} else {
			prover, verifier = sys, sys
		}
	}

	pr, err := peer.New(peer.Config{
		PubKey:    pk,
		SecretKey: sk,
		Prover:    prover,
		Verifier:  verifier,
		Logger:    logger.Module("peer"),
	})
	if err != nil {
		logger.Error("peer setup failed", "err", err)
		return 1
	}

	transport := p2p.NewServer(p2p.Config{
		PubKey: pk,
		Logger: logger.Module("p2p"),
	})
	defer transport.Close()

	cfg := node.DefaultConfig()
	cfg.PubKey = pk
	cfg.SecretKey = sk
	cfg.ListenAddr = *listen
	cfg.Bootstrap = bootstrap
	cfg.EpochInterval = *epochInterval
	cfg.IterInterval = *iterInterval
	cfg.IntervalLimit = *intervalLimit
	cfg.Logger = logger.Module("node")

	n, err := node.New(cfg, pr, transport)
	if err != nil {
		logger.Error("node setup failed", "err", err)
		return 1
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		logger.Info("shutting down")
		n.Stop()
	}()

	if err := n.Run(); err != nil {
		logger.Error("node exited", "err", err)
		return 1
	}
	return 0
}

// makeKey derives the node keypair from the hex seed, or generates a random
// one when the seed is empty.
func makeKey(keyHex string) (crypto.PublicKey, crypto.SecretKey, error) {
	if keyHex == "" {
		return crypto.NewKey()
	}
	ikm, err := hex.DecodeString(keyHex)
	if err != nil {
		return crypto.PublicKey{}, crypto.SecretKey{}, fmt.Errorf("decoding --key: %w", err)
	}
	return crypto.GenerateKey(ikm)
}
