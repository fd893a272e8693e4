package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/eigentrust/eigentrust/log"
	"github.com/eigentrust/eigentrust/p2p"
	"github.com/eigentrust/eigentrust/peer"
	"github.com/eigentrust/eigentrust/trust"
)

// State is the scheduler state.
type State uint8

const (
	// StateIdle means the loop is not running (or has exhausted its
	// interval limit).
	StateIdle State = iota

	// StateWaitingForEpoch means the loop is armed for the next epoch
	// boundary.
	StateWaitingForEpoch

	// StateInEpoch means iteration ticks are firing.
	StateInEpoch
)

// String returns a short name for logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForEpoch:
		return "waiting-for-epoch"
	case StateInEpoch:
		return "in-epoch"
	default:
		return "unknown"
	}
}

// Node multiplexes the epoch timer, the iteration timer and the transport
// event stream, with biased priority in that order: a backed-up transport
// can never starve epoch advancement.
//
// All protocol state (the Peer) is mutated only from the Run goroutine.
type Node struct {
	cfg       Config
	log       *log.Logger
	peer      *peer.Peer
	transport p2p.Transport

	// nowFunc is the clock capability; tests may override it before Run.
	nowFunc func() time.Time

	state    State
	curEpoch trust.Epoch
	iter     uint32

	quit     chan struct{}
	stopOnce sync.Once
}

// New creates a node around an existing peer state and transport.
func New(cfg Config, pr *peer.Peer, tr p2p.Transport) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().Module("node")
	}
	return &Node{
		cfg:       cfg,
		log:       logger,
		peer:      pr,
		transport: tr,
		nowFunc:   time.Now,
		quit:      make(chan struct{}),
	}, nil
}

// Stop makes Run return after the current dispatch completes. Safe to call
// from any goroutine, multiple times.
func (n *Node) Stop() {
	n.stopOnce.Do(func() { close(n.quit) })
}

// Run starts listening, dials the bootstrap peers and enters the main loop.
// It returns when the interval limit is exhausted or Stop is called. Setup
// failures (listen, dial) are fatal and returned; everything after that is
// logged and survived.
func (n *Node) Run() error {
	if n.cfg.ListenAddr != "" {
		if err := n.transport.Listen(n.cfg.ListenAddr); err != nil {
			return fmt.Errorf("node: %w", err)
		}
	}
	for _, addr := range n.cfg.Bootstrap {
		if err := n.transport.Connect(addr); err != nil {
			return fmt.Errorf("node: bootstrap %s: %w", addr, err)
		}
	}

	until := trust.UntilNextEpoch(n.nowFunc(), n.cfg.EpochInterval)
	n.log.Info("epoch starts in", "secs", until.Seconds())
	outer := time.NewTimer(until)
	defer outer.Stop()
	n.state = StateWaitingForEpoch

	var inner *time.Ticker
	var innerC <-chan time.Time
	defer func() {
		if inner != nil {
			inner.Stop()
		}
		n.state = StateIdle
	}()

	var epochsRun uint64

	startEpoch := func() bool {
		if epochsRun > 0 {
			// Close out the epoch that just ended: run the full
			// convergence over its final iteration's opinions.
			members, scores := n.peer.ConvergeEpoch(n.curEpoch)
			n.log.Info("epoch converged", "epoch", uint64(n.curEpoch),
				"scores", trust.FormatScores(members, scores))
		}
		if n.cfg.IntervalLimit > 0 && epochsRun >= n.cfg.IntervalLimit {
			n.log.Info("interval limit reached", "epochs", epochsRun)
			return false
		}
		n.curEpoch = trust.EpochAt(n.nowFunc(), n.cfg.EpochInterval)
		n.iter = 0
		epochsRun++
		n.peer.EvictBefore(n.curEpoch)
		if inner != nil {
			inner.Stop()
		}
		inner = time.NewTicker(n.cfg.IterInterval)
		innerC = inner.C
		outer.Reset(trust.UntilNextEpoch(n.nowFunc(), n.cfg.EpochInterval))
		n.state = StateInEpoch
		n.log.Info("epoch started", "epoch", uint64(n.curEpoch))
		return true
	}

	iterTick := func() {
		k := n.iter
		score := n.peer.GlobalTrustScoreAt(n.curEpoch, k)
		n.log.Info("iteration", "epoch", uint64(n.curEpoch), "iter", k,
			"score", trust.FormatScore(score))

		for _, pid := range n.peer.Neighbors() {
			if _, err := n.peer.CalculateLocalOpinion(pid, n.curEpoch, k); err != nil {
				n.log.Error("local opinion failed", "peer", pid, "err", err)
			}
		}
		for _, pid := range n.peer.Neighbors() {
			if _, err := n.transport.SendRequest(pid, p2p.OpinionRequest{Epoch: n.curEpoch, Iter: k}); err != nil {
				n.log.Debug("opinion request failed", "peer", pid, "err", err)
			}
		}

		n.iter++
		if n.iter >= trust.NumIterations {
			inner.Stop()
			innerC = nil
			n.state = StateWaitingForEpoch
		}
	}

	for {
		// Biased priority: drain the epoch timer first, then the
		// iteration timer, before blocking on everything.
		select {
		case <-outer.C:
			if !startEpoch() {
				return nil
			}
			continue
		default:
		}
		if innerC != nil {
			select {
			case <-innerC:
				iterTick()
				continue
			default:
			}
		}

		select {
		case <-outer.C:
			if !startEpoch() {
				return nil
			}
		case <-innerC:
			iterTick()
		case ev, ok := <-n.transport.Events():
			if !ok {
				return nil
			}
			n.handleEvent(ev)
		case <-n.quit:
			return nil
		}
	}
}

// handleEvent routes one transport event into peer-state mutations. Errors
// here are logged, never propagated: a misbehaving neighbor cannot stop the
// loop.
func (n *Node) handleEvent(ev p2p.Event) {
	switch ev.Kind {
	case p2p.EventConnected:
		if err := n.peer.AddNeighbor(ev.Peer); err != nil {
			n.log.Error("adding neighbor failed", "peer", ev.Peer, "err", err)
			return
		}
		n.peer.IdentifyNeighbor(ev.Peer, ev.PubKey)
		n.peer.EnsureScore(ev.Peer, n.cfg.NeighborScore)
		n.log.Info("neighbor connected", "peer", ev.Peer)
		if _, err := n.transport.SendRequest(ev.Peer, p2p.IdentifyRequest{PubKey: n.peer.PubKey()}); err != nil {
			n.log.Debug("identify request failed", "peer", ev.Peer, "err", err)
		}

	case p2p.EventDisconnected:
		n.peer.RemoveNeighbor(ev.Peer)
		n.log.Info("neighbor disconnected", "peer", ev.Peer)

	case p2p.EventIncomingRequest:
		switch req := ev.Request.(type) {
		case p2p.OpinionRequest:
			op := n.peer.LocalOpinion(peer.OpinionKey{Peer: ev.Peer, Epoch: req.Epoch, Iter: req.Iter})
			if err := n.transport.SendResponse(ev.Channel, p2p.OpinionResponse{Op: op}); err != nil {
				n.log.Error("sending opinion response failed", "peer", ev.Peer, "err", err)
			}
		case p2p.IdentifyRequest:
			n.peer.IdentifyNeighbor(ev.Peer, req.PubKey)
			if err := n.transport.SendResponse(ev.Channel, p2p.IdentifyResponse{PubKey: n.peer.PubKey()}); err != nil {
				n.log.Error("sending identify response failed", "peer", ev.Peer, "err", err)
			}
		}

	case p2p.EventIncomingResponse:
		switch resp := ev.Response.(type) {
		case p2p.OpinionResponse:
			if resp.Op.IsEmpty() {
				return
			}
			if err := n.peer.CacheNeighborOpinion(ev.Peer, resp.Op); err != nil {
				n.log.Debug("discarded neighbor opinion", "peer", ev.Peer, "err", err)
			}
		case p2p.IdentifyResponse:
			n.peer.IdentifyNeighbor(ev.Peer, resp.PubKey)
		}

	case p2p.EventOutboundFailure:
		n.log.Error("outbound failure", "peer", ev.Peer, "req", ev.RequestID, "err", ev.Err)

	case p2p.EventInboundFailure:
		n.log.Error("inbound failure", "peer", ev.Peer, "req", ev.RequestID, "err", ev.Err)

	case p2p.EventResponseSent:
		n.log.Debug("response sent", "peer", ev.Peer, "req", ev.RequestID)
	}
}
