// Package peer holds the per-node protocol state: the ordered neighbor
// table, the PeerID-to-key bindings, locally assigned raw scores, and the
// caches of opinions we published and opinions neighbors published about us.
package peer

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"github.com/eigentrust/eigentrust/crypto"
	"github.com/eigentrust/eigentrust/log"
	"github.com/eigentrust/eigentrust/trust"
)

var (
	// ErrMaxNeighborsReached is returned when the neighbor table is full.
	ErrMaxNeighborsReached = errors.New("peer: max neighbors reached")

	// ErrUnknownNeighbor is returned when an opinion arrives from a peer
	// whose public key has not been identified yet.
	ErrUnknownNeighbor = errors.New("peer: neighbor not identified")
)

// DefaultCacheEpochs is the bounded retention window for cached opinions:
// the previous iteration's inputs plus one full epoch for retrospective
// verification.
const DefaultCacheEpochs = 2

// OpinionKey addresses one cached opinion.
type OpinionKey struct {
	Peer  crypto.PeerID
	Epoch trust.Epoch
	Iter  uint32
}

type roundKey struct {
	epoch trust.Epoch
	iter  uint32
}

// Config configures a Peer.
type Config struct {
	// PubKey and SecretKey are the node's identity.
	PubKey    crypto.PublicKey
	SecretKey crypto.SecretKey

	// Prover, when set, attaches proof bundles to published opinions.
	Prover trust.OpinionProver

	// Verifier, when set, gates cached neighbor opinions on their proofs.
	Verifier trust.ProofVerifier

	// CacheEpochs bounds opinion retention. Zero means
	// DefaultCacheEpochs.
	CacheEpochs uint64

	// Logger receives peer diagnostics. Nil means the default module
	// logger.
	Logger *log.Logger
}

// Peer is the local node's protocol state. It is confined to the node's
// event-loop goroutine and is not safe for concurrent use; the prover and
// verifier handles it holds are read-only and shareable.
type Peer struct {
	cfg Config
	log *log.Logger

	neighbors [trust.NumNeighbors]crypto.PeerID
	pubkeys   map[crypto.PeerID]crypto.PublicKey
	rawScores map[crypto.PeerID]uint32

	cachedLocal    map[OpinionKey]*trust.Opinion
	cachedNeighbor map[OpinionKey]*trust.Opinion

	// localByRound memoizes the signed vector per (epoch, iter): the
	// published opinion is identical for every requester within a round,
	// and proving it is expensive.
	localByRound map[roundKey]*trust.Opinion
}

// New creates a Peer around the given identity.
func New(cfg Config) (*Peer, error) {
	if cfg.PubKey.IsNull() {
		return nil, crypto.ErrInvalidKeypair
	}
	if cfg.CacheEpochs == 0 {
		cfg.CacheEpochs = DefaultCacheEpochs
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default().Module("peer")
	}
	return &Peer{
		cfg:            cfg,
		log:            logger,
		pubkeys:        make(map[crypto.PeerID]crypto.PublicKey),
		rawScores:      make(map[crypto.PeerID]uint32),
		cachedLocal:    make(map[OpinionKey]*trust.Opinion),
		cachedNeighbor: make(map[OpinionKey]*trust.Opinion),
		localByRound:   make(map[roundKey]*trust.Opinion),
	}, nil
}

// PubKey returns the node's public key.
func (p *Peer) PubKey() crypto.PublicKey {
	return p.cfg.PubKey
}

// AddNeighbor inserts pid into the first vacant slot. Adding a present
// neighbor is a no-op.
func (p *Peer) AddNeighbor(pid crypto.PeerID) error {
	vacant := -1
	for i := range p.neighbors {
		if p.neighbors[i] == pid {
			return nil
		}
		if vacant < 0 && p.neighbors[i].IsNull() {
			vacant = i
		}
	}
	if vacant < 0 {
		return ErrMaxNeighborsReached
	}
	p.neighbors[vacant] = pid
	return nil
}

// RemoveNeighbor clears the matching slot; absent peers are a no-op. The
// key binding and raw score survive removal so a reconnecting neighbor
// resumes where it left off.
func (p *Peer) RemoveNeighbor(pid crypto.PeerID) {
	for i := range p.neighbors {
		if p.neighbors[i] == pid {
			p.neighbors[i] = crypto.NullPeerID
			return
		}
	}
}

// Neighbors returns the occupied slots in table order.
func (p *Peer) Neighbors() []crypto.PeerID {
	out := make([]crypto.PeerID, 0, 8)
	for i := range p.neighbors {
		if !p.neighbors[i].IsNull() {
			out = append(out, p.neighbors[i])
		}
	}
	return out
}

// IdentifyNeighbor binds a PeerID to a public key; the latest write wins.
func (p *Peer) IdentifyNeighbor(pid crypto.PeerID, pk crypto.PublicKey) {
	p.pubkeys[pid] = pk
}

// NeighborKey returns the identified public key for pid.
func (p *Peer) NeighborKey(pid crypto.PeerID) (crypto.PublicKey, bool) {
	pk, ok := p.pubkeys[pid]
	return pk, ok
}

// SetScore assigns the local raw score for a neighbor.
func (p *Peer) SetScore(pid crypto.PeerID, score uint32) {
	p.rawScores[pid] = score
}

// EnsureScore assigns a raw score for pid only if none is set yet, so a
// reconnect does not clobber an operator-assigned value.
func (p *Peer) EnsureScore(pid crypto.PeerID, score uint32) {
	if _, ok := p.rawScores[pid]; !ok {
		p.rawScores[pid] = score
	}
}

// LocalOpinion returns the cached local opinion for the key, or the empty
// placeholder.
func (p *Peer) LocalOpinion(key OpinionKey) *trust.Opinion {
	if op, ok := p.cachedLocal[key]; ok {
		return op
	}
	return &trust.Opinion{}
}

// NeighborOpinion returns the cached neighbor opinion for the key, or the
// empty placeholder.
func (p *Peer) NeighborOpinion(key OpinionKey) *trust.Opinion {
	if op, ok := p.cachedNeighbor[key]; ok {
		return op
	}
	return &trust.Opinion{}
}

// CacheNeighborOpinion verifies an opinion received from pid and stores it
// under (pid, epoch, iter). Crypto failures discard the opinion and are
// reported to the caller for debug logging; they are never fatal.
func (p *Peer) CacheNeighborOpinion(pid crypto.PeerID, op *trust.Opinion) error {
	pk, ok := p.pubkeys[pid]
	if !ok {
		return ErrUnknownNeighbor
	}
	if err := op.Verify(pk, p.cfg.Verifier); err != nil {
		return fmt.Errorf("peer: discarding opinion from %s: %w", pid, err)
	}
	p.cachedNeighbor[OpinionKey{Peer: pid, Epoch: op.Epoch, Iter: op.Iter}] = op
	return nil
}

// GlobalTrustScoreAt sums what the neighbors said about us at (epoch, iter).
// Opinions were verified when cached, so this is a pure read.
func (p *Peer) GlobalTrustScoreAt(epoch trust.Epoch, iter uint32) fr.Element {
	var total fr.Element
	for _, pid := range p.Neighbors() {
		op, ok := p.cachedNeighbor[OpinionKey{Peer: pid, Epoch: epoch, Iter: iter}]
		if !ok {
			continue
		}
		v := scoreFor(op, p.cfg.PubKey)
		total.Add(&total, &v)
	}
	return total
}

// scoreFor extracts the score an opinion assigns to pk, or zero.
func scoreFor(op *trust.Opinion, pk crypto.PublicKey) fr.Element {
	for i := range op.Scores {
		if op.Scores[i].Key == pk {
			return op.Scores[i].Value
		}
	}
	return fr.Element{}
}

// buildSet assembles the participant set for one round, as seen from this
// node: our key at slot 0, identified neighbors in table order after it,
// seeded with our own published opinion and the cached neighbor opinions
// for (epoch, iter). Cached opinions were verified on arrival; before they
// enter the set they are re-indexed onto the local slot layout, because the
// filter matches scores positionally and every sender signs against its own
// neighbor table.
func (p *Peer) buildSet(epoch trust.Epoch, iter uint32) *trust.Set {
	set := trust.NewSet()
	if err := set.AddMember(p.cfg.PubKey); err != nil {
		p.log.Error("adding self to set failed", "err", err)
		return set
	}
	for _, pid := range p.Neighbors() {
		pk, identified := p.pubkeys[pid]
		if !identified {
			continue
		}
		if err := set.AddMember(pk); err != nil {
			p.log.Debug("skipping neighbor in set", "peer", pid, "err", err)
		}
	}
	members := set.Members()

	if op, ok := p.localByRound[roundKey{epoch: epoch, iter: iter}]; ok {
		if err := set.UpdateOp(p.cfg.PubKey, reindexOpinion(op, &members)); err != nil {
			p.log.Debug("seeding own opinion failed", "err", err)
		}
	}
	for _, pid := range p.Neighbors() {
		pk, identified := p.pubkeys[pid]
		if !identified {
			continue
		}
		op, ok := p.cachedNeighbor[OpinionKey{Peer: pid, Epoch: epoch, Iter: iter}]
		if !ok {
			continue
		}
		if err := set.UpdateOp(pk, reindexOpinion(op, &members)); err != nil {
			p.log.Debug("seeding neighbor opinion failed", "peer", pid, "err", err)
		}
	}
	return set
}

// reindexOpinion maps a verified opinion onto the local slot layout: slot j
// takes the sender's score for the key living at slot j, and scores for
// keys outside the set are dropped. The original signature covered the
// sender's own layout, so the re-indexed copy carries no digest or
// signature; the set only needs positional consistency.
func reindexOpinion(op *trust.Opinion, members *[trust.NumNeighbors]trust.Member) *trust.Opinion {
	byKey := make(map[crypto.PublicKey]fr.Element, trust.NumNeighbors)
	for i := range op.Scores {
		if !op.Scores[i].Key.IsNull() {
			byKey[op.Scores[i].Key] = op.Scores[i].Value
		}
	}
	out := &trust.Opinion{From: op.From, Epoch: op.Epoch, Iter: op.Iter}
	for j := range members {
		if members[j].Key.IsNull() {
			continue
		}
		out.Scores[j].Key = members[j].Key
		if v, ok := byKey[members[j].Key]; ok {
			out.Scores[j].Value = v
		}
	}
	return out
}

// ConvergeEpoch runs the full bounded power iteration over the final
// iteration's opinions of an epoch and returns the (filtered) set view
// alongside the converged score vector.
func (p *Peer) ConvergeEpoch(epoch trust.Epoch) ([trust.NumNeighbors]trust.Member, [trust.NumNeighbors]fr.Element) {
	set := p.buildSet(epoch, trust.NumIterations-1)
	scores := set.Converge()
	return set.Members(), scores
}

// CalculateLocalOpinion computes, signs and caches the local opinion served
// to pid at (epoch, iter). The node's standing comes from a single
// Aggregator step over the previous iteration's opinions (the initial score
// at iteration 0); the published vector distributes that standing across
// identified neighbors in proportion to their raw scores.
func (p *Peer) CalculateLocalOpinion(pid crypto.PeerID, epoch trust.Epoch, iter uint32) (*trust.Opinion, error) {
	rk := roundKey{epoch: epoch, iter: iter}
	op, ok := p.localByRound[rk]
	if !ok {
		var err error
		op, err = p.buildRoundOpinion(epoch, iter)
		if err != nil {
			return nil, err
		}
		p.localByRound[rk] = op
	}
	p.cachedLocal[OpinionKey{Peer: pid, Epoch: epoch, Iter: iter}] = op
	return op, nil
}

func (p *Peer) buildRoundOpinion(epoch trust.Epoch, iter uint32) (*trust.Opinion, error) {
	var standing fr.Element
	if iter == 0 {
		standing.SetUint64(trust.InitialScore)
	} else {
		// One aggregation round over the previous iteration's opinions;
		// our own slot is 0 by construction of buildSet.
		aggregated := p.buildSet(epoch, iter-1).AggregateStep()
		standing = aggregated[0]
	}

	var rawSum uint64
	for _, pid := range p.Neighbors() {
		if _, identified := p.pubkeys[pid]; identified {
			rawSum += uint64(p.rawScores[pid])
		}
	}

	var scores trust.ScoreVector
	if rawSum > 0 && !standing.IsZero() {
		var sum, inv fr.Element
		sum.SetUint64(rawSum)
		inv.Inverse(&sum)
		for slot := range p.neighbors {
			pid := p.neighbors[slot]
			if pid.IsNull() {
				continue
			}
			pk, identified := p.pubkeys[pid]
			if !identified {
				continue
			}
			scores[slot].Key = pk
			var w fr.Element
			w.SetUint64(uint64(p.rawScores[pid]))
			w.Mul(&w, &inv)
			scores[slot].Value.Mul(&standing, &w)
		}
	} else {
		// Nothing to distribute: publish the keys with zero values so
		// receivers still learn our view of the slot assignment.
		for slot := range p.neighbors {
			pid := p.neighbors[slot]
			if pid.IsNull() {
				continue
			}
			if pk, identified := p.pubkeys[pid]; identified {
				scores[slot].Key = pk
			}
		}
	}

	op, err := trust.NewOpinion(p.cfg.SecretKey, p.cfg.PubKey, epoch, iter, scores)
	if err != nil {
		return nil, err
	}
	if p.cfg.Prover != nil {
		proof, err := p.cfg.Prover.ProveOpinion(op)
		if err != nil {
			// Publish unproven rather than stay silent.
			p.log.Warn("proving opinion failed", "epoch", uint64(epoch), "iter", iter, "err", err)
		} else {
			op.Proof = proof
		}
	}
	return op, nil
}

// EvictBefore drops cached opinions whose epoch fell out of the retention
// window relative to current.
func (p *Peer) EvictBefore(current trust.Epoch) {
	if uint64(current) <= p.cfg.CacheEpochs {
		return
	}
	min := current - trust.Epoch(p.cfg.CacheEpochs)
	for k := range p.cachedLocal {
		if k.Epoch < min {
			delete(p.cachedLocal, k)
		}
	}
	for k := range p.cachedNeighbor {
		if k.Epoch < min {
			delete(p.cachedNeighbor, k)
		}
	}
	for k := range p.localByRound {
		if k.epoch < min {
			delete(p.localByRound, k)
		}
	}
}
