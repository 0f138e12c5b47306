package fetcher

import (
	"fmt"

	"chain-extnode/sync/internal/fetcher/rpcclient"
)

// ConsensusSource is the P2P (consensus) variant of Source, selected by
// the enable_consensus configuration option in place of the RPC poller
// (spec.md §4.2 "P2P-based (consensus)"). It subscribes to a validator
// network, verifies block certificates against a configured peer set and
// secret material, and surfaces the same run-of-miniblocks shape the RPC
// source does, so Fetcher.Run drives either variant identically.
//
// The wire protocol, peer discovery, and certificate verification
// themselves are an external collaborator per spec.md §2 ("Surrounding
// subsystems... are treated as external collaborators"); this interface
// is the seam a production consensus client implements, matching the
// way the teacher's own eth/protocols/eth package separates the wire
// handler from the downloader/fetcher logic that consumes it.
type ConsensusSource interface {
	Source

	// PeerCount reports the number of verified peers currently
	// contributing to the subscription, surfaced as a health detail.
	PeerCount() int
}

// ErrConsensusUnconfigured is returned by cmd/externalnode when
// enable_consensus is set, since no concrete P2P client is wired into
// that binary (NewConsensusSource never returns it); it signals a
// configuration error
// (spec.md §7 "Configuration / startup": abort before starting any
// task), not a runtime condition.
var ErrConsensusUnconfigured = fmt.Errorf("fetcher: enable_consensus is set but no P2P source is configured")

// staticConsensusSource adapts a plain Source plus a peer-count function
// into a ConsensusSource, so callers that only have a Source (e.g. in tests that don't care about
// peer counts) can still satisfy NewConsensusSource's signature.
type staticConsensusSource struct {
	Source
	peers func() int
}

func (s staticConsensusSource) PeerCount() int {
	if s.peers == nil {
		return 0
	}
	return s.peers()
}

// NewConsensusSource wraps src as a ConsensusSource reporting peerCount
// peers, for wiring a concrete P2P client into a Fetcher.
func NewConsensusSource(src Source, peerCount func() int) ConsensusSource {
	return staticConsensusSource{Source: src, peers: peerCount}
}

// RemoteMiniblock re-exports the wire shape both Source variants return,
// so callers outside this package need only import fetcher, not
// fetcher/rpcclient, to implement a Source.
type RemoteMiniblock = rpcclient.RemoteMiniblock
