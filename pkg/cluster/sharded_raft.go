package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"kvraft/pkg/types"
)

// RegionOwnerClient is the remote side of a region handoff: the node that
// currently owns the destination region of a split adopts responsibility
// for the key range starting at splitKey.
type RegionOwnerClient interface {
	AdoptRegion(ctx context.Context, region types.RegionID, splitKey []byte) error
}

// ShardedRouter implements fsm.RegionRouter over the consistent-hash ring:
// a RANGE_SPLIT entry names a new region ID, and the ring tells us which
// node in the topology now owns it. If that's us, the split already landed
// in our own engine and there's nothing further to do; otherwise we hand
// the new region off over RPC.
type ShardedRouter struct {
	localAddr     string
	ring          *HashRing
	clientFactory func(addr string) (RegionOwnerClient, error)
}

// NewShardedRouter builds a router keyed on ring, which maps region IDs
// (serialized as decimal strings) to the node address that owns them.
func NewShardedRouter(localAddr string, ring *HashRing, clientFactory func(addr string) (RegionOwnerClient, error)) *ShardedRouter {
	return &ShardedRouter{
		localAddr:     localAddr,
		ring:          ring,
		clientFactory: clientFactory,
	}
}

func regionKey(region types.RegionID) string {
	return strconv.FormatUint(uint64(region), 10)
}

// RouteSplit hands the newly-created region off to whichever node the ring
// says owns it. from is unused beyond logging: only the destination
// region's ownership determines where the handoff goes.
func (s *ShardedRouter) RouteSplit(ctx context.Context, from, to types.RegionID, splitKey []byte) error {
	owner, ok := s.ring.GetNode(regionKey(to))
	if !ok {
		return fmt.Errorf("cluster: no owner in ring for region %d", to)
	}

	if owner == s.localAddr {
		slog.Debug("region split resolved locally", "from", from, "to", to)
		return nil
	}

	slog.Info("routing region split to remote owner", "from", from, "to", to, "owner", owner)

	client, err := s.clientFactory(owner)
	if err != nil {
		return fmt.Errorf("cluster: dial region owner %s: %w", owner, err)
	}

	if err := client.AdoptRegion(ctx, to, splitKey); err != nil {
		return fmt.Errorf("cluster: adopt region %d on %s: %w", to, owner, err)
	}

	return nil
}
