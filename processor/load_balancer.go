package processor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"
)

// Strategy selects how quickly a processor claims partitions
type Strategy int

const (
	// StrategyBalanced claims at most one partition per load-balancing cycle
	StrategyBalanced Strategy = iota
	// StrategyGreedy claims its whole fair share in a single cycle
	StrategyGreedy
)

func (s Strategy) String() string {
	switch s {
	case StrategyBalanced:
		return "balanced"
	case StrategyGreedy:
		return "greedy"
	default:
		return "unknown"
	}
}

// ParseStrategy parses the String form of a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "balanced":
		return StrategyBalanced, nil
	case "greedy":
		return StrategyGreedy, nil
	default:
		return 0, fmt.Errorf("processor: unknown load balancing strategy %q", s)
	}
}

// balanceInfo is one snapshot of the consumer group's ownership
type balanceInfo struct {
	current          []Ownership
	unownedOrExpired []Ownership
	aboveMax         []Ownership
	maxAllowed       int
	claimMore        bool
}

// LoadBalancer distributes partition ownership across the processors of a
// consumer group. Each processor owns at most its fair share, plus one when
// partitions do not divide evenly; it claims unowned or expired partitions
// first and steals from owners above the maximum otherwise.
type LoadBalancer struct {
	store      CheckpointStore
	details    ConsumerDetails
	strategy   Strategy
	expiration time.Duration
	logger     *slog.Logger
	now        func() time.Time

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewLoadBalancer creates a LoadBalancer. A nil rng uses a randomly seeded source.
func NewLoadBalancer(store CheckpointStore, details ConsumerDetails, strategy Strategy, expiration time.Duration, rng *rand.Rand, logger *slog.Logger) *LoadBalancer {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LoadBalancer{
		store:      store,
		details:    details,
		strategy:   strategy,
		expiration: expiration,
		logger:     logger,
		now:        time.Now,
		rng:        rng,
	}
}

// LoadBalance renews this processor's ownerships, claims more when it is
// below its share and returns everything it owns after the claim.
func (lb *LoadBalancer) LoadBalance(ctx context.Context, partitionIDs []string) ([]Ownership, error) {
	info, err := lb.availablePartitions(ctx, partitionIDs)
	if err != nil {
		return nil, err
	}

	ownerships := info.current
	if info.claimMore {
		switch lb.strategy {
		case StrategyGreedy:
			ownerships = lb.greedy(info)
		default:
			if o, ok := lb.balanced(info); ok {
				ownerships = append(ownerships, o)
			}
		}
	}

	lb.logger.Debug("claiming partitions",
		"client", lb.details.ClientID,
		"strategy", lb.strategy,
		"claimMore", info.claimMore,
		"maxAllowed", info.maxAllowed,
		"partitions", partitionsOf(ownerships))

	if len(ownerships) == 0 {
		return nil, nil
	}
	return lb.store.ClaimOwnership(ctx, ownerships)
}

func (lb *LoadBalancer) availablePartitions(ctx context.Context, partitionIDs []string) (*balanceInfo, error) {
	ownerships, err := lb.store.ListOwnership(ctx, lb.details.Namespace, lb.details.EventHub, lb.details.ConsumerGroup)
	if err != nil {
		return nil, fmt.Errorf("processor: list ownership: %w", err)
	}

	var unowned []Ownership
	seen := make(map[string]bool, len(ownerships))
	byOwner := map[string][]Ownership{lb.details.ClientID: nil}
	now := lb.now()

	for _, o := range ownerships {
		seen[o.PartitionID] = true

		if o.LastModifiedTime.Add(lb.expiration).Before(now) || o.OwnerID == "" {
			unowned = append(unowned, o)
			continue
		}
		byOwner[o.OwnerID] = append(byOwner[o.OwnerID], o)
	}

	for _, id := range partitionIDs {
		if seen[id] {
			continue
		}
		unowned = append(unowned, Ownership{
			Namespace:     lb.details.Namespace,
			EventHub:      lb.details.EventHub,
			ConsumerGroup: lb.details.ConsumerGroup,
			PartitionID:   id,
			OwnerID:       lb.details.ClientID,
		})
	}

	owners := len(byOwner)
	minRequired := len(partitionIDs) / owners
	maxAllowed := minRequired
	allowExtra := len(partitionIDs)%owners > 0
	current := byOwner[lb.details.ClientID]
	if allowExtra && len(current) >= minRequired {
		maxAllowed++
	}

	var aboveMax []Ownership
	for owner, owned := range byOwner {
		if owner != lb.details.ClientID && len(owned) > maxAllowed {
			aboveMax = append(aboveMax, owned...)
		}
	}
	sortByPartition(aboveMax)
	sortByPartition(unowned)

	claimMore := true
	if len(current) >= maxAllowed {
		claimMore = false
	} else if allowExtra && len(current) == maxAllowed-1 {
		claimMore = len(unowned) > 0 || len(aboveMax) > 0
	}

	return &balanceInfo{
		current:          current,
		unownedOrExpired: unowned,
		aboveMax:         aboveMax,
		maxAllowed:       maxAllowed,
		claimMore:        claimMore,
	}, nil
}

func (lb *LoadBalancer) balanced(info *balanceInfo) (Ownership, bool) {
	lb.rngMu.Lock()
	defer lb.rngMu.Unlock()

	var pick Ownership
	switch {
	case len(info.unownedOrExpired) > 0:
		pick = info.unownedOrExpired[lb.rng.IntN(len(info.unownedOrExpired))]
	case len(info.aboveMax) > 0:
		pick = info.aboveMax[lb.rng.IntN(len(info.aboveMax))]
	default:
		return Ownership{}, false
	}
	pick.OwnerID = lb.details.ClientID
	return pick, true
}

func (lb *LoadBalancer) greedy(info *balanceInfo) []Ownership {
	ours := append([]Ownership(nil), info.current...)
	ours = append(ours, lb.random(info.unownedOrExpired, info.maxAllowed-len(ours))...)

	if len(ours) < info.maxAllowed {
		lb.logger.Debug("stealing partitions",
			"client", lb.details.ClientID,
			"count", info.maxAllowed-len(ours),
			"from", partitionsOf(info.aboveMax))
		ours = append(ours, lb.random(info.aboveMax, info.maxAllowed-len(ours))...)
	}

	for i := range ours {
		ours[i].OwnerID = lb.details.ClientID
	}
	return ours
}

// random returns up to count ownerships chosen uniformly from candidates
func (lb *LoadBalancer) random(candidates []Ownership, count int) []Ownership {
	count = min(count, len(candidates))
	if count <= 0 {
		return nil
	}

	shuffled := append([]Ownership(nil), candidates...)

	lb.rngMu.Lock()
	lb.rng.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	lb.rngMu.Unlock()

	return shuffled[:count]
}

func sortByPartition(ownerships []Ownership) {
	sort.Slice(ownerships, func(i, j int) bool {
		return ownerships[i].PartitionID < ownerships[j].PartitionID
	})
}

func partitionsOf(ownerships []Ownership) []string {
	ids := make([]string, len(ownerships))
	for i, o := range ownerships {
		ids[i] = o.PartitionID
	}
	return ids
}
