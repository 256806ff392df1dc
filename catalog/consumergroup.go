package catalog

import (
	"sort"
	"strconv"
	"sync"

	"github.com/iggy-rs/iggy/utils/log"
)

// ConsumerGroup coordinates a set of members consuming one topic together.
// Every partition of the topic is owned by exactly one member; membership
// changes trigger a deterministic round-robin reassignment. Groups live in
// memory only, members re-join after a server restart and committed group
// offsets survive in the partitions' offset stores.
type ConsumerGroup struct {
	mu   sync.RWMutex
	ID   uint32
	Name string

	partitionIDs []uint32
	members      map[uint32]*groupMember
}

type groupMember struct {
	id         uint32
	partitions []uint32
	next       int
}

func newConsumerGroup(id uint32, name string, partitionIDs []uint32) *ConsumerGroup {
	return &ConsumerGroup{
		ID:           id,
		Name:         name,
		partitionIDs: partitionIDs,
		members:      make(map[uint32]*groupMember),
	}
}

// Join adds the member and reassigns partitions across the new membership.
// Joining twice is a no-op that keeps the current assignment.
func (g *ConsumerGroup) Join(memberID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; ok {
		return
	}
	g.members[memberID] = &groupMember{id: memberID}
	g.rebalance()
	log.Debug("Member %d joined consumer group %d, members: %d", memberID, g.ID, len(g.members))
}

// Leave removes the member and hands its partitions to the remaining ones.
func (g *ConsumerGroup) Leave(memberID uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.members[memberID]; !ok {
		return MemberNotFoundError(strconv.FormatUint(uint64(memberID), 10))
	}
	delete(g.members, memberID)
	g.rebalance()
	log.Debug("Member %d left consumer group %d, members: %d", memberID, g.ID, len(g.members))
	return nil
}

// rebalance deals partitions round-robin over members sorted by ID, so every
// node computing the assignment for the same membership gets the same result.
func (g *ConsumerGroup) rebalance() {
	memberIDs := make([]uint32, 0, len(g.members))
	for id := range g.members {
		memberIDs = append(memberIDs, id)
	}
	sort.Slice(memberIDs, func(i, j int) bool { return memberIDs[i] < memberIDs[j] })

	for _, member := range g.members {
		member.partitions = member.partitions[:0]
		member.next = 0
	}
	if len(memberIDs) == 0 {
		return
	}
	for i, partitionID := range g.partitionIDs {
		member := g.members[memberIDs[i%len(memberIDs)]]
		member.partitions = append(member.partitions, partitionID)
	}
}

// NextPartition returns the partition the member should poll next, rotating
// through its assignment. The second result is false when the member owns no
// partitions, which happens when members outnumber partitions.
func (g *ConsumerGroup) NextPartition(memberID uint32) (uint32, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	member, ok := g.members[memberID]
	if !ok {
		return 0, false, MemberNotFoundError(strconv.FormatUint(uint64(memberID), 10))
	}
	if len(member.partitions) == 0 {
		return 0, false, nil
	}
	partitionID := member.partitions[member.next]
	member.next = (member.next + 1) % len(member.partitions)
	return partitionID, true, nil
}

// MemberPartitions returns the partitions currently assigned to the member.
func (g *ConsumerGroup) MemberPartitions(memberID uint32) ([]uint32, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	member, ok := g.members[memberID]
	if !ok {
		return nil, MemberNotFoundError(strconv.FormatUint(uint64(memberID), 10))
	}
	out := make([]uint32, len(member.partitions))
	copy(out, member.partitions)
	return out, nil
}

// MembersCount returns the current number of joined members.
func (g *ConsumerGroup) MembersCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// CreateConsumerGroup registers a new group over the topic's partitions.
func (t *Topic) CreateConsumerGroup(id uint32, name string) (*ConsumerGroup, error) {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.groups[id]; ok {
		return nil, ConsumerGroupAlreadyExistsError(strconv.FormatUint(uint64(id), 10))
	}
	group := newConsumerGroup(id, name, t.partitionIDs)
	t.groups[id] = group
	log.Info("Created consumer group %s (ID %d) for topic %d", name, id, t.ID)
	return group, nil
}

// DeleteConsumerGroup removes the group. Committed group offsets are kept.
func (t *Topic) DeleteConsumerGroup(id uint32) error {
	t.Lock()
	defer t.Unlock()
	if _, ok := t.groups[id]; !ok {
		return ConsumerGroupNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	delete(t.groups, id)
	return nil
}

// ConsumerGroup returns the group with the given ID.
func (t *Topic) ConsumerGroup(id uint32) (*ConsumerGroup, error) {
	t.RLock()
	defer t.RUnlock()
	group, ok := t.groups[id]
	if !ok {
		return nil, ConsumerGroupNotFoundError(strconv.FormatUint(uint64(id), 10))
	}
	return group, nil
}

// ConsumerGroups returns all groups of the topic ordered by ID.
func (t *Topic) ConsumerGroups() []*ConsumerGroup {
	t.RLock()
	defer t.RUnlock()
	out := make([]*ConsumerGroup, 0, len(t.groups))
	for _, group := range t.groups {
		out = append(out, group)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
