package replica

import (
	"bytes"
	"slices"

	"github.com/golang/glog"
)

// tracks, per destination, the set of replica ids it is currently
// subscribed to. drives mutation fan-out.
// state is guarded by the owning registry's lock.

type SubscriptionIndex struct {
	registry *Registry

	// destination -> replica id set
	destinationReplicaIds map[Id]map[string]bool
	// replica id -> destination set
	replicaDestinations map[string]map[Id]bool
}

func newSubscriptionIndex(registry *Registry) *SubscriptionIndex {
	return &SubscriptionIndex{
		registry:              registry,
		destinationReplicaIds: map[Id]map[string]bool{},
		replicaDestinations:   map[string]map[Id]bool{},
	}
}

// idempotent. the first subscription sends a create carrying the id, tags,
// full current data snapshot, and parent id.
func (self *SubscriptionIndex) Subscribe(destination Id, replica *Replica) {
	self.registry.stateLock.Lock()
	defer self.registry.stateLock.Unlock()
	self.subscribeLocked(destination, replica)
}

func (self *SubscriptionIndex) subscribeLocked(destination Id, replica *Replica) {
	if replica.destroyed {
		glog.V(1).Infof("[sub]subscribe destroyed %s->%s\n", replica.id, destination)
		return
	}

	replicaIds, ok := self.destinationReplicaIds[destination]
	if !ok {
		replicaIds = map[string]bool{}
		self.destinationReplicaIds[destination] = replicaIds
	}
	if replicaIds[replica.id] {
		// already subscribed
		return
	}
	replicaIds[replica.id] = true

	destinations, ok := self.replicaDestinations[replica.id]
	if !ok {
		destinations = map[Id]bool{}
		self.replicaDestinations[replica.id] = destinations
	}
	destinations[destination] = true

	self.registry.sendLocked(destination, createAction(replica))
	glog.V(2).Infof("[sub]subscribe %s->%s\n", replica.id, destination)
}

// stops the destination's view of the replica. the replica is untouched.
// a destination with no tracked state is a no-op, not an error.
func (self *SubscriptionIndex) Unsubscribe(destination Id, replica *Replica) {
	self.registry.stateLock.Lock()
	defer self.registry.stateLock.Unlock()

	replicaIds, ok := self.destinationReplicaIds[destination]
	if !ok || !replicaIds[replica.id] {
		return
	}
	delete(replicaIds, replica.id)
	if len(replicaIds) == 0 {
		delete(self.destinationReplicaIds, destination)
	}
	if destinations, ok := self.replicaDestinations[replica.id]; ok {
		delete(destinations, destination)
		if len(destinations) == 0 {
			delete(self.replicaDestinations, replica.id)
		}
	}

	self.registry.sendLocked(destination, &DestroyAction{
		ReplicaId: replica.id,
	})
	glog.V(2).Infof("[sub]unsubscribe %s->%s\n", replica.id, destination)
}

// subscribes to every currently existing replica possessing all of `tags`.
// this is a snapshot, not a standing query. replicas created later that
// match the same tags are not automatically subscribed.
func (self *SubscriptionIndex) SubscribeToTags(destination Id, tags ...string) {
	self.registry.stateLock.Lock()
	defer self.registry.stateLock.Unlock()

	for _, replica := range self.registry.replicasWithTagsLocked(tags) {
		self.subscribeLocked(destination, replica)
	}
}

// the destinations currently tracking the replica id
func (self *SubscriptionIndex) Subscribers(replicaId string) []Id {
	self.registry.stateLock.Lock()
	defer self.registry.stateLock.Unlock()
	return self.subscribersLocked(replicaId)
}

func (self *SubscriptionIndex) subscribersLocked(replicaId string) []Id {
	destinations, ok := self.replicaDestinations[replicaId]
	if !ok {
		return []Id{}
	}
	out := make([]Id, 0, len(destinations))
	for destination := range destinations {
		out = append(out, destination)
	}
	slices.SortFunc(out, func(a Id, b Id) int {
		return bytes.Compare(a[:], b[:])
	})
	return out
}

func (self *SubscriptionIndex) subscribedReplicaIdsLocked(destination Id) map[string]bool {
	return self.destinationReplicaIds[destination]
}

// drops all of the destination's tracked subscriptions.
// invoked by the session lifecycle on disconnect.
func (self *SubscriptionIndex) RemoveDestination(destination Id) {
	self.registry.stateLock.Lock()
	defer self.registry.stateLock.Unlock()

	replicaIds, ok := self.destinationReplicaIds[destination]
	if !ok {
		return
	}
	delete(self.destinationReplicaIds, destination)
	for replicaId := range replicaIds {
		if destinations, ok := self.replicaDestinations[replicaId]; ok {
			delete(destinations, destination)
			if len(destinations) == 0 {
				delete(self.replicaDestinations, replicaId)
			}
		}
	}
	glog.V(1).Infof("[sub]remove destination %s (%d)\n", destination, len(replicaIds))
}

func (self *SubscriptionIndex) clearReplicaLocked(replicaId string) {
	destinations, ok := self.replicaDestinations[replicaId]
	if !ok {
		return
	}
	delete(self.replicaDestinations, replicaId)
	for destination := range destinations {
		if replicaIds, ok := self.destinationReplicaIds[destination]; ok {
			delete(replicaIds, replicaId)
			if len(replicaIds) == 0 {
				delete(self.destinationReplicaIds, destination)
			}
		}
	}
}
