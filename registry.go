package replica

import (
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/golang/glog"
)

// the registry is the sole authority for replica identity and existence.
// all index state is guarded by one lock per registry instance.
// multiple independent registries can coexist.

type Registry struct {
	sender Sender

	stateLock sync.Mutex

	nextReplicaId int64
	// replica id -> replica
	replicas map[string]*Replica
	// tag -> replica id -> replica
	tagReplicas map[string]map[string]*Replica

	subscriptions *SubscriptionIndex

	removeReceiveCallback    func()
	removeDisconnectCallback func()
}

func NewRegistry(sender Sender) *Registry {
	registry := &Registry{
		sender:        sender,
		nextReplicaId: 1,
		replicas:      map[string]*Replica{},
		tagReplicas:   map[string]map[string]*Replica{},
	}
	registry.subscriptions = newSubscriptionIndex(registry)

	// when the transport can deliver client messages, answer data requests
	if receiver, ok := sender.(Receiver); ok {
		registry.removeReceiveCallback = receiver.AddReceiveCallback(registry.handleReceive)
	}
	// when the transport reports disconnects, drop the destination's subscriptions
	if notifier, ok := sender.(DisconnectNotifier); ok {
		registry.removeDisconnectCallback = notifier.AddDisconnectCallback(registry.RemoveDestination)
	}

	return registry
}

// allocates a fresh id and indexes the replica by id and by every tag.
// the returned write token is required for every mutation.
// creation never implies delivery. subscription is a separate, explicit step.
func (self *Registry) CreateReplica(tags []string, initialData map[string]any) (*Replica, *WriteToken) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	id := strconv.FormatInt(self.nextReplicaId, 10)
	self.nextReplicaId += 1

	replica := newReplica(id, tags, initialData, &self.stateLock)
	replica.registry = self
	replica.token = newWriteToken()

	self.replicas[id] = replica
	for tag := range replica.tags {
		bucket, ok := self.tagReplicas[tag]
		if !ok {
			bucket = map[string]*Replica{}
			self.tagReplicas[tag] = bucket
		}
		bucket[id] = replica
	}

	glog.V(2).Infof("[reg]create %s tags = %s\n", id, strings.Join(replica.Tags(), ","))
	return replica, replica.token
}

func (self *Registry) DestroyReplica(replica *Replica, token *WriteToken) error {
	return replica.Destroy(token)
}

func (self *Registry) ReplicaById(id string) *Replica {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.replicas[id]
}

// the set of replicas possessing every listed tag.
// an empty tag list yields an empty result.
func (self *Registry) ReplicasWithTags(tags ...string) []*Replica {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.replicasWithTagsLocked(tags)
}

func (self *Registry) replicasWithTagsLocked(tags []string) []*Replica {
	if len(tags) == 0 {
		return []*Replica{}
	}
	// narrow on the smallest tag bucket
	var smallest map[string]*Replica
	for _, tag := range tags {
		bucket, ok := self.tagReplicas[tag]
		if !ok {
			return []*Replica{}
		}
		if smallest == nil || len(bucket) < len(smallest) {
			smallest = bucket
		}
	}
	replicas := []*Replica{}
	for _, replica := range smallest {
		if replica.hasTags(tags) {
			replicas = append(replicas, replica)
		}
	}
	sortReplicasById(replicas)
	return replicas
}

func (self *Registry) Subscriptions() *SubscriptionIndex {
	return self.subscriptions
}

func (self *Registry) RemoveDestination(destination Id) {
	self.subscriptions.RemoveDestination(destination)
}

// re-sends a create for every replica the destination is subscribed to.
// recovery path after a reconnect.
func (self *Registry) ResendData(destination Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	replicas := []*Replica{}
	for replicaId := range self.subscriptions.subscribedReplicaIdsLocked(destination) {
		if replica, ok := self.replicas[replicaId]; ok {
			replicas = append(replicas, replica)
		}
	}
	sortReplicasById(replicas)
	for _, replica := range replicas {
		self.sendLocked(destination, createAction(replica))
	}
	glog.V(2).Infof("[reg]resend %d->%s\n", len(replicas), destination)
}

func (self *Registry) Close() {
	if self.removeReceiveCallback != nil {
		self.removeReceiveCallback()
	}
	if self.removeDisconnectCallback != nil {
		self.removeDisconnectCallback()
	}
}

// ReceiveFunction
func (self *Registry) handleReceive(source Id, frameBytes []byte) {
	action, err := DecodeFrame(frameBytes)
	if err != nil {
		glog.Infof("[reg]bad frame %s<- = %s\n", source, err)
		return
	}
	switch action.(type) {
	case *RequestDataAction:
		self.ResendData(source)
	default:
		// clients can never request privileged mutation paths
		glog.Infof("[reg]drop %T %s<-\n", action, source)
	}
}

// sends `action` to every destination currently subscribed to the replica.
// each destination's send is independent. a failed handoff for one
// destination never blocks delivery to the others.
func (self *Registry) broadcastLocked(replicaId string, action any) {
	destinations := self.subscriptions.subscribersLocked(replicaId)
	if len(destinations) == 0 {
		return
	}
	frameBytes, err := EncodeFrame(action)
	if err != nil {
		glog.Errorf("[reg]encode error %s = %s\n", replicaId, err)
		return
	}
	for _, destination := range destinations {
		if !self.sender.Send(destination, frameBytes) {
			glog.Infof("[reg]drop %s->%s\n", replicaId, destination)
		}
	}
}

func (self *Registry) sendLocked(destination Id, action any) {
	frameBytes, err := EncodeFrame(action)
	if err != nil {
		glog.Errorf("[reg]encode error = %s\n", err)
		return
	}
	if !self.sender.Send(destination, frameBytes) {
		glog.Infof("[reg]drop ->%s\n", destination)
	}
}

// removes the replica from all indices, announces the destruction to its
// subscribers, and clears its subscription bookkeeping
func (self *Registry) removeReplicaLocked(replica *Replica) {
	delete(self.replicas, replica.id)
	for tag := range replica.tags {
		if bucket, ok := self.tagReplicas[tag]; ok {
			delete(bucket, replica.id)
			if len(bucket) == 0 {
				delete(self.tagReplicas, tag)
			}
		}
	}

	self.broadcastLocked(replica.id, &DestroyAction{
		ReplicaId: replica.id,
	})
	self.subscriptions.clearReplicaLocked(replica.id)

	glog.V(2).Infof("[reg]destroy %s\n", replica.id)
}

func createAction(replica *Replica) *CreateAction {
	return &CreateAction{
		ReplicaId: replica.id,
		Tags:      replica.Tags(),
		Data:      replica.data,
		ParentId:  replica.parentId,
	}
}

// ids are decimal counters. order numerically.
func sortReplicasById(replicas []*Replica) {
	slices.SortFunc(replicas, func(a *Replica, b *Replica) int {
		if len(a.id) != len(b.id) {
			return len(a.id) - len(b.id)
		}
		return strings.Compare(a.id, b.id)
	})
}
