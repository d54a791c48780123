package replica

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// the mirror maintains a local, read-mostly copy of the replicas announced
// by the server. each replica id moves through unknown -> created ->
// destroyed (terminal). a child announced before its parent is parked in a
// pending-children queue keyed by the missing parent id and linked when the
// parent arrives, so linkage converges regardless of arrival order.
//
// actions are applied on the transport's single receive context. listener
// callbacks for one action fully complete before the next action is applied.

type MirrorSettings struct {
	// re-check backstop for the blocking wait helpers, which are
	// primarily woken by the state monitor
	PollInterval time.Duration
	// send a data request at start and on every (re)connect
	RequestDataOnConnect bool
}

func DefaultMirrorSettings() *MirrorSettings {
	return &MirrorSettings{
		PollInterval:         50 * time.Millisecond,
		RequestDataOnConnect: true,
	}
}

type CreatedFunction func(replica *Replica)
type DestroyedFunction func(replicaId string, tags []string)

type Mirror struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport ClientTransport
	settings  *MirrorSettings

	stateLock sync.Mutex
	// replica id -> replica
	replicas map[string]*Replica
	// tag -> replica id -> replica
	tagReplicas map[string]map[string]*Replica
	// ids that reached the terminal destroyed state
	destroyedIds map[string]bool
	// parent id -> children awaiting linkage
	pendingChildren map[string][]*Replica

	createdCallbacks   *CallbackList[CreatedFunction]
	destroyedCallbacks *CallbackList[DestroyedFunction]

	// signals waiters when the replica set changes
	stateMonitor *Monitor

	removeReceiveCallback func()
	removeConnectCallback func()
}

func NewMirrorWithDefaults(ctx context.Context, transport ClientTransport) *Mirror {
	return NewMirror(ctx, transport, DefaultMirrorSettings())
}

func NewMirror(ctx context.Context, transport ClientTransport, settings *MirrorSettings) *Mirror {
	cancelCtx, cancel := context.WithCancel(ctx)
	mirror := &Mirror{
		ctx:                cancelCtx,
		cancel:             cancel,
		transport:          transport,
		settings:           settings,
		replicas:           map[string]*Replica{},
		tagReplicas:        map[string]map[string]*Replica{},
		destroyedIds:       map[string]bool{},
		pendingChildren:    map[string][]*Replica{},
		createdCallbacks:   NewCallbackList[CreatedFunction](),
		destroyedCallbacks: NewCallbackList[DestroyedFunction](),
		stateMonitor:       NewMonitor(),
	}
	mirror.removeReceiveCallback = transport.AddReceiveCallback(mirror.receive)
	if settings.RequestDataOnConnect {
		if notifier, ok := transport.(ConnectNotifier); ok {
			mirror.removeConnectCallback = notifier.AddConnectCallback(mirror.RequestData)
		}
		mirror.RequestData()
	}
	return mirror
}

// asks the server to re-send a create for every subscribed replica
func (self *Mirror) RequestData() {
	if !self.transport.Send(RequireEncodeFrame(&RequestDataAction{})) {
		glog.V(1).Infof("[mir]drop data request\n")
	}
}

// ClientReceiveFunction
func (self *Mirror) receive(frameBytes []byte) {
	action, err := DecodeFrame(frameBytes)
	if err != nil {
		glog.Infof("[mir]bad frame = %s\n", err)
		return
	}

	switch a := action.(type) {
	case *CreateAction:
		self.applyCreate(a)
	case *UpdateAction:
		self.applyTo(a.ReplicaId, func(replica *Replica) []func() {
			return replica.applyUpdate(a.Path, a.Value)
		})
	case *ArrayInsertAction:
		self.applyTo(a.ReplicaId, func(replica *Replica) []func() {
			return replica.applyArrayInsert(a.Path, a.Index, a.Value)
		})
	case *ArrayRemoveAction:
		self.applyTo(a.ReplicaId, func(replica *Replica) []func() {
			return replica.applyArrayRemove(a.Path, a.Index)
		})
	case *SetParentAction:
		self.applySetParent(a)
	case *DestroyAction:
		self.applyDestroy(a)
	default:
		glog.Infof("[mir]drop %T\n", action)
	}
}

func (self *Mirror) applyCreate(action *CreateAction) {
	self.stateLock.Lock()
	if self.destroyedIds[action.ReplicaId] {
		self.stateLock.Unlock()
		glog.V(1).Infof("[mir]drop create for destroyed %s\n", action.ReplicaId)
		return
	}
	if _, ok := self.replicas[action.ReplicaId]; ok {
		self.stateLock.Unlock()
		glog.V(1).Infof("[mir]drop duplicate create %s\n", action.ReplicaId)
		return
	}

	replica := newReplica(action.ReplicaId, action.Tags, action.Data, &self.stateLock)
	self.replicas[replica.id] = replica
	for tag := range replica.tags {
		bucket, ok := self.tagReplicas[tag]
		if !ok {
			bucket = map[string]*Replica{}
			self.tagReplicas[tag] = bucket
		}
		bucket[replica.id] = replica
	}

	if action.ParentId != "" {
		replica.parentId = action.ParentId
		if parent, ok := self.replicas[action.ParentId]; ok {
			replica.parent = parent
			parent.addChildLocked(replica)
		} else {
			// defer linkage until the parent is announced
			self.pendingChildren[action.ParentId] = append(self.pendingChildren[action.ParentId], replica)
		}
	}

	// adopt children that arrived before this replica
	for _, child := range self.pendingChildren[replica.id] {
		child.parent = replica
		replica.addChildLocked(child)
	}
	delete(self.pendingChildren, replica.id)
	self.stateLock.Unlock()

	self.stateMonitor.NotifyAll()
	glog.V(2).Infof("[mir]create %s\n", replica.id)
	for _, callback := range self.createdCallbacks.Get() {
		callback := callback
		safeCall(func() {
			callback(replica)
		})
	}
}

func (self *Mirror) applyTo(replicaId string, apply func(replica *Replica) []func()) {
	self.stateLock.Lock()
	replica, ok := self.replicas[replicaId]
	if !ok {
		self.stateLock.Unlock()
		// benign race around create/destroy boundaries. drop, not fatal.
		glog.V(1).Infof("[mir]drop action for %s\n", replicaId)
		return
	}
	notifiers := apply(replica)
	self.stateLock.Unlock()

	for _, notify := range notifiers {
		notify()
	}
}

func (self *Mirror) applySetParent(action *SetParentAction) {
	self.stateLock.Lock()
	replica, ok := self.replicas[action.ReplicaId]
	if !ok {
		self.stateLock.Unlock()
		glog.V(1).Infof("[mir]drop set parent for %s\n", action.ReplicaId)
		return
	}
	self.removePendingLocked(replica)
	var parent *Replica
	if action.ParentId != "" {
		parent = self.replicas[action.ParentId]
		if parent == nil && !self.destroyedIds[action.ParentId] {
			self.pendingChildren[action.ParentId] = append(self.pendingChildren[action.ParentId], replica)
		}
	}
	notifiers := replica.applySetParent(action.ParentId, parent)
	self.stateLock.Unlock()

	for _, notify := range notifiers {
		notify()
	}
}

func (self *Mirror) applyDestroy(action *DestroyAction) {
	self.stateLock.Lock()
	replica, ok := self.replicas[action.ReplicaId]
	if !ok {
		// an unknown id stays unknown. marking it terminal would blind
		// the mirror to a later re-subscribe create.
		self.stateLock.Unlock()
		glog.V(1).Infof("[mir]drop destroy for %s\n", action.ReplicaId)
		return
	}
	self.destroyedIds[action.ReplicaId] = true
	delete(self.replicas, replica.id)
	for tag := range replica.tags {
		if bucket, ok := self.tagReplicas[tag]; ok {
			delete(bucket, replica.id)
			if len(bucket) == 0 {
				delete(self.tagReplicas, tag)
			}
		}
	}
	if replica.parent != nil {
		replica.parent.removeChildLocked(replica)
		replica.parent = nil
	}
	// surviving children stay with an unresolved parent id
	for _, child := range replica.children {
		child.parent = nil
	}
	replica.children = []*Replica{}
	replica.destroyed = true
	self.removePendingLocked(replica)
	tags := replica.Tags()
	self.stateLock.Unlock()

	self.stateMonitor.NotifyAll()
	glog.V(2).Infof("[mir]destroy %s\n", replica.id)
	for _, callback := range self.destroyedCallbacks.Get() {
		callback := callback
		safeCall(func() {
			callback(action.ReplicaId, tags)
		})
	}
}

func (self *Mirror) removePendingLocked(replica *Replica) {
	for parentId, children := range self.pendingChildren {
		for i, child := range children {
			if child == replica {
				children = append(children[:i:i], children[i+1:]...)
				if len(children) == 0 {
					delete(self.pendingChildren, parentId)
				} else {
					self.pendingChildren[parentId] = children
				}
				return
			}
		}
	}
}

func (self *Mirror) ReplicaById(id string) *Replica {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.replicas[id]
}

// same intersection semantics as the server registry
func (self *Mirror) ReplicasWithTags(tags ...string) []*Replica {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(tags) == 0 {
		return []*Replica{}
	}
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

// blocks until a replica with all of `tags` appears. woken by the state
// monitor on each create or destroy, with the configured poll interval as a
// re-check backstop. nil on timeout. timeout < 0 waits until ctx ends.
// must not be called from the receive context that applies actions.
func (self *Mirror) WaitForReplicaWithTags(ctx context.Context, timeout time.Duration, tags ...string) *Replica {
	return self.WaitForReplica(ctx, timeout, func(replica *Replica) bool {
		return replica.hasTags(tags)
	})
}

// blocks until a replica matching the predicate appears. nil on timeout.
func (self *Mirror) WaitForReplica(ctx context.Context, timeout time.Duration, predicate func(replica *Replica) bool) *Replica {
	endTime := time.Now().Add(timeout)
	for {
		// take the notify channel before inspecting state so that a
		// concurrent create cannot slip between check and wait
		notify := self.stateMonitor.NotifyChannel()
		if replica := self.findReplica(predicate); replica != nil {
			return replica
		}
		pollInterval := self.settings.PollInterval
		if 0 <= timeout {
			remaining := endTime.Sub(time.Now())
			if remaining <= 0 {
				return nil
			}
			if remaining < pollInterval {
				pollInterval = remaining
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-self.ctx.Done():
			return nil
		case <-notify:
		case <-time.After(pollInterval):
		}
	}
}

func (self *Mirror) findReplica(predicate func(replica *Replica) bool) *Replica {
	self.stateLock.Lock()
	replicas := make([]*Replica, 0, len(self.replicas))
	for _, replica := range self.replicas {
		replicas = append(replicas, replica)
	}
	self.stateLock.Unlock()

	sortReplicasById(replicas)
	for _, replica := range replicas {
		if predicate(replica) {
			return replica
		}
	}
	return nil
}

func (self *Mirror) OnCreated(callback CreatedFunction) func() {
	return self.createdCallbacks.Add(callback)
}

func (self *Mirror) OnDestroyed(callback DestroyedFunction) func() {
	return self.destroyedCallbacks.Add(callback)
}

func (self *Mirror) Close() {
	self.cancel()
	if self.removeReceiveCallback != nil {
		self.removeReceiveCallback()
	}
	if self.removeConnectCallback != nil {
		self.removeConnectCallback()
	}
}
