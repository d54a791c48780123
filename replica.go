package replica

import (
	"slices"
	"sync"

	"github.com/golang/glog"

	"golang.org/x/exp/maps"
)

// a replica is the replicated entity: identity, tags, a dynamic data tree,
// and parent/child links.
// on the server a replica is mutated only while holding its write token.
// on a mirror a replica is mutated only by applying received actions.

// possession of the write token proves the holder is the authoritative owner.
// the token is never transmitted to clients.
type WriteToken struct {
	tokenId Id
}

func newWriteToken() *WriteToken {
	return &WriteToken{
		tokenId: NewId(),
	}
}

type ChangeFunction func(value any)
type UpdateFunction func(path Path, value any)
type ArrayChangeFunction func(op ArrayOp, path Path, index int, value any)
type ParentChangeFunction func(parent *Replica)

type ArrayOp string

const (
	ArrayOpInsert ArrayOp = "insert"
	ArrayOpRemove ArrayOp = "remove"
)

type Replica struct {
	id   string
	tags map[string]bool

	// shared with the owning registry or mirror.
	// all link and data state is guarded by this lock.
	stateLock *sync.Mutex

	data      map[string]any
	parentId  string
	parent    *Replica
	children  []*Replica
	destroyed bool

	// server side
	registry *Registry
	token    *WriteToken

	// client side
	pathChangeCallbacks   map[string]*CallbackList[ChangeFunction]
	updateCallbacks       *CallbackList[UpdateFunction]
	arrayChangeCallbacks  *CallbackList[ArrayChangeFunction]
	parentChangeCallbacks *CallbackList[ParentChangeFunction]
	changeCallbacks       *CallbackList[func()]
}

func newReplica(id string, tags []string, data map[string]any, stateLock *sync.Mutex) *Replica {
	tagSet := map[string]bool{}
	for _, tag := range tags {
		tagSet[tag] = true
	}
	if data == nil {
		data = map[string]any{}
	}
	return &Replica{
		id:                    id,
		tags:                  tagSet,
		stateLock:             stateLock,
		data:                  data,
		children:              []*Replica{},
		pathChangeCallbacks:   map[string]*CallbackList[ChangeFunction]{},
		updateCallbacks:       NewCallbackList[UpdateFunction](),
		arrayChangeCallbacks:  NewCallbackList[ArrayChangeFunction](),
		parentChangeCallbacks: NewCallbackList[ParentChangeFunction](),
		changeCallbacks:       NewCallbackList[func()](),
	}
}

func (self *Replica) Id() string {
	return self.id
}

func (self *Replica) Tags() []string {
	tags := maps.Keys(self.tags)
	slices.Sort(tags)
	return tags
}

func (self *Replica) HasTag(tag string) bool {
	return self.tags[tag]
}

func (self *Replica) hasTags(tags []string) bool {
	for _, tag := range tags {
		if !self.tags[tag] {
			return false
		}
	}
	return true
}

func (self *Replica) Parent() *Replica {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.parent
}

func (self *Replica) ParentId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.parentId
}

func (self *Replica) Children() []*Replica {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return slices.Clone(self.children)
}

func (self *Replica) IsDestroyed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.destroyed
}

// reads the value at `path` in the data tree
func (self *Replica) Get(path Path) (any, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return Read(self.data, path)
}

func (self *Replica) authorize(token *WriteToken) error {
	if token == nil || self.token == nil || token != self.token {
		return ErrUnauthorized
	}
	return nil
}

// server mutators. all require the write token.
// mutation and fan-out to subscribers are synchronous up through
// handoff to the transport.

func (self *Replica) SetValue(token *WriteToken, path Path, value any) (any, error) {
	if err := self.authorize(token); err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return nil, ErrDestroyed
	}

	Write(self.data, path, value)
	self.registry.broadcastLocked(self.id, &UpdateAction{
		ReplicaId: self.id,
		Path:      path,
		Value:     value,
	})
	return value, nil
}

// inserts `value` into the array at `path`.
// index < 0 appends. returns the resolved index.
func (self *Replica) ArrayInsert(token *WriteToken, path Path, value any, index int) (int, error) {
	if err := self.authorize(token); err != nil {
		return 0, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return 0, ErrDestroyed
	}

	current, ok := Read(self.data, path)
	if !ok {
		return 0, ErrInvalidPath
	}
	s, ok := current.([]any)
	if !ok {
		return 0, ErrInvalidPath
	}
	if index < 0 {
		index = len(s)
	} else if len(s) < index {
		return 0, ErrIndexOutOfRange
	}
	s = slices.Insert(s, index, value)
	Write(self.data, path, s)

	self.registry.broadcastLocked(self.id, &ArrayInsertAction{
		ReplicaId: self.id,
		Path:      path,
		Index:     index,
		Value:     value,
	})
	return index, nil
}

// removes and returns the element at `index` of the array at `path`
func (self *Replica) ArrayRemove(token *WriteToken, path Path, index int) (any, error) {
	if err := self.authorize(token); err != nil {
		return nil, err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return nil, ErrDestroyed
	}

	current, ok := Read(self.data, path)
	if !ok {
		return nil, ErrInvalidPath
	}
	s, ok := current.([]any)
	if !ok {
		return nil, ErrInvalidPath
	}
	if index < 0 || len(s) <= index {
		return nil, ErrIndexOutOfRange
	}
	removed := s[index]
	s = slices.Delete(s, index, index+1)
	Write(self.data, path, s)

	self.registry.broadcastLocked(self.id, &ArrayRemoveAction{
		ReplicaId: self.id,
		Path:      path,
		Index:     index,
	})
	return removed, nil
}

// changes the parent. a nil parent detaches.
// linking to self or a descendant fails with ErrCycle.
func (self *Replica) SetParent(token *WriteToken, parent *Replica) error {
	if err := self.authorize(token); err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return ErrDestroyed
	}
	if parent != nil {
		if parent.destroyed {
			return ErrDestroyed
		}
		for ancestor := parent; ancestor != nil; ancestor = ancestor.parent {
			if ancestor == self {
				return ErrCycle
			}
		}
	}

	if self.parent != nil {
		self.parent.removeChildLocked(self)
	}
	self.parent = parent
	parentId := ""
	if parent != nil {
		parent.addChildLocked(self)
		parentId = parent.id
	}
	self.parentId = parentId

	self.registry.broadcastLocked(self.id, &SetParentAction{
		ReplicaId: self.id,
		ParentId:  parentId,
	})
	return nil
}

// destroys the replica and every descendant, children before parents.
// each destruction is announced to its current subscribers and the
// replica is removed from all registry indices.
func (self *Replica) Destroy(token *WriteToken) error {
	if err := self.authorize(token); err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.destroyed {
		return ErrDestroyed
	}
	self.destroyLocked()
	return nil
}

func (self *Replica) destroyLocked() {
	children := slices.Clone(self.children)
	for _, child := range children {
		child.destroyLocked()
	}
	self.children = []*Replica{}

	if self.parent != nil {
		self.parent.removeChildLocked(self)
		self.parent = nil
	}
	self.parentId = ""
	self.destroyed = true

	self.registry.removeReplicaLocked(self)
}

func (self *Replica) addChildLocked(child *Replica) {
	if slices.Index(self.children, child) < 0 {
		self.children = append(self.children, child)
	}
}

func (self *Replica) removeChildLocked(child *Replica) {
	if i := slices.Index(self.children, child); 0 <= i {
		self.children = slices.Delete(self.children, i, i+1)
	}
}

// client-side subscription surface.
// path-scoped callbacks fire for every prefix of a mutated path,
// shortest prefix first, before the per-category listeners,
// which fire before the generic change callbacks.
// each registration returns a remove function.

func (self *Replica) OnPathChange(path Path, callback ChangeFunction) func() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	pathStr := path.String()
	list, ok := self.pathChangeCallbacks[pathStr]
	if !ok {
		list = NewCallbackList[ChangeFunction]()
		self.pathChangeCallbacks[pathStr] = list
	}
	return list.Add(callback)
}

func (self *Replica) OnUpdate(callback UpdateFunction) func() {
	return self.updateCallbacks.Add(callback)
}

func (self *Replica) OnArrayChange(callback ArrayChangeFunction) func() {
	return self.arrayChangeCallbacks.Add(callback)
}

func (self *Replica) OnParentChange(callback ParentChangeFunction) func() {
	return self.parentChangeCallbacks.Add(callback)
}

func (self *Replica) OnChange(callback func()) func() {
	return self.changeCallbacks.Add(callback)
}

// client appliers. the caller holds the state lock and runs the returned
// notifiers, in order, after releasing it.

func (self *Replica) applyUpdate(path Path, value any) []func() {
	Write(self.data, path, value)

	notifiers := self.pathChangeNotifiersLocked(path)
	for _, callback := range self.updateCallbacks.Get() {
		callback := callback
		notifiers = append(notifiers, func() {
			safeCall(func() {
				callback(path, value)
			})
		})
	}
	return append(notifiers, self.changeNotifiersLocked()...)
}

func (self *Replica) applyArrayInsert(path Path, index int, value any) []func() {
	current, _ := Read(self.data, path)
	s, _ := current.([]any)
	if index < 0 || len(s) < index {
		// tolerate a diverged index rather than fail the stream
		glog.V(1).Infof("[replica]%s array insert index out of range %s[%d]\n", self.id, path, index)
		index = len(s)
	}
	s = slices.Insert(s, index, value)
	Write(self.data, path, s)

	notifiers := self.pathChangeNotifiersLocked(path)
	for _, callback := range self.arrayChangeCallbacks.Get() {
		callback := callback
		index := index
		notifiers = append(notifiers, func() {
			safeCall(func() {
				callback(ArrayOpInsert, path, index, value)
			})
		})
	}
	return append(notifiers, self.changeNotifiersLocked()...)
}

func (self *Replica) applyArrayRemove(path Path, index int) []func() {
	current, _ := Read(self.data, path)
	s, ok := current.([]any)
	if !ok || index < 0 || len(s) <= index {
		glog.V(1).Infof("[replica]%s array remove index out of range %s[%d]\n", self.id, path, index)
		return nil
	}
	removed := s[index]
	s = slices.Delete(s, index, index+1)
	Write(self.data, path, s)

	notifiers := self.pathChangeNotifiersLocked(path)
	for _, callback := range self.arrayChangeCallbacks.Get() {
		callback := callback
		notifiers = append(notifiers, func() {
			safeCall(func() {
				callback(ArrayOpRemove, path, index, removed)
			})
		})
	}
	return append(notifiers, self.changeNotifiersLocked()...)
}

// `parent` is the resolved parent, nil while the parent id is unknown
func (self *Replica) applySetParent(parentId string, parent *Replica) []func() {
	if self.parent != nil {
		self.parent.removeChildLocked(self)
	}
	self.parentId = parentId
	self.parent = parent
	if parent != nil {
		parent.addChildLocked(self)
	}

	notifiers := []func(){}
	for _, callback := range self.parentChangeCallbacks.Get() {
		callback := callback
		notifiers = append(notifiers, func() {
			safeCall(func() {
				callback(parent)
			})
		})
	}
	return append(notifiers, self.changeNotifiersLocked()...)
}

func (self *Replica) pathChangeNotifiersLocked(path Path) []func() {
	notifiers := []func(){}
	for i := 1; i <= len(path); i += 1 {
		prefix := path[:i]
		list, ok := self.pathChangeCallbacks[prefix.String()]
		if !ok {
			continue
		}
		// the value at the prefix after the write
		value, _ := Read(self.data, prefix)
		for _, callback := range list.Get() {
			callback := callback
			value := value
			notifiers = append(notifiers, func() {
				safeCall(func() {
					callback(value)
				})
			})
		}
	}
	return notifiers
}

func (self *Replica) changeNotifiersLocked() []func() {
	notifiers := []func(){}
	for _, callback := range self.changeCallbacks.Get() {
		callback := callback
		notifiers = append(notifiers, func() {
			safeCall(callback)
		})
	}
	return notifiers
}
