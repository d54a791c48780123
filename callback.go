package replica

import (
	"sync"

	"github.com/golang/glog"
)

// note all callbacks are wrapped to recover from errors,
// so that one failing callback does not break the dispatch loop

type Monitor struct {
	mutex  sync.Mutex
	update chan struct{}
}

func NewMonitor() *Monitor {
	return &Monitor{
		update: make(chan struct{}),
	}
}

func (self *Monitor) NotifyChannel() chan struct{} {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.update
}

func (self *Monitor) NotifyAll() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	close(self.update)
	self.update = make(chan struct{})
}

// makes a copy of the list on update, so that get is stable during dispatch.
// callbacks are invoked in registration order.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	callbackIds    []int
	callbacks      map[int]T
	nextCallbackId int
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbackIds: []int{},
		callbacks:   map[int]T{},
	}
}

// returns a function to remove the callback
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	self.callbackIds = append(self.callbackIds, callbackId)
	self.callbacks[callbackId] = callback
	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for i, currentCallbackId := range self.callbackIds {
		if currentCallbackId == callbackId {
			nextCallbackIds := make([]int, 0, len(self.callbackIds)-1)
			nextCallbackIds = append(nextCallbackIds, self.callbackIds[:i]...)
			nextCallbackIds = append(nextCallbackIds, self.callbackIds[i+1:]...)
			self.callbackIds = nextCallbackIds
			delete(self.callbacks, callbackId)
			return
		}
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbacks := make([]T, 0, len(self.callbackIds))
	for _, callbackId := range self.callbackIds {
		callbacks = append(callbacks, self.callbacks[callbackId])
	}
	return callbacks
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.callbackIds)
}

func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("[cb]callback error = %s\n", r)
		}
	}()
	fn()
}
