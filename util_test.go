package replica

import (
	"sync"
	"time"
)

type sentFrame struct {
	destination Id
	action      any
}

// records sent actions for assertions. conforms to `Sender`.
type recordingSender struct {
	mutex  sync.Mutex
	frames []*sentFrame
}

func newRecordingSender() *recordingSender {
	return &recordingSender{
		frames: []*sentFrame{},
	}
}

func (self *recordingSender) Send(destination Id, frameBytes []byte) bool {
	action, err := DecodeFrame(frameBytes)
	if err != nil {
		panic(err)
	}
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.frames = append(self.frames, &sentFrame{
		destination: destination,
		action:      action,
	})
	return true
}

func (self *recordingSender) Frames() []*sentFrame {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	frames := make([]*sentFrame, len(self.frames))
	copy(frames, self.frames)
	return frames
}

func (self *recordingSender) ActionsTo(destination Id) []any {
	actions := []any{}
	for _, frame := range self.Frames() {
		if frame.destination == destination {
			actions = append(actions, frame.action)
		}
	}
	return actions
}

func (self *recordingSender) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.frames = []*sentFrame{}
}

// polls until the condition holds or the timeout elapses
func eventually(timeout time.Duration, condition func() bool) bool {
	endTime := time.Now().Add(timeout)
	for {
		if condition() {
			return true
		}
		if endTime.Before(time.Now()) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}
