package replica

import (
	"context"
	"sync"

	"github.com/golang/glog"
)

// the transport contract. messages sent to a destination arrive in the
// order sent. delivery is best effort. handoff never blocks the caller:
// a send that cannot be buffered is dropped and reported as false.

type ReceiveFunction func(source Id, frameBytes []byte)
type ClientReceiveFunction func(frameBytes []byte)

type Sender interface {
	Send(destination Id, frameBytes []byte) bool
}

type Receiver interface {
	AddReceiveCallback(callback ReceiveFunction) func()
}

// reports destinations whose session ended
type DisconnectNotifier interface {
	AddDisconnectCallback(callback func(destination Id)) func()
}

type ServerTransport interface {
	Sender
	Receiver
}

// a client's sends are always addressed to the server
type ClientTransport interface {
	Send(frameBytes []byte) bool
	AddReceiveCallback(callback ClientReceiveFunction) func()
}

// reports (re)connection of the underlying session
type ConnectNotifier interface {
	AddConnectCallback(callback func()) func()
}

type LoopbackSettings struct {
	BufferSize int
}

func DefaultLoopbackSettings() *LoopbackSettings {
	return &LoopbackSettings{
		BufferSize: 1024,
	}
}

type loopbackFrame struct {
	source     Id
	frameBytes []byte
}

// in-process transport for tests and hosts that run the server and clients
// in one process. per-destination fifo delivery on a single dispatch
// goroutine per endpoint, which preserves the ordered, sequential
// application contract.
type Loopback struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *LoopbackSettings

	receiveCallbacks    *CallbackList[ReceiveFunction]
	disconnectCallbacks *CallbackList[func(Id)]

	serverReceive chan *loopbackFrame

	stateLock sync.Mutex
	clients   map[Id]*LoopbackClient
}

func NewLoopbackWithDefaults(ctx context.Context) *Loopback {
	return NewLoopback(ctx, DefaultLoopbackSettings())
}

func NewLoopback(ctx context.Context, settings *LoopbackSettings) *Loopback {
	cancelCtx, cancel := context.WithCancel(ctx)
	loopback := &Loopback{
		ctx:                 cancelCtx,
		cancel:              cancel,
		settings:            settings,
		receiveCallbacks:    NewCallbackList[ReceiveFunction](),
		disconnectCallbacks: NewCallbackList[func(Id)](),
		serverReceive:       make(chan *loopbackFrame, settings.BufferSize),
		clients:             map[Id]*LoopbackClient{},
	}
	go loopback.run()
	return loopback
}

func (self *Loopback) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case frame := <-self.serverReceive:
			for _, callback := range self.receiveCallbacks.Get() {
				callback := callback
				safeCall(func() {
					callback(frame.source, frame.frameBytes)
				})
			}
		}
	}
}

// Sender
func (self *Loopback) Send(destination Id, frameBytes []byte) bool {
	self.stateLock.Lock()
	client, ok := self.clients[destination]
	self.stateLock.Unlock()
	if !ok {
		return false
	}

	select {
	case client.receive <- frameBytes:
		return true
	default:
		glog.Infof("[lb]drop ->%s\n", destination)
		return false
	}
}

// Receiver
func (self *Loopback) AddReceiveCallback(callback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

// DisconnectNotifier
func (self *Loopback) AddDisconnectCallback(callback func(destination Id)) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *Loopback) Connect(clientId Id) *LoopbackClient {
	cancelCtx, cancel := context.WithCancel(self.ctx)
	client := &LoopbackClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		loopback:         self,
		clientId:         clientId,
		receiveCallbacks: NewCallbackList[ClientReceiveFunction](),
		receive:          make(chan []byte, self.settings.BufferSize),
	}

	self.stateLock.Lock()
	self.clients[clientId] = client
	self.stateLock.Unlock()

	go client.run()
	return client
}

func (self *Loopback) removeClient(client *LoopbackClient) {
	self.stateLock.Lock()
	removed := self.clients[client.clientId] == client
	if removed {
		delete(self.clients, client.clientId)
	}
	self.stateLock.Unlock()

	if removed {
		for _, callback := range self.disconnectCallbacks.Get() {
			callback := callback
			safeCall(func() {
				callback(client.clientId)
			})
		}
	}
}

func (self *Loopback) Close() {
	self.cancel()
}

type LoopbackClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	loopback *Loopback
	clientId Id

	receiveCallbacks *CallbackList[ClientReceiveFunction]

	receive chan []byte
}

func (self *LoopbackClient) ClientId() Id {
	return self.clientId
}

func (self *LoopbackClient) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case frameBytes := <-self.receive:
			for _, callback := range self.receiveCallbacks.Get() {
				callback := callback
				safeCall(func() {
					callback(frameBytes)
				})
			}
		}
	}
}

// ClientTransport
func (self *LoopbackClient) Send(frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.loopback.serverReceive <- &loopbackFrame{
		source:     self.clientId,
		frameBytes: frameBytes,
	}:
		return true
	default:
		glog.Infof("[lb]drop %s->\n", self.clientId)
		return false
	}
}

// ClientTransport
func (self *LoopbackClient) AddReceiveCallback(callback ClientReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *LoopbackClient) Close() {
	self.cancel()
	self.loopback.removeClient(self)
}
