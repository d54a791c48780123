package replica

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/golang/glog"
)

// websocket transport. the first client message is the auth jwt, which the
// server echoes back on success. an empty message is a ping. frames are
// delivered in order per connection.

type WsServerSettings struct {
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	SendBufferSize   int
}

func DefaultWsServerSettings() *WsServerSettings {
	return &WsServerSettings{
		HandshakeTimeout: 2 * time.Second,
		AuthTimeout:      2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      1 * time.Second,
		SendBufferSize:   1024,
	}
}

type wsConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	clientId Id
	send     chan []byte
}

// conforms to `ServerTransport` and `DisconnectNotifier`.
// serves one websocket endpoint. one connection per destination.
// a new connection for the same destination replaces the old one.
type WsServer struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *WsServerSettings

	upgrader *websocket.Upgrader

	receiveCallbacks    *CallbackList[ReceiveFunction]
	connectCallbacks    *CallbackList[func(destination Id)]
	disconnectCallbacks *CallbackList[func(destination Id)]

	stateLock sync.Mutex
	conns     map[Id]*wsConn
}

func NewWsServerWithDefaults(ctx context.Context) *WsServer {
	return NewWsServer(ctx, DefaultWsServerSettings())
}

func NewWsServer(ctx context.Context, settings *WsServerSettings) *WsServer {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &WsServer{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: settings.HandshakeTimeout,
		},
		receiveCallbacks:    NewCallbackList[ReceiveFunction](),
		connectCallbacks:    NewCallbackList[func(Id)](),
		disconnectCallbacks: NewCallbackList[func(Id)](),
		conns:               map[Id]*wsConn{},
	}
}

func (self *WsServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[ws]upgrade error = %s\n", err)
		return
	}
	go self.handle(ws)
}

func (self *WsServer) handle(ws *websocket.Conn) {
	defer ws.Close()

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	messageType, authBytes, err := ws.ReadMessage()
	if err != nil {
		glog.Infof("[ws]auth error = %s\n", err)
		return
	}
	switch messageType {
	case websocket.BinaryMessage, websocket.TextMessage:
	default:
		glog.Infof("[ws]auth error: bad message type\n")
		return
	}
	clientId, err := ParseClientJwt(string(authBytes))
	if err != nil {
		glog.Infof("[ws]auth error = %s\n", err)
		return
	}
	// echo the auth
	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
		glog.Infof("[ws]auth echo error %s = %s\n", clientId, err)
		return
	}

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	conn := &wsConn{
		ctx:      handleCtx,
		cancel:   handleCancel,
		clientId: clientId,
		send:     make(chan []byte, self.settings.SendBufferSize),
	}

	self.stateLock.Lock()
	if previous, ok := self.conns[clientId]; ok {
		previous.cancel()
	}
	self.conns[clientId] = conn
	self.stateLock.Unlock()

	for _, callback := range self.connectCallbacks.Get() {
		callback := callback
		safeCall(func() {
			callback(clientId)
		})
	}

	defer func() {
		self.stateLock.Lock()
		removed := self.conns[clientId] == conn
		if removed {
			delete(self.conns, clientId)
		}
		self.stateLock.Unlock()

		if removed {
			for _, callback := range self.disconnectCallbacks.Get() {
				callback := callback
				safeCall(func() {
					callback(clientId)
				})
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-conn.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
					glog.Infof("[ws]%s-> error = %s\n", clientId, err)
					return
				}
				glog.V(2).Infof("[ws]%s->\n", clientId)
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
					return
				}
			}
		}
	}()

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[ws]%s<- error = %s\n", clientId, err)
			return
		}

		switch messageType {
		case websocket.BinaryMessage, websocket.TextMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ws]ping %s<-\n", clientId)
				continue
			}
			for _, callback := range self.receiveCallbacks.Get() {
				callback := callback
				safeCall(func() {
					callback(clientId, message)
				})
			}
		}
	}
}

// Sender
func (self *WsServer) Send(destination Id, frameBytes []byte) bool {
	self.stateLock.Lock()
	conn, ok := self.conns[destination]
	self.stateLock.Unlock()
	if !ok {
		return false
	}

	select {
	case conn.send <- frameBytes:
		return true
	default:
		glog.Infof("[ws]drop ->%s\n", destination)
		return false
	}
}

// Receiver
func (self *WsServer) AddReceiveCallback(callback ReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

func (self *WsServer) AddConnectCallback(callback func(destination Id)) func() {
	return self.connectCallbacks.Add(callback)
}

// DisconnectNotifier
func (self *WsServer) AddDisconnectCallback(callback func(destination Id)) func() {
	return self.disconnectCallbacks.Add(callback)
}

func (self *WsServer) Close() {
	self.cancel()
}

type WsClientSettings struct {
	HandshakeTimeout time.Duration
	AuthTimeout      time.Duration
	ReconnectTimeout time.Duration
	WriteTimeout     time.Duration
	ReadTimeout      time.Duration
	PingTimeout      time.Duration
	SendBufferSize   int
}

func DefaultWsClientSettings() *WsClientSettings {
	return &WsClientSettings{
		HandshakeTimeout: 2 * time.Second,
		AuthTimeout:      2 * time.Second,
		ReconnectTimeout: 5 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingTimeout:      1 * time.Second,
		SendBufferSize:   1024,
	}
}

// conforms to `ClientTransport` and `ConnectNotifier`.
// reconnects with a fixed backoff until closed.
type WsClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	url  string
	auth *ClientAuth

	settings *WsClientSettings

	send chan []byte

	receiveCallbacks *CallbackList[ClientReceiveFunction]
	connectCallbacks *CallbackList[func()]
}

func NewWsClientWithDefaults(ctx context.Context, url string, auth *ClientAuth) *WsClient {
	return NewWsClient(ctx, url, auth, DefaultWsClientSettings())
}

func NewWsClient(ctx context.Context, url string, auth *ClientAuth, settings *WsClientSettings) *WsClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &WsClient{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		auth:             auth,
		settings:         settings,
		send:             make(chan []byte, settings.SendBufferSize),
		receiveCallbacks: NewCallbackList[ClientReceiveFunction](),
		connectCallbacks: NewCallbackList[func()](),
	}
	go client.run()
	return client
}

func (self *WsClient) run() {
	defer self.cancel()

	clientId, _ := self.auth.ClientId()
	authBytes := []byte(self.auth.ByJwt)

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.HandshakeTimeout,
	}

	for {
		connect := func() (*websocket.Conn, error) {
			ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
			if err := ws.WriteMessage(websocket.BinaryMessage, authBytes); err != nil {
				return nil, err
			}
			ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
			if messageType, message, err := ws.ReadMessage(); err != nil {
				return nil, err
			} else {
				// verify the auth echo
				switch messageType {
				case websocket.BinaryMessage, websocket.TextMessage:
					if !bytes.Equal(authBytes, message) {
						return nil, errBadAuthEcho
					}
				default:
					return nil, errBadAuthEcho
				}
			}

			success = true
			return ws, nil
		}

		ws, err := connect()
		if err != nil {
			glog.Infof("[wsc]auth error %s = %s\n", clientId, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(self.settings.ReconnectTimeout):
				continue
			}
		}

		for _, callback := range self.connectCallbacks.Get() {
			callback := callback
			safeCall(callback)
		}

		c := func() {
			defer ws.Close()

			handleCtx, handleCancel := context.WithCancel(self.ctx)
			defer handleCancel()

			go func() {
				defer handleCancel()

				for {
					select {
					case <-handleCtx.Done():
						return
					case message, ok := <-self.send:
						if !ok {
							return
						}
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
							glog.Infof("[wsc]%s-> error = %s\n", clientId, err)
							return
						}
						glog.V(2).Infof("[wsc]%s->\n", clientId)
					case <-time.After(self.settings.PingTimeout):
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.BinaryMessage, make([]byte, 0)); err != nil {
							return
						}
					}
				}
			}()

			for {
				select {
				case <-handleCtx.Done():
					return
				default:
				}

				ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
				messageType, message, err := ws.ReadMessage()
				if err != nil {
					glog.Infof("[wsc]%s<- error = %s\n", clientId, err)
					return
				}

				switch messageType {
				case websocket.BinaryMessage, websocket.TextMessage:
					if len(message) == 0 {
						// ping
						continue
					}
					for _, callback := range self.receiveCallbacks.Get() {
						callback := callback
						safeCall(func() {
							callback(message)
						})
					}
				}
			}
		}
		c()

		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.ReconnectTimeout):
		}
	}
}

// ClientTransport
func (self *WsClient) Send(frameBytes []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	default:
	}
	select {
	case self.send <- frameBytes:
		return true
	default:
		glog.Infof("[wsc]drop ->\n")
		return false
	}
}

// ClientTransport
func (self *WsClient) AddReceiveCallback(callback ClientReceiveFunction) func() {
	return self.receiveCallbacks.Add(callback)
}

// ConnectNotifier
func (self *WsClient) AddConnectCallback(callback func()) func() {
	return self.connectCallbacks.Add(callback)
}

func (self *WsClient) Close() {
	self.cancel()
}
