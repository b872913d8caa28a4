package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/gorilla/websocket"

	"golang.org/x/exp/maps"
)

const channelSendBufferSize = 32

// the session credential was rejected. one token refresh + reconnect is
// attempted; a second consecutive rejection is fatal for the client.
var ErrAuthFailed = errors.New("channel authentication failed")

type ChannelClientSettings struct {
	WsHandshakeTimeout  time.Duration
	AuthTimeout         time.Duration
	ReconnectMinTimeout time.Duration
	ReconnectMaxTimeout time.Duration
	PingTimeout         time.Duration
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	AppVersion          string
}

func DefaultChannelClientSettings() *ChannelClientSettings {
	return &ChannelClientSettings{
		WsHandshakeTimeout:  2 * time.Second,
		AuthTimeout:         2 * time.Second,
		ReconnectMinTimeout: 1 * time.Second,
		ReconnectMaxTimeout: 30 * time.Second,
		PingTimeout:         5 * time.Second,
		WriteTimeout:        5 * time.Second,
		ReadTimeout:         15 * time.Second,
	}
}

type EventFunction = func(event Event)
type StatusFunction = func(status ConnectionStatus)

// fired after a connection resume. events pushed while disconnected are
// lost, so every dependent must treat this as a potential gap and
// re-baseline its scope.
type GapFunction = func()

// channel-level control messages share the event envelope but never
// reach the reducer
const (
	channelMessageAuth      EventType = "auth"
	channelMessageAuthOk    EventType = "auth.ok"
	channelMessageAuthError EventType = "auth.error"
	channelMessageTopicJoin EventType = "topic.join"
	channelMessageTopicLeave EventType = "topic.leave"
)

type channelAuthPayload struct {
	Token      string `json:"token"`
	AppVersion string `json:"app_version,omitempty"`
}

type channelTopicPayload struct {
	TopicId Id `json:"topic_id"`
}

type channelErrorPayload struct {
	Message string `json:"message"`
}

// maintains one authenticated, resumable logical connection to the push
// channel and fans decoded events out to registered handlers.
type ChannelClient struct {
	ctx    context.Context
	cancel context.CancelFunc

	channelUrl    string
	tokenProvider TokenProvider

	settings *ChannelClientSettings

	stateLock sync.Mutex
	// topic id -> subscriber count. the join control message is sent on
	// 0->1 and the leave on 1->0, so joins are idempotent per topic.
	topics        map[Id]int
	status        ConnectionStatus
	statusMonitor *Monitor
	fatalErr      error

	send chan []byte

	eventCallbacks    map[EventType]*CallbackList[EventFunction]
	allEventCallbacks *CallbackList[EventFunction]
	statusCallbacks   *CallbackList[StatusFunction]
	gapCallbacks      *CallbackList[GapFunction]
}

func NewChannelClientWithDefaults(ctx context.Context, channelUrl string, tokenProvider TokenProvider) *ChannelClient {
	return NewChannelClient(ctx, channelUrl, tokenProvider, DefaultChannelClientSettings())
}

func NewChannelClient(
	ctx context.Context,
	channelUrl string,
	tokenProvider TokenProvider,
	settings *ChannelClientSettings,
) *ChannelClient {
	cancelCtx, cancel := context.WithCancel(ctx)
	client := &ChannelClient{
		ctx:               cancelCtx,
		cancel:            cancel,
		channelUrl:        channelUrl,
		tokenProvider:     tokenProvider,
		settings:          settings,
		topics:            map[Id]int{},
		status:            ConnectionStatusDisconnected,
		statusMonitor:     NewMonitor(),
		send:              make(chan []byte, channelSendBufferSize),
		eventCallbacks:    map[EventType]*CallbackList[EventFunction]{},
		allEventCallbacks: NewCallbackList[EventFunction](),
		statusCallbacks:   NewCallbackList[StatusFunction](),
		gapCallbacks:      NewCallbackList[GapFunction](),
	}
	go client.run()
	return client
}

// registers a handler for one event type. handlers for a type are
// invoked in registration order. returns the unsubscribe.
func (self *ChannelClient) On(eventType EventType, eventCallback EventFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.eventCallbacks[eventType]
	if !ok {
		callbacks = NewCallbackList[EventFunction]()
		self.eventCallbacks[eventType] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(eventCallback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *ChannelClient) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.allEventCallbacks.Add(eventCallback)
	return func() {
		self.allEventCallbacks.Remove(callbackId)
	}
}

func (self *ChannelClient) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *ChannelClient) AddGapCallback(gapCallback GapFunction) func() {
	callbackId := self.gapCallbacks.Add(gapCallback)
	return func() {
		self.gapCallbacks.Remove(callbackId)
	}
}

func (self *ChannelClient) Status() ConnectionStatus {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.status
}

// non-nil after an unrecoverable authentication failure
func (self *ChannelClient) FatalError() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.fatalErr
}

// declares interest in a topic. reference counted per topic so that
// overlapping consumers share one subscription; joining an
// already-joined topic sends nothing.
func (self *ChannelClient) JoinTopic(topicId Id) {
	self.stateLock.Lock()
	self.topics[topicId] += 1
	first := self.topics[topicId] == 1
	self.stateLock.Unlock()

	if first {
		self.sendControl(channelMessageTopicJoin, &channelTopicPayload{TopicId: topicId})
	}
}

func (self *ChannelClient) LeaveTopic(topicId Id) {
	self.stateLock.Lock()
	count, ok := self.topics[topicId]
	if !ok {
		self.stateLock.Unlock()
		return
	}
	count -= 1
	last := count <= 0
	if last {
		delete(self.topics, topicId)
	} else {
		self.topics[topicId] = count
	}
	self.stateLock.Unlock()

	if last {
		self.sendControl(channelMessageTopicLeave, &channelTopicPayload{TopicId: topicId})
	}
}

func (self *ChannelClient) Topics() []Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Keys(self.topics)
}

// advisory client-originated event, e.g. typing. best effort; dropped
// when the send buffer is full.
func (self *ChannelClient) SendEvent(event Event) bool {
	message, err := EncodeEvent(event)
	if err != nil {
		return false
	}
	select {
	case self.send <- message:
		return true
	default:
		glog.V(1).Infof("[ch]drop outbound %s, send buffer full\n", event.Type())
		return false
	}
}

func (self *ChannelClient) sendControl(messageType EventType, payload any) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return
	}
	message, err := json.Marshal(&eventEnvelope{
		Type:    messageType,
		Payload: payloadBytes,
	})
	if err != nil {
		return
	}
	select {
	case self.send <- message:
	default:
		// the full topic set is replayed on reconnect
		glog.V(1).Infof("[ch]drop control %s, send buffer full\n", messageType)
	}
}

func (self *ChannelClient) Close() {
	self.cancel()
}

func (self *ChannelClient) setStatus(status ConnectionStatus) {
	self.stateLock.Lock()
	changed := self.status != status
	self.status = status
	self.stateLock.Unlock()

	if changed {
		for _, statusCallback := range self.statusCallbacks.Get() {
			statusCallback(status)
		}
		self.statusMonitor.NotifyAll()
	}
}

// blocks until the status satisfies the predicate, the given context
// ends, or the client closes
func (self *ChannelClient) AwaitStatus(ctx context.Context, predicate func(status ConnectionStatus) bool) error {
	for {
		notify := self.statusMonitor.NotifyChannel()
		if predicate(self.Status()) {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		case <-self.ctx.Done():
			return context.Canceled
		}
	}
}

func (self *ChannelClient) run() {
	defer func() {
		self.cancel()
		self.setStatus(ConnectionStatusDisconnected)
	}()

	authFailures := 0
	connectedOnce := false
	reconnect := NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		ws, err := self.connect()
		if err != nil {
			if errors.Is(err, ErrAuthFailed) {
				authFailures += 1
				if 2 <= authFailures {
					// a fresh credential was already rejected once. do not loop.
					glog.Infof("[ch]fatal auth error = %s\n", err)
					self.stateLock.Lock()
					self.fatalErr = err
					self.stateLock.Unlock()
					return
				}
				// retry immediately with a refreshed credential
				glog.Infof("[ch]auth rejected, refreshing credential\n")
				continue
			}

			glog.Infof("[ch]connect error = %s\n", err)
			self.setStatus(ConnectionStatusDegraded)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				reconnect.Next()
				continue
			}
		}

		authFailures = 0
		reconnect = NewReconnect(self.settings.ReconnectMinTimeout, self.settings.ReconnectMaxTimeout)

		if connectedOnce {
			// controls queued against the dead connection are stale. the
			// replayed topic set supersedes them on the new connection.
			self.drainSend()
			self.rejoinTopics()
		}
		self.setStatus(ConnectionStatusConnected)

		if connectedOnce {
			// events pushed while disconnected were lost
			for _, gapCallback := range self.gapCallbacks.Get() {
				gapCallback()
			}
		}
		connectedOnce = true

		self.handle(ws)

		self.setStatus(ConnectionStatusDegraded)
	}
}

// dial + authentication handshake. the handshake sends the bearer token
// in an auth message and waits for the auth result before any events flow.
func (self *ChannelClient) connect() (*websocket.Conn, error) {
	token, err := self.tokenProvider()
	if err != nil {
		return nil, err
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, response, err := dialer.DialContext(self.ctx, self.channelUrl, nil)
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %d", ErrAuthFailed, response.StatusCode)
		}
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			ws.Close()
		}
	}()

	authPayload, err := json.Marshal(&channelAuthPayload{
		Token:      token,
		AppVersion: self.settings.AppVersion,
	})
	if err != nil {
		return nil, err
	}
	authMessage, err := json.Marshal(&eventEnvelope{
		Type:    channelMessageAuth,
		Payload: authPayload,
	})
	if err != nil {
		return nil, err
	}

	ws.SetWriteDeadline(time.Now().Add(self.settings.AuthTimeout))
	if err := ws.WriteMessage(websocket.TextMessage, authMessage); err != nil {
		return nil, err
	}

	ws.SetReadDeadline(time.Now().Add(self.settings.AuthTimeout))
	_, message, err := ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var envelope eventEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		return nil, fmt.Errorf("auth response error: %s", err)
	}
	switch envelope.Type {
	case channelMessageAuthOk:
	case channelMessageAuthError:
		var errorPayload channelErrorPayload
		json.Unmarshal(envelope.Payload, &errorPayload)
		return nil, fmt.Errorf("%w: %s", ErrAuthFailed, errorPayload.Message)
	default:
		return nil, fmt.Errorf("auth response error: unexpected %s", envelope.Type)
	}

	success = true
	return ws, nil
}

func (self *ChannelClient) drainSend() {
	for {
		select {
		case <-self.send:
		default:
			return
		}
	}
}

func (self *ChannelClient) rejoinTopics() {
	for _, topicId := range self.Topics() {
		self.sendControl(channelMessageTopicJoin, &channelTopicPayload{TopicId: topicId})
	}
}

// read and write pumps for one connection. returns when the connection
// is lost or the client closes.
func (self *ChannelClient) handle(ws *websocket.Conn) {
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
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[ch]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[ch]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, make([]byte, 0)); err != nil {
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
			glog.Infof("[ch]<- error = %s\n", err)
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			if len(message) == 0 {
				// ping
				glog.V(2).Infof("[ch]ping<-\n")
				continue
			}
			self.receive(message)
		default:
		}
	}
}

// ingress for one wire message. channel-level control messages are
// handled here; everything else must decode into a typed event or it is
// logged and dropped.
func (self *ChannelClient) receive(message []byte) {
	var envelope eventEnvelope
	if err := json.Unmarshal(message, &envelope); err != nil {
		glog.V(1).Infof("[ch]drop undecodable message = %s\n", err)
		return
	}
	if strings.HasPrefix(string(envelope.Type), "auth.") || strings.HasPrefix(string(envelope.Type), "topic.") {
		glog.V(2).Infof("[ch]control %s<-\n", envelope.Type)
		return
	}

	event, err := DecodeEvent(message)
	if err != nil {
		glog.V(1).Infof("[ch]drop malformed event = %s\n", err)
		return
	}

	self.dispatch(event)
}

func (self *ChannelClient) dispatch(event Event) {
	self.stateLock.Lock()
	callbacks := self.eventCallbacks[event.Type()]
	self.stateLock.Unlock()

	if callbacks != nil {
		for _, eventCallback := range callbacks.Get() {
			eventCallback(event)
		}
	}
	for _, eventCallback := range self.allEventCallbacks.Get() {
		eventCallback(event)
	}
}
