package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	callback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return callback, c
}

// a mutation the server refused for business reasons, e.g. the game is
// full or registration has not opened. never retried automatically.
type MutationError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (self *MutationError) Error() string {
	return self.Message
}

type PitchsideApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	tokenProvider TokenProvider
}

func NewPitchsideApi(apiUrl string, tokenProvider TokenProvider) *PitchsideApi {
	return NewPitchsideApiWithContext(context.Background(), apiUrl, tokenProvider)
}

func NewPitchsideApiWithContext(ctx context.Context, apiUrl string, tokenProvider TokenProvider) *PitchsideApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &PitchsideApi{
		ctx:           cancelCtx,
		cancel:        cancel,
		apiUrl:        apiUrl,
		tokenProvider: tokenProvider,
	}
}

func (self *PitchsideApi) Close() {
	self.cancel()
}

type GamesCallback apiCallback[*GamesResult]

type GamesResult struct {
	Games []*Game `json:"games"`
}

// snapshot of the games visible for one projection scope. either or
// both of date and city narrow the query.
func (self *PitchsideApi) Games(date string, city string, callback GamesCallback) {
	go self.GamesSync(date, city, callback)
}

func (self *PitchsideApi) GamesSync(date string, city string, callback GamesCallback) (*GamesResult, error) {
	values := url.Values{}
	if date != "" {
		values.Set("date", date)
	}
	if city != "" {
		values.Set("city", city)
	}
	requestUrl := fmt.Sprintf("%s/games", self.apiUrl)
	if encoded := values.Encode(); encoded != "" {
		requestUrl = fmt.Sprintf("%s?%s", requestUrl, encoded)
	}
	if callback == nil {
		callback = NewNoopApiCallback[*GamesResult]()
	}
	return get(self.ctx, requestUrl, self.tokenProvider, &GamesResult{}, callback)
}

type GameCallback apiCallback[*GameResult]

type GameResult struct {
	Game *Game `json:"game"`
}

func (self *PitchsideApi) Game(gameId Id, callback GameCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/games/%s", self.apiUrl, gameId),
		self.tokenProvider,
		&GameResult{},
		callback,
	)
}

type JoinGameCallback apiCallback[*JoinGameResult]

type JoinGameArgs struct {
	GameId      Id     `json:"game_id"`
	ClientToken string `json:"client_token,omitempty"`
}

type JoinGameResult struct {
	Game       *Game          `json:"game,omitempty"`
	Waitlisted bool           `json:"waitlisted"`
	Error      *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) JoinGame(joinGame *JoinGameArgs, callback JoinGameCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/games/%s/join", self.apiUrl, joinGame.GameId),
		joinGame,
		self.tokenProvider,
		&JoinGameResult{},
		callback,
	)
}

func (self *PitchsideApi) JoinGameSync(joinGame *JoinGameArgs) (*JoinGameResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/games/%s/join", self.apiUrl, joinGame.GameId),
		joinGame,
		self.tokenProvider,
		&JoinGameResult{},
		NewNoopApiCallback[*JoinGameResult](),
	)
}

type LeaveGameCallback apiCallback[*LeaveGameResult]

type LeaveGameArgs struct {
	GameId      Id     `json:"game_id"`
	ClientToken string `json:"client_token,omitempty"`
}

type LeaveGameResult struct {
	Game  *Game          `json:"game,omitempty"`
	Error *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) LeaveGame(leaveGame *LeaveGameArgs, callback LeaveGameCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/games/%s/leave", self.apiUrl, leaveGame.GameId),
		leaveGame,
		self.tokenProvider,
		&LeaveGameResult{},
		callback,
	)
}

type SeriesListCallback apiCallback[*SeriesListResult]

type SeriesListResult struct {
	Series []*Series `json:"series"`
}

func (self *PitchsideApi) SeriesList(callback SeriesListCallback) {
	go self.SeriesListSync(callback)
}

func (self *PitchsideApi) SeriesListSync(callback SeriesListCallback) (*SeriesListResult, error) {
	if callback == nil {
		callback = NewNoopApiCallback[*SeriesListResult]()
	}
	return get(
		self.ctx,
		fmt.Sprintf("%s/series", self.apiUrl),
		self.tokenProvider,
		&SeriesListResult{},
		callback,
	)
}

type SubscribeSeriesCallback apiCallback[*SubscribeSeriesResult]

type SubscribeSeriesArgs struct {
	SeriesId    Id     `json:"series_id"`
	Subscribe   bool   `json:"subscribe"`
	ClientToken string `json:"client_token,omitempty"`
}

type SubscribeSeriesResult struct {
	Series *Series        `json:"series,omitempty"`
	Error  *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) SubscribeSeries(subscribeSeries *SubscribeSeriesArgs, callback SubscribeSeriesCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/series/%s/subscribe", self.apiUrl, subscribeSeries.SeriesId),
		subscribeSeries,
		self.tokenProvider,
		&SubscribeSeriesResult{},
		callback,
	)
}

type MessagesCallback apiCallback[*MessagesResult]

type MessagesResult struct {
	Messages []*ChatMessage `json:"messages"`
}

func (self *PitchsideApi) Messages(roomId Id, callback MessagesCallback) {
	go self.MessagesSync(roomId, callback)
}

func (self *PitchsideApi) MessagesSync(roomId Id, callback MessagesCallback) (*MessagesResult, error) {
	if callback == nil {
		callback = NewNoopApiCallback[*MessagesResult]()
	}
	return get(
		self.ctx,
		fmt.Sprintf("%s/rooms/%s/messages", self.apiUrl, roomId),
		self.tokenProvider,
		&MessagesResult{},
		callback,
	)
}

type SendMessageCallback apiCallback[*SendMessageResult]

type SendMessageArgs struct {
	RoomId      Id     `json:"room_id"`
	Text        string `json:"text"`
	ReplyToId   *Id    `json:"reply_to_id,omitempty"`
	ClientToken string `json:"client_token,omitempty"`
}

type SendMessageResult struct {
	Message *ChatMessage   `json:"message,omitempty"`
	Error   *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) SendMessage(sendMessage *SendMessageArgs, callback SendMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/rooms/%s/messages", self.apiUrl, sendMessage.RoomId),
		sendMessage,
		self.tokenProvider,
		&SendMessageResult{},
		callback,
	)
}

type EditMessageCallback apiCallback[*EditMessageResult]

type EditMessageArgs struct {
	MessageId   Id     `json:"message_id"`
	Text        string `json:"text"`
	ClientToken string `json:"client_token,omitempty"`
}

type EditMessageResult struct {
	Message *ChatMessage   `json:"message,omitempty"`
	Error   *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) EditMessage(editMessage *EditMessageArgs, callback EditMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/messages/%s/edit", self.apiUrl, editMessage.MessageId),
		editMessage,
		self.tokenProvider,
		&EditMessageResult{},
		callback,
	)
}

type DeleteMessageCallback apiCallback[*DeleteMessageResult]

type DeleteMessageArgs struct {
	MessageId   Id     `json:"message_id"`
	ClientToken string `json:"client_token,omitempty"`
}

type DeleteMessageResult struct {
	Error *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) DeleteMessage(deleteMessage *DeleteMessageArgs, callback DeleteMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/messages/%s/delete", self.apiUrl, deleteMessage.MessageId),
		deleteMessage,
		self.tokenProvider,
		&DeleteMessageResult{},
		callback,
	)
}

type ReactMessageCallback apiCallback[*ReactMessageResult]

type ReactMessageArgs struct {
	MessageId   Id     `json:"message_id"`
	Emoji       string `json:"emoji"`
	Added       bool   `json:"added"`
	ClientToken string `json:"client_token,omitempty"`
}

type ReactMessageResult struct {
	Message *ChatMessage   `json:"message,omitempty"`
	Error   *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) ReactMessage(reactMessage *ReactMessageArgs, callback ReactMessageCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/messages/%s/react", self.apiUrl, reactMessage.MessageId),
		reactMessage,
		self.tokenProvider,
		&ReactMessageResult{},
		callback,
	)
}

type NotificationsCallback apiCallback[*NotificationsResult]

type NotificationsResult struct {
	Notifications []*Notification `json:"notifications"`
}

func (self *PitchsideApi) Notifications(callback NotificationsCallback) {
	go self.NotificationsSync(callback)
}

func (self *PitchsideApi) NotificationsSync(callback NotificationsCallback) (*NotificationsResult, error) {
	if callback == nil {
		callback = NewNoopApiCallback[*NotificationsResult]()
	}
	return get(
		self.ctx,
		fmt.Sprintf("%s/notifications", self.apiUrl),
		self.tokenProvider,
		&NotificationsResult{},
		callback,
	)
}

type MarkNotificationReadCallback apiCallback[*MarkNotificationReadResult]

type MarkNotificationReadArgs struct {
	NotificationId Id `json:"notification_id"`
}

type MarkNotificationReadResult struct {
	Notification *Notification  `json:"notification,omitempty"`
	Error        *MutationError `json:"error,omitempty"`
}

func (self *PitchsideApi) MarkNotificationRead(markRead *MarkNotificationReadArgs, callback MarkNotificationReadCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/notifications/%s/read", self.apiUrl, markRead.NotificationId),
		markRead,
		self.tokenProvider,
		&MarkNotificationReadResult{},
		callback,
	)
}

func post[R any](ctx context.Context, requestUrl string, args any, tokenProvider TokenProvider, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", requestUrl, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if err := addAuth(req, tokenProvider); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, requestUrl string, tokenProvider TokenProvider, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", requestUrl, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if err := addAuth(req, tokenProvider); err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	if http.StatusOK != r.StatusCode {
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		err = errors.New(errorMessage)
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func addAuth(req *http.Request, tokenProvider TokenProvider) error {
	if tokenProvider == nil {
		return nil
	}
	token, err := tokenProvider()
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	return nil
}
