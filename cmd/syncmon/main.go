package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"github.com/pitchside/realtime/realtime"
)

const SyncMonVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Pitchside sync monitor. Connects to the push channel with a session
token and tails decoded delta events and connection status transitions.

Usage:
    syncmon tail [--config=<config>] [--api_url=<api_url>] [--channel_url=<channel_url>]
        [--token=<token>]
        [--room=<room_id>]
    syncmon games [--config=<config>] [--api_url=<api_url>] [--channel_url=<channel_url>]
        [--token=<token>]
        --date=<date>

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --config=<config>            Yaml config file.
    --api_url=<api_url>          Rest api url.
    --channel_url=<channel_url>  Push channel url.
    --token=<token>              Session bearer token. Prompted when omitted.
    --room=<room_id>             Also join this chat room topic.
    --date=<date>                Date (2006-01-02) to project games for.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], SyncMonVersion)
	if err != nil {
		panic(err)
	}

	if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if games_, _ := opts.Bool("games"); games_ {
		games(opts)
	}
}

func loadConfig(opts docopt.Opts) *realtime.Config {
	config := &realtime.Config{
		ApiUrl:     "https://api.pitchside.app",
		ChannelUrl: "wss://channel.pitchside.app/ws",
		AppVersion: SyncMonVersion,
	}
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		loaded, err := realtime.LoadConfig(configPath)
		if err != nil {
			Err.Fatalf("Could not load config (%s).", err)
		}
		config = loaded
	}
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		config.ApiUrl = apiUrl
	}
	if channelUrl, err := opts.String("--channel_url"); err == nil && channelUrl != "" {
		config.ChannelUrl = channelUrl
	}
	return config
}

func tokenProvider(opts docopt.Opts) realtime.TokenProvider {
	token, _ := opts.String("--token")
	if token == "" {
		fmt.Print("Session token: ")
		tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			Err.Fatalf("Could not read token (%s).", err)
		}
		token = string(tokenBytes)
	}
	return func() (string, error) {
		return token, nil
	}
}

func newClient(opts docopt.Opts) *realtime.SyncClient {
	config := loadConfig(opts)

	settings := realtime.DefaultSyncClientSettings()
	settings.Channel = config.ChannelClientSettings()
	settings.Optimistic = config.OptimisticTrackerSettings()

	return realtime.NewSyncClient(
		context.Background(),
		config.ApiUrl,
		config.ChannelUrl,
		tokenProvider(opts),
		settings,
	)
}

// tail decoded events and status transitions until interrupted
func tail(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	client.AddStatusCallback(func(status realtime.ConnectionStatus) {
		Out.Printf("status %s", status)
	})

	for _, eventType := range []realtime.EventType{
		realtime.EventTypeGameCreated,
		realtime.EventTypeGameUpdated,
		realtime.EventTypeGameDeleted,
		realtime.EventTypeGameJoined,
		realtime.EventTypeGameLeft,
		realtime.EventTypeMessageNew,
		realtime.EventTypeMessageEdited,
		realtime.EventTypeMessageDeleted,
		realtime.EventTypeMessageReacted,
		realtime.EventTypeTyping,
		realtime.EventTypeNotificationNew,
		realtime.EventTypeNotificationRead,
	} {
		eventType := eventType
		client.On(eventType, func(event realtime.Event) {
			Out.Printf("%s %s", eventType, event.TargetId())
		})
	}

	if roomIdStr, err := opts.String("--room"); err == nil && roomIdStr != "" {
		roomId, err := realtime.ParseId(roomIdStr)
		if err != nil {
			Err.Fatalf("Invalid room id (%s).", err)
		}
		room := client.OpenRoomMessages(roomId, func(err error) {
			if err != nil {
				Out.Printf("room baseline error: %s", err)
			} else {
				Out.Printf("room baseline loaded: %d messages", client.Store().Size(realtime.EntityKindMessage))
			}
		})
		defer client.CloseProjection(room)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

// print the live game list for a date, refreshing on every change
func games(opts docopt.Opts) {
	client := newClient(opts)
	defer client.Close()

	liveCtx, liveCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer liveCancel()
	if err := client.AwaitLive(liveCtx); err != nil {
		Err.Fatalf("Channel never connected (%s).", err)
	}

	date, _ := opts.String("--date")

	loaded := make(chan error, 1)
	gamesByDate := client.OpenGamesByDate(date, func(err error) {
		loaded <- err
	})
	defer client.CloseProjection(gamesByDate)

	select {
	case err := <-loaded:
		if err != nil {
			Err.Fatalf("Baseline failed (%s).", err)
		}
	case <-time.After(30 * time.Second):
		Err.Fatalf("Baseline timed out.")
	}

	printGames := func() {
		for _, entity := range gamesByDate.List() {
			game := entity.(*realtime.Game)
			Out.Printf(
				"%s %s  %d/%d joined  %d waitlisted  %s",
				game.Date,
				game.Time,
				game.CurrentPlayers,
				game.MaxPlayers,
				len(game.Waitlist),
				game.GameId,
			)
		}
	}
	printGames()

	unsub := gamesByDate.AddUpdateCallback(func() {
		Out.Printf("---")
		printGames()
	})
	defer unsub()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}
