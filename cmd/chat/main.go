package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"waves/internal/client"
	"waves/internal/config"
	"waves/internal/models"

	"golang.org/x/sync/errgroup"
)

type options struct {
	server   string
	username string
	password string
	color    string
	room     string
	code     string
	create   bool
	p2pHost  string
	keyFile  string
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "Chat server base URL")
	flag.StringVar(&opts.username, "user", "", "Username (required)")
	flag.StringVar(&opts.password, "password", "", "Password (empty for an anonymous session)")
	flag.StringVar(&opts.color, "color", "#7c3aed", "Display color")
	flag.StringVar(&opts.room, "room", models.GlobalRoomName, "Room to join ('network' for the subnet room)")
	flag.StringVar(&opts.code, "code", "", "Join a custom room by invite code")
	flag.BoolVar(&opts.create, "create", false, "Create a custom room and print its invite code")
	flag.StringVar(&opts.p2pHost, "p2p-host", "", "Address peers reach this client at for direct channels")
	flag.StringVar(&opts.keyFile, "keys", defaultKeyFile(), "Group key store file")
	flag.Parse()

	if opts.username == "" {
		fmt.Fprintln(os.Stderr, "Usage: chat -user <name> [-password <pw>] [-room <name> | -code <code> | -create]")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Chat client error: %v", err)
	}
}

func defaultKeyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "waves-keys.json"
	}
	return filepath.Join(home, ".waves", "keys.json")
}

func run(ctx context.Context, opts options) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	// Protocol constants (send throttle, handshake timeout, key grace) come
	// from the shared config layer; cliMode skips server-only requirements.
	cfg, err := config.Load(true)
	if err != nil {
		return err
	}

	api := client.NewAPIClient(opts.server)
	user, err := api.Login(ctx, opts.username, opts.password)
	if err != nil {
		user, err = api.Signup(ctx, opts.username, opts.password, opts.color)
		if err != nil {
			return fmt.Errorf("could not log in or sign up: %w", err)
		}
	}
	fmt.Printf("Logged in as %s\n", user.UserName)

	room, err := resolveRoom(ctx, api, opts)
	if err != nil {
		return err
	}
	fmt.Printf("Joining %s\n", room)

	keys, err := client.NewKeyStore(opts.keyFile)
	if err != nil {
		return err
	}

	app := &app{ctx: ctx}

	hub, err := client.DialHub(ctx, wsURL(opts.server), api.Token(), logger, app.dispatch)
	if err != nil {
		return err
	}
	defer func() { _ = hub.Close() }()

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gCtx) })

	socketID, err := app.waitConnected(gCtx)
	if err != nil {
		return err
	}

	transport, err := client.NewTCPTransport(socketID, opts.p2pHost, logger)
	if err != nil {
		return err
	}
	defer func() { _ = transport.Close() }()

	renderer := newRenderer(user.ID)
	rec := client.NewReconciler(client.ReconcilerConfig{
		Room: room,
		Self: models.Sender{
			ID:          user.ID,
			UserName:    user.UserName,
			Color:       user.Color,
			IsAnonymous: user.IsAnonymous,
		},
		Server:          api,
		Peers:           app,
		MinSendInterval: cfg.SendMinInterval,
		Logger:          logger,
	})

	session := client.NewSession(client.SessionConfig{
		Room:             room,
		Transport:        transport,
		Signaler:         hub,
		Keys:             keys,
		Sink:             rec,
		HandshakeTimeout: cfg.HandshakeTimeout,
		KeyWaitGrace:     cfg.KeyWaitGrace,
		Logger:           logger,
	})
	app.attach(session, rec, renderer)

	session.Start(gCtx)
	defer session.Close()
	defer rec.Teardown()

	if err := hub.Join(room); err != nil {
		return err
	}
	if err := rec.Seed(gCtx); err != nil {
		return err
	}
	renderer.render(rec.Messages())

	g.Go(func() error { return inputLoop(gCtx, api, rec, room) })

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func resolveRoom(ctx context.Context, api *client.APIClient, opts options) (string, error) {
	switch {
	case opts.create:
		info, err := api.CreateRoom(ctx)
		if err != nil {
			return "", err
		}
		fmt.Printf("Created room, invite code: %s\n", info.Code)
		return info.RoomName, nil
	case opts.code != "":
		info, err := api.JoinRoom(ctx, opts.code)
		if err != nil {
			return "", err
		}
		return info.RoomName, nil
	case opts.room == "network":
		info, err := api.AssignRoom(ctx)
		if err != nil {
			return "", err
		}
		return info.RoomName, nil
	default:
		return opts.room, nil
	}
}

func wsURL(server string) string {
	u := strings.Replace(server, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	return u + "/api/chat"
}

// app routes hub events to the session and the reconciler. Both are created
// after the socket is dialed (the transport needs the socket id from the
// first hub frame), so routing tolerates events arriving before attach.
type app struct {
	ctx context.Context

	mu        sync.Mutex
	session   *client.Session
	rec       *client.Reconciler
	renderer  *renderer
	socketID  chan string
	connected string
}

func (a *app) waitConnected(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.socketID == nil {
		a.socketID = make(chan string, 1)
	}
	if a.connected != "" {
		id := a.connected
		a.mu.Unlock()
		return id, nil
	}
	ch := a.socketID
	a.mu.Unlock()

	select {
	case id := <-ch:
		return id, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (a *app) attach(session *client.Session, rec *client.Reconciler, r *renderer) {
	a.mu.Lock()
	a.session = session
	a.rec = rec
	a.renderer = r
	a.mu.Unlock()
}

// SendToPeers implements the reconciler's direct-channel path.
func (a *app) SendToPeers(payload []byte) int {
	a.mu.Lock()
	session := a.session
	a.mu.Unlock()

	if session == nil {
		return 0
	}
	return session.SendToPeers(payload)
}

func (a *app) dispatch(ev models.ServerEvent) {
	a.mu.Lock()
	session, rec, renderer := a.session, a.rec, a.renderer
	a.mu.Unlock()

	switch ev.Event {
	case models.EventConnected:
		a.mu.Lock()
		a.connected = ev.SocketID
		if a.socketID == nil {
			a.socketID = make(chan string, 1)
		}
		a.socketID <- ev.SocketID
		a.mu.Unlock()
		return
	}

	if session == nil || rec == nil {
		return
	}

	switch ev.Event {
	case models.EventChatMessage:
		if ev.Message != nil {
			rec.Ingest(*ev.Message, client.SourceHub)
		}
	case models.EventMessageReacted:
		if ev.Message != nil {
			rec.IngestReactionUpdate(ev.Message.ID, ev.Message.Reactions)
		}
	case models.EventExistingRoomUsers:
		session.HandleExistingUsers(a.ctx, ev.Users)
	case models.EventUserJoined:
		fmt.Printf("* a user joined (%s)\n", ev.SocketID)
	case models.EventUserLeft:
		session.HandleUserLeft(ev.SocketID)
		fmt.Printf("* a user left (%s)\n", ev.SocketID)
	case models.EventOffer:
		session.HandleOffer(a.ctx, ev.From, ev.Payload)
	case models.EventAnswer:
		session.HandleAnswer(ev.From, ev.Payload)
	case models.EventICECandidate:
		session.HandleCandidate(ev.From, ev.Payload)
	case models.EventGroupKeyShared:
		session.HandleKeyShared(ev.Key)
	case models.EventGroupKeyRequest:
		session.HandleKeyRequest()
	}

	if renderer != nil {
		renderer.render(rec.Messages())
	}
}

func inputLoop(ctx context.Context, api *client.APIClient, rec *client.Reconciler, room string) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case line == "/quit":
			return context.Canceled
		case strings.HasPrefix(line, "/react "):
			parts := strings.Fields(line)
			if len(parts) != 3 {
				fmt.Println("usage: /react <message-id> <emoji>")
				continue
			}
			if err := api.React(ctx, parts[1], parts[2]); err != nil {
				fmt.Printf("! react failed: %v\n", err)
			}
		case strings.HasPrefix(line, "/reply "):
			parts := strings.SplitN(line, " ", 3)
			if len(parts) != 3 {
				fmt.Println("usage: /reply <message-id> <text>")
				continue
			}
			if _, err := rec.Submit(ctx, parts[2], parts[1]); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		default:
			if _, err := rec.Submit(ctx, line, ""); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}
	return context.Canceled
}

// renderer prints messages it has not shown yet, keyed by whichever
// identifier the entry currently carries.
type renderer struct {
	selfID string

	mu      sync.Mutex
	printed map[string]bool
}

func newRenderer(selfID string) *renderer {
	return &renderer{selfID: selfID, printed: make(map[string]bool)}
}

func (r *renderer) render(entries []client.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range entries {
		key := e.ID
		if key == "" {
			key = e.TempID
		}
		if key == "" || r.printed[key] {
			continue
		}
		r.printed[key] = true
		if e.TempID != "" {
			r.printed[e.TempID] = true
		}

		text := e.Text
		if e.Undecryptable {
			text = "[message could not be decrypted]"
		}
		prefix := ""
		if e.ReplyTo != nil {
			prefix = fmt.Sprintf("(replying to %s) ", e.ReplyTo.Sender.UserName)
		}
		fmt.Printf("[%s] %s%s: %s (%s)\n",
			e.CreatedAt.Local().Format("15:04:05"), prefix, e.Sender.UserName, text, key)
	}
}
