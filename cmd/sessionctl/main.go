package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"session-sync/backend"
	"session-sync/config"
	"session-sync/models"
	"session-sync/relay"
	"session-sync/services"
	"session-sync/utils"
	"session-sync/workers"
)

func main() {
	envFile := flag.String("env", "", "path to a .env file (default .env)")
	inproc := flag.Bool("inproc", false, "use an in-process hub instead of the relay (single-process demos)")
	verbose := flag.Bool("v", false, "show transport and replica logs")
	flag.Parse()

	var files []string
	if *envFile != "" {
		files = append(files, *envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		log.Fatal("failed to load config:", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New(os.Stderr, "", log.LstdFlags)
	if !*verbose {
		logger.SetOutput(io.Discard)
	}

	var broker backend.Broker
	if *inproc {
		broker = backend.NewHub()
	} else {
		rc, err := relay.Dial(ctx, cfg.RelayURL, relay.ClientConfig{Token: cfg.RelayToken, Logger: logger})
		if err != nil {
			log.Fatal("failed to reach relay:", err)
		}
		defer rc.Close()
		go func() {
			<-rc.Done()
			fmt.Println("\nrelay connection closed")
		}()
		broker = rc
	}

	db, err := backend.OpenDB(cfg.StoreDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("failed to open store:", err)
	}
	store := backend.NewGormStore(db, broker, logger)

	reg := services.NewRegistry(store, broker, cfg.TransportOptions(logger), cfg.ReplicaOptions(logger))
	defer reg.Close()
	reg.OnAttach(workers.Schedule{
		Checkpoint:       cfg.CheckpointInterval,
		Heartbeat:        cfg.HeartbeatInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}.StartForClient)
	if r2 := cfg.R2(); r2.Enabled() {
		client, err := utils.NewR2Client(ctx, r2)
		if err != nil {
			log.Fatal("failed to initialize R2 client:", err)
		}
		reg.SetArchiver(services.NewSnapshotArchiver(utils.NewArchiver(client, r2)))
	}

	fmt.Printf("sessionctl: store=%s broker=%s\n", cfg.StoreDriver, brokerName(*inproc, cfg.RelayURL))
	fmt.Println("type 'help' for commands")
	repl(ctx, reg)
}

func brokerName(inproc bool, url string) string {
	if inproc {
		return "inproc"
	}
	return url
}

func repl(ctx context.Context, reg *services.Registry) {
	var current string
	active := func() *services.Client {
		c, ok := reg.Get(current)
		if !ok {
			fmt.Println("no active client; 'create' or 'join' first")
			return nil
		}
		return c
	}

	s := bufio.NewScanner(os.Stdin)
	prompt := func() { fmt.Print("> ") }
	prompt()
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			prompt()
			continue
		}
		args := strings.Fields(line)
		switch strings.ToLower(args[0]) {
		case "help":
			printHelp()
		case "quit", "exit":
			return
		case "whoami":
			if c := active(); c != nil {
				printClient(c)
			}
		case "create":
			name := strings.Join(args[1:], " ")
			c, err := reg.Create(ctx, name)
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			current = c.PlayerID()
			printClient(c)
		case "join":
			// join <code> [name...]
			if len(args) < 2 {
				fmt.Println("usage: join <code> [name]")
				break
			}
			c, err := reg.Join(ctx, args[1], strings.Join(args[2:], " "), "")
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			current = c.PlayerID()
			printClient(c)
		case "clients":
			for _, id := range reg.PlayerIDs() {
				marker := " "
				if id == current {
					marker = "*"
				}
				fmt.Println(marker, id)
			}
		case "use":
			if len(args) < 2 {
				fmt.Println("usage: use <player_id>")
				break
			}
			if _, ok := reg.Get(args[1]); !ok {
				fmt.Println("unknown client")
				break
			}
			current = args[1]
		case "players":
			c := active()
			if c == nil {
				break
			}
			fmt.Printf("session %s status=%s host=%s\n", c.Replica.SessionID(), c.Replica.Status(), c.Replica.HostID())
			for _, p := range c.Replica.Players() {
				fmt.Printf("- %s %-12s pos=(%.1f,%.1f) hp=%d alive=%v connected=%v kills=%d\n",
					p.PlayerID, p.DisplayName, p.PositionX, p.PositionY, p.Health, p.IsAlive, p.IsConnected, p.Kills)
			}
		case "move":
			// move <x> <y> [rotation]
			c := active()
			if c == nil {
				break
			}
			if len(args) < 3 {
				fmt.Println("usage: move <x> <y> [rotation]")
				break
			}
			patch := models.ParticipantPatch{PositionX: models.Float(mustF64(args[1])), PositionY: models.Float(mustF64(args[2]))}
			if len(args) > 3 {
				patch.Rotation = models.Float(mustF64(args[3]))
			}
			if err := c.Transport.SendPositionUpdate(ctx, patch); err != nil {
				fmt.Println("error:", err)
			}
		case "hp":
			// hp <player_id> <health>
			c := active()
			if c == nil {
				break
			}
			if len(args) < 3 {
				fmt.Println("usage: hp <player_id> <health>")
				break
			}
			health := int(mustF64(args[2]))
			alive := health > 0
			patch := models.ParticipantPatch{PlayerID: args[1], Health: &health, IsAlive: &alive}
			if !c.Transport.IsHost() {
				fmt.Println("only the host can change health")
				break
			}
			if err := c.Transport.BroadcastPlayerStateUpdate(ctx, patch); err != nil {
				fmt.Println("error:", err)
			}
		case "send":
			// send <type> [json]
			c := active()
			if c == nil {
				break
			}
			if len(args) < 2 {
				fmt.Println("usage: send <type> [json]")
				break
			}
			var data json.RawMessage
			if len(args) > 2 {
				data = json.RawMessage(strings.Join(args[2:], " "))
				if !json.Valid(data) {
					fmt.Println("error: data is not valid JSON")
					break
				}
			}
			if err := c.Transport.Send(ctx, args[1], data); err != nil {
				fmt.Println("error:", err)
			}
		case "write":
			// write <json patch or array>
			c := active()
			if c == nil {
				break
			}
			if len(args) < 2 {
				fmt.Println("usage: write <json>")
				break
			}
			msg, err := models.DecodeStateUpdate(models.Envelope{Data: json.RawMessage(strings.Join(args[1:], " "))})
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			if err := c.Transport.WritePlayerStatesToDB(ctx, msg.Payload); err != nil {
				fmt.Println("error:", err)
				break
			}
			fmt.Println("written:", len(msg.Payload))
		case "interp":
			// interp <player_id> [unix_ms]
			c := active()
			if c == nil {
				break
			}
			if len(args) < 2 {
				fmt.Println("usage: interp <player_id> [unix_ms]")
				break
			}
			ts := c.Transport.Clock().Now().UnixMilli()
			if len(args) > 2 {
				ts = int64(mustF64(args[2]))
			}
			state, ok := c.Replica.GetInterpolatedPlayerState(args[1], ts)
			if !ok {
				fmt.Println("unknown player")
				break
			}
			fmt.Printf("%s at %d: pos=(%.2f,%.2f) rot=%.2f vel=(%.2f,%.2f)\n",
				state.PlayerID, state.Timestamp, state.X, state.Y, state.Rotation, state.VelocityX, state.VelocityY)
		case "start":
			if c := active(); c != nil {
				if err := c.Transport.StartSession(ctx); err != nil {
					fmt.Println("error:", err)
				}
			}
		case "end":
			c := active()
			if c == nil {
				break
			}
			location, err := reg.End(ctx, c.PlayerID())
			if err != nil {
				fmt.Println("error:", err)
				break
			}
			if location != "" {
				fmt.Println("archived:", location)
			}
		case "resync":
			if c := active(); c != nil {
				if err := c.Replica.Resync(ctx); err != nil {
					fmt.Println("error:", err)
				}
			}
		case "leave":
			if c := active(); c != nil {
				if err := reg.Leave(ctx, c.PlayerID()); err != nil {
					fmt.Println("error:", err)
				}
				current = ""
			}
		default:
			fmt.Println("unknown command; type 'help'")
		}
		prompt()
	}
}

func printClient(c *services.Client) {
	s := c.Transport.Session()
	role := "client"
	if c.Transport.IsHost() {
		role = "host"
	}
	fmt.Printf("player %s (%s) in session %s, join code %s\n", c.PlayerID(), role, s.ID, s.JoinCode)
}

func printHelp() {
	fmt.Println(`commands:
  create [name]               create a session and host it
  join <code> [name]          join a session by code
  clients | use <player_id>   list local clients / switch the active one
  whoami                      show the active client
  players                     print the replica
  move <x> <y> [rot]          send a position update
  hp <player_id> <health>     host: broadcast a health change
  send <type> [json]          broadcast a raw envelope
  write <json>                persist one patch or an array of patches
  interp <player_id> [ms]     interpolated pose at a render time
  start | end                 host: start or end the session
  resync                      reconcile the replica with the store
  leave                       leave the session
  quit`)
}

func mustF64(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		fmt.Println("bad number:", s)
		return 0
	}
	return v
}
