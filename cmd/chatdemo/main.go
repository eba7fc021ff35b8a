// Command chatdemo is a terminal chat client built on the session manager.
// It joins the configured room through the websocket engine when the SDK
// manifest can be loaded and falls back to the simulated room otherwise.
// Every line read from stdin is sent to the room; EOF or Ctrl-C leaves.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gookit/color"

	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/engine"
	"github.com/whisper/roomchat/internal/engine/wsengine"
	"github.com/whisper/roomchat/internal/logging"
	"github.com/whisper/roomchat/internal/sdkloader"
	"github.com/whisper/roomchat/internal/session"
)

func main() {
	name := flag.String("name", os.Getenv("CHAT_NAME"), "display name in the room")
	flag.Parse()

	if err := run(*name); err != nil {
		fmt.Fprintf(os.Stderr, "chatdemo: %v\n", err)
		os.Exit(1)
	}
}

func run(name string) error {
	cfg, err := config.LoadClient()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Env, cfg.LogLevel)

	if strings.TrimSpace(name) == "" {
		name = "guest-" + chat.NewParticipantID()
	}

	registry := engine.NewRegistry()
	wsengine.Register(registry, log)
	loader := sdkloader.New(sdkloader.Config{
		ManifestURL: cfg.SDKManifestURL,
		Timeout:     cfg.SDKLoadTimeout,
		Logger:      log,
	}, registry)

	m := session.New(session.Config{
		AppID:               cfg.AppID,
		Secret:              cfg.SignalingSecret,
		RoomID:              cfg.RoomID,
		SignalingURL:        cfg.SignalingURL,
		PartnerJoinDelay:    cfg.PartnerJoinDelay,
		PartnerMessageDelay: cfg.PartnerMessageDelay,
	}, loader, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := m.Subscribe(session.Listener{
		OnMessageReceived: func(ev chat.ChatEvent) {
			printMessage(os.Stdout, ev)
		},
		OnUserListUpdated: func(members []chat.Participant) {
			names := make([]string, len(members))
			for i, p := range members {
				names[i] = p.DisplayName
			}
			color.Green.Printf("* in the room: %s\n", strings.Join(names, ", "))
		},
		OnConnectionError: func(reason string) {
			color.Red.Printf("! %s\n", reason)
		},
	})
	defer sub.Cancel()

	if !m.JoinRoom(ctx, name) {
		m.Destroy(context.Background())
		return fmt.Errorf("could not join room %q", cfg.RoomID)
	}
	header := fmt.Sprintf(" %s joined %s (%s) ", name, cfg.RoomID, m.State().Mode())
	fmt.Println(color.New(color.BgBlack, color.FgGreen).Render(header))

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			sendLine(ctx, m, os.Stdout, line)
		}
	}

	m.Destroy(context.Background())
	return nil
}

// sender is the part of *session.Manager the input loop needs.
type sender interface {
	SendMessage(ctx context.Context, text string) bool
	State() session.State
}

// sendLine sends a typed line and, once the room accepted it, shows it the
// way received messages are shown; the room never echoes it back. Blank
// lines are skipped.
func sendLine(ctx context.Context, m sender, out io.Writer, line string) bool {
	if strings.TrimSpace(line) == "" {
		return false
	}
	if !m.SendMessage(ctx, line) {
		return false
	}
	printMessage(out, chat.NewChatEvent(m.State().Local, line))
	return true
}

func printMessage(out io.Writer, ev chat.ChatEvent) {
	stamp := ev.SentAt.Format("15:04:05")
	fmt.Fprintf(out, "%s %s %s\n", color.Gray.Render(stamp), color.Cyan.Render(ev.Sender.DisplayName+":"), ev.Text)
}
