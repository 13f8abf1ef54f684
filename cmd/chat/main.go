package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/joho/godotenv"

	"github.com/vkleist/chatbox/internal/auth"
	"github.com/vkleist/chatbox/internal/channel"
	"github.com/vkleist/chatbox/internal/history"
	"github.com/vkleist/chatbox/internal/session"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	ctx := context.Background()

	args := os.Args[1:]
	if len(args) > 0 && args[0] == "login" {
		if err := runLoginCommand(ctx, args[1:]); err != nil {
			log.Fatalf("login failed: %v", err)
		}
		return
	}

	if err := runChatCommand(ctx, args); err != nil {
		log.Fatalf("chat failed: %v", err)
	}
}

func runLoginCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	user := fs.String("user", "", "Account identifier (username or email)")
	password := fs.String("password", "", "Account password (prompted when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *user == "" {
		return fmt.Errorf("missing -user")
	}
	if *password == "" {
		fmt.Print("password: ")
		s := bufio.NewScanner(os.Stdin)
		if !s.Scan() {
			return fmt.Errorf("failed to read password: %w", s.Err())
		}
		*password = s.Text()
	}

	env, err := prepareRuntimeEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	cred, err := env.Remote.Login(ctx, *user, *password)
	if err != nil {
		return err
	}
	if err := env.Creds.Save(cred); err != nil {
		return err
	}

	log.Printf("✅ Logged in as %s", cred.Username)
	return nil
}

func runChatCommand(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	env, err := prepareRuntimeEnv(ctx)
	if err != nil {
		return err
	}
	defer env.Close()

	controller := session.NewController(env.Store, env.Creds, env.Remote)
	controller.OnAppend = func(m session.Message) {
		if err := env.Index.Add(m); err != nil {
			log.Printf("⚠️  Failed to index message: %v", err)
		}
		if m.Direction == session.Inbound {
			fmt.Printf("\rthem> %s\nyou> ", m.Text)
		}
	}

	factory := &channelFactory{url: env.Config.ChannelURL}
	controller.OnHandleReset = factory.reset

	if err := controller.Start(ctx, factory.handle(ctx)); err != nil {
		return err
	}
	if err := env.Index.Rebuild(controller.Messages()); err != nil {
		log.Printf("⚠️  Failed to build history index: %v", err)
	}

	// Hand the controller a fresh handle when another process logs in.
	watcher, err := auth.NewCredentialWatcher(env.Creds, func(cred *auth.Credential) {
		log.Printf("🔑 Credential updated for %s, attaching fresh connection", cred.Username)
		factory.reset()
		controller.AttachChannel(factory.handle(ctx))
	})
	if err != nil {
		log.Printf("⚠️  Credential watcher unavailable: %v", err)
	} else if err := watcher.Start(); err != nil {
		log.Printf("⚠️  Credential watcher failed to start: %v", err)
	} else {
		defer watcher.Stop()
	}

	if name := controller.Username(); name != "" {
		fmt.Printf("Chat (%s). Commands: /search <query>, /history, /logout, /quit\n", name)
	} else {
		fmt.Println("Chat (not logged in). Run `chat login -user <name>` first.")
	}
	for _, m := range controller.Messages() {
		printMessage(m)
	}

	s := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("you> ")
		if !s.Scan() {
			break
		}
		line := s.Text()

		switch {
		case strings.TrimSpace(line) == "/quit":
			return nil
		case strings.TrimSpace(line) == "/logout":
			controller.Logout()
			fmt.Println("Logged out.")
			return nil
		case strings.TrimSpace(line) == "/history":
			for _, m := range controller.Messages() {
				printMessage(m)
			}
		case strings.HasPrefix(strings.TrimSpace(line), "/search "):
			query := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "/search "))
			printSearch(env.Index, query)
		default:
			controller.Send(line)
		}
	}
	return s.Err()
}

// channelFactory owns the shared connection handle. The controller
// never dials; it is given a handle at session start (reusing one a
// prior login step established) and tells the factory to drop its slot
// on teardown.
type channelFactory struct {
	url string

	mu      sync.Mutex
	current session.Channel
}

func (f *channelFactory) handle(ctx context.Context) session.Channel {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current != nil {
		return f.current
	}
	ch, err := channel.Dial(ctx, f.url)
	if err != nil {
		log.Printf("⚠️  Failed to connect to channel at %s: %v (sends will be dropped)", f.url, err)
		return nil
	}
	f.current = ch
	return ch
}

func (f *channelFactory) reset() {
	f.mu.Lock()
	f.current = nil
	f.mu.Unlock()
}

func printMessage(m session.Message) {
	if m.Direction == session.Outbound {
		fmt.Printf("you> %s\n", m.Text)
	} else {
		fmt.Printf("them> %s\n", m.Text)
	}
}

func printSearch(index *history.Index, query string) {
	results, err := index.Search(query, 10)
	if err != nil {
		log.Printf("⚠️  Search failed: %v", err)
		return
	}
	if len(results) == 0 {
		fmt.Println("no matches")
		return
	}
	for _, r := range results {
		fmt.Printf("[%s] %s (%.2f)\n", r.Direction, r.Text, r.Score)
	}
}
