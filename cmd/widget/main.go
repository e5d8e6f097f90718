package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"chat_relay/client/agent"
	"chat_relay/server/common/env"
	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		commonlog.Warnf("event=widget_init action=load_env status=failed error=%v", err)
	}
	defer commonlog.Sync()

	url := flag.String("url", env.String("RELAY_WS_URL", "ws://localhost:8080/ws"), "relay websocket url")
	domainID := flag.String("domain", env.String("WIDGET_DOMAIN_ID", ""), "site domain id")
	name := flag.String("name", env.String("WIDGET_USER_NAME", ""), "display name")
	userID := flag.String("user", env.String("WIDGET_USER_ID", uuid.NewString()), "visitor id")
	roomID := flag.String("room", env.String("WIDGET_ROOM_ID", ""), "room to rejoin")
	flag.Parse()

	if *domainID == "" {
		fmt.Fprintln(os.Stderr, "a domain id is required (-domain or WIDGET_DOMAIN_ID)")
		os.Exit(2)
	}

	header := http.Header{}
	if token := env.String("RELAY_TOKEN", ""); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	a := agent.New(agent.Config{
		RoomID:   *roomID,
		UserID:   *userID,
		UserName: *name,
		DomainID: *domainID,
		Role:     domain.RoleCustomer,
	}, agent.WebsocketDialer{URL: *url, Header: header})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lines := make(chan string)
	go readLines(lines, stop)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := a.Run(gctx)
		if errors.Is(err, agent.ErrOffline) {
			fmt.Println("* offline: the relay could not be reached")
		}
		return err
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if _, isInfo := a.State().(agent.NeedsInfo); isInfo {
					if err := a.SubmitInfo(line); err != nil {
						fmt.Println("*", err)
					}
					continue
				}
				if _, err := a.Send(line); err != nil {
					fmt.Println("*", err)
				}
			}
		}
	})
	g.Go(func() error {
		render(gctx, a)
		return nil
	})

	if a.State() == (agent.NeedsInfo{}) {
		fmt.Println("* enter your name to start")
	}
	if err := g.Wait(); err != nil && !errors.Is(err, agent.ErrOffline) {
		commonlog.Errorf("event=widget_run action=wait status=failed error=%v", err)
		os.Exit(1)
	}
}

// readLines never returns on a blocked read; EOF stops the widget.
func readLines(out chan<- string, stop context.CancelFunc) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- scanner.Text()
	}
	close(out)
	stop()
}

func render(ctx context.Context, a *agent.Agent) {
	printed := map[string]struct{}{}
	var lastState, lastError string
	lastLive := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.Updates():
		}
		if s := a.State(); s.Name() != lastState {
			lastState = s.Name()
			fmt.Printf("* %s\n", lastState)
		}
		if live := a.Live(); live != lastLive {
			lastLive = live
			if live {
				fmt.Println("* an agent joined the conversation")
			} else {
				fmt.Println("* the assistant is answering again")
			}
		}
		if msg := a.LastError(); msg != "" && msg != lastError {
			lastError = msg
			fmt.Printf("! %s\n", msg)
		}
		for _, e := range a.Entries() {
			if e.Optimistic() {
				continue
			}
			if _, ok := printed[e.ID]; ok {
				continue
			}
			printed[e.ID] = struct{}{}
			fmt.Printf("[%s] %s\n", e.Role, e.Message)
		}
	}
}
