// Command loadtest opens many ticket rooms against a chat server at once
// and pushes messages through each of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/johndosdos/ticketchat/internal/api"
	"github.com/johndosdos/ticketchat/internal/auth"
	"github.com/johndosdos/ticketchat/internal/chat"
	"github.com/johndosdos/ticketchat/internal/model"
	"github.com/johndosdos/ticketchat/internal/websocket"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type stats struct {
	sent   atomic.Int64
	failed atomic.Int64
}

func run() error {
	var (
		wsURL    string
		apiURL   string
		secret   string
		token    string
		rooms    int
		messages int
		firstID  int
		pause    time.Duration
		timeout  time.Duration
	)

	flagSet := pflag.NewFlagSet("loadtest", pflag.ContinueOnError)
	flagSet.StringVar(&wsURL, "ws-url", "ws://localhost:8080/ws", "persistent-channel address")
	flagSet.StringVar(&apiURL, "api-url", "http://localhost:8080", "request API base address")
	flagSet.StringVar(&secret, "secret", "", "token secret; mints one customer token per room")
	flagSet.StringVar(&token, "token", "", "session token shared by every room when --secret is empty")
	flagSet.IntVarP(&rooms, "rooms", "r", 10, "number of ticket rooms to open")
	flagSet.IntVarP(&messages, "messages", "m", 20, "messages sent per room")
	flagSet.IntVar(&firstID, "first-ticket", 1, "ticket id of the first room; the rest follow consecutively")
	flagSet.DurationVar(&pause, "pause", 50*time.Millisecond, "delay between messages of one room")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "how long a room may take to join")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if secret == "" && token == "" {
		return errors.New("one of --secret or --token is required")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var st stats
	start := time.Now()

	g, ctx := errgroup.WithContext(ctx)
	for i := range rooms {
		ticketID := model.ID(strconv.Itoa(firstID + i))
		g.Go(func() error {
			return drive(ctx, ticketID, wsURL, apiURL, secret, token, messages, pause, timeout, logger, &st)
		})
	}

	err := g.Wait()
	elapsed := time.Since(start)
	log.Printf("rooms=%d sent=%d failed=%d elapsed=%s rate=%.1f msg/s",
		rooms, st.sent.Load(), st.failed.Load(), elapsed.Round(time.Millisecond),
		float64(st.sent.Load())/elapsed.Seconds())
	return err
}

// drive opens one room, waits for membership and sends its messages.
func drive(
	ctx context.Context,
	ticketID model.ID,
	wsURL, apiURL, secret, token string,
	messages int,
	pause, timeout time.Duration,
	logger *slog.Logger,
	st *stats,
) error {
	participant := model.Participant{
		ID:          uuid.NewString(),
		Role:        model.RoleCustomer,
		DisplayName: "load-" + ticketID.String(),
	}
	if secret != "" {
		t, err := auth.MakeToken(participant, secret, time.Hour)
		if err != nil {
			return fmt.Errorf("failed to mint token for ticket %s: %w", ticketID, err)
		}
		token = t
	}

	client := api.NewClient(apiURL, token, nil)
	session, err := chat.Open(ticketID, participant, chat.Deps{
		Dialer:  websocket.RoomDialer(&websocket.Dialer{URL: wsURL, Token: token, Logger: logger}),
		API:     client,
		Tickets: client,
		Logger:  logger.With("ticket_id", ticketID),
	}, chat.DefaultOptions())
	if err != nil {
		return err
	}
	defer session.Close()

	if err := awaitReady(ctx, session, timeout); err != nil {
		return fmt.Errorf("ticket %s: %w", ticketID, err)
	}

	for n := range messages {
		if err := session.Send(ctx, fmt.Sprintf("load message %d", n+1)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			st.failed.Add(1)
			logger.Warn("send failed", "ticket_id", ticketID, "error", err)
		} else {
			st.sent.Add(1)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
	return nil
}

func awaitReady(ctx context.Context, session *chat.Session, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("room not joined: %w", ctx.Err())
		case e, ok := <-session.Events():
			if !ok {
				return chat.ErrSessionClosed
			}
			if e.Kind != chat.EventStatus {
				continue
			}
			if e.Status.Ready {
				return nil
			}
			if e.Status.State == chat.StateFailed {
				return fmt.Errorf("room failed: %w", e.Status.Err)
			}
		}
	}
}
