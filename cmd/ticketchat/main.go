// Command ticketchat opens the chat room of one support ticket in the
// terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/johndosdos/ticketchat/internal/api"
	"github.com/johndosdos/ticketchat/internal/auth"
	"github.com/johndosdos/ticketchat/internal/chat"
	"github.com/johndosdos/ticketchat/internal/config"
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

func run() error {
	var (
		ticketID string
		envFile  string
		role     string
		name     string
		verbose  bool
	)

	flagSet := pflag.NewFlagSet("ticketchat", pflag.ContinueOnError)
	flagSet.StringVarP(&ticketID, "ticket", "t", "", "ticket id whose room to open (required)")
	flagSet.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading CHAT_* variables")
	flagSet.StringVar(&role, "role", "", "participant role when the session token carries none (customer or agent)")
	flagSet.StringVar(&name, "name", "", "display name when the session token carries none")
	flagSet.BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if ticketID == "" {
		flagSet.Usage()
		return errors.New("--ticket is required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}

	participant, err := resolveParticipant(cfg.Token, model.Role(role), name)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Println(err)
			}
		}()
	}

	client := api.NewClient(cfg.APIURL, cfg.Token, nil)
	session, err := chat.Open(model.ID(ticketID), participant, chat.Deps{
		Dialer: websocket.RoomDialer(&websocket.Dialer{
			URL:          cfg.WSURL,
			Token:        cfg.Token,
			PingInterval: cfg.PingInterval,
			Logger:       logger,
		}),
		API:     client,
		Tickets: client,
		Logger:  logger,
	}, cfg.Options())
	if err != nil {
		return err
	}
	defer session.Close()

	out := newPrinter(os.Stdout, session, participant)
	go out.follow(session.Events())

	fmt.Fprintf(os.Stdout, "ticket %s as %s (%s). /retry reconnects, /quit leaves.\n",
		ticketID, participant.DisplayName, participant.Role)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case line, ok := <-lines:
			if !ok {
				return nil
			}

			switch strings.TrimSpace(line) {
			case "":
				continue
			case "/quit":
				return nil
			case "/retry":
				if err := session.Retry(); err != nil {
					return err
				}
				continue
			}

			// Line-mode terminals only see whole lines; each one counts
			// as typing activity for the other side.
			session.NotifyTyping()

			err := session.Send(ctx, line)
			var de *chat.DeliveryError
			switch {
			case errors.As(err, &de):
				// Reported by the printer with the kept draft.
			case errors.Is(err, chat.ErrSessionClosed):
				return nil
			case err != nil:
				fmt.Fprintf(os.Stdout, "! %v\n", err)
			}
		}
	}
}

// resolveParticipant takes the identity from the session token and falls
// back to the flags for tokens that carry no chat claims.
func resolveParticipant(token string, role model.Role, name string) (model.Participant, error) {
	if token != "" {
		p, err := auth.ParticipantFromToken(token)
		if err == nil {
			return p, nil
		}
		slog.Debug("session token carries no participant", "error", err)
	}

	if !role.Valid() {
		return model.Participant{}, fmt.Errorf("--role must be %q or %q when the token names no participant", model.RoleCustomer, model.RoleAgent)
	}
	if name == "" {
		return model.Participant{}, errors.New("--name is required when the token names no participant")
	}
	return model.Participant{ID: uuid.NewString(), Role: role, DisplayName: name}, nil
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()

	return srv
}
