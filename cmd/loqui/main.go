package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/loqui-im/loqui/internal/api"
	"github.com/loqui-im/loqui/internal/chat"
	"github.com/loqui-im/loqui/internal/config"
	errs "github.com/loqui-im/loqui/internal/errors"
	"github.com/loqui-im/loqui/internal/logging"
	"github.com/loqui-im/loqui/internal/realtime"
	"github.com/loqui-im/loqui/internal/state"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("loqui starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerHost),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	client := api.NewClient(cfg.RESTBaseURL(), cfg.DeviceName, nil)

	sess, err := resolveSession(ctx, cfg, store, client, logger)
	if err != nil {
		return err
	}

	client.SetToken(sess.Token)

	router := realtime.NewRouter(logger)

	manager := realtime.NewManager(realtime.ManagerConfig{
		URL:            cfg.WebsocketURL,
		ReconnectDelay: cfg.ReconnectDelay,
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		PingInterval:   cfg.PingInterval,
	}, router, logger)

	unread := chat.NewUnreadTracker(store, logger)
	conversation := chat.NewConversation(client, unread, cfg.HistoryPageSize, logger)

	chatSub := router.Subscribe(realtime.KindChat, cfg.EventBuffer)
	defer chatSub.Close()

	noteSub := router.Subscribe(realtime.KindNotification, cfg.EventBuffer)
	defer noteSub.Close()

	stateCh, cancelState := manager.SubscribeState()
	defer cancelState()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return conversation.Run(gctx, chatSub.C)
	})

	g.Go(func() error {
		return consumeNotifications(gctx, noteSub.C, logger)
	})

	g.Go(func() error {
		return watchConnectionState(gctx, stateCh, logger)
	})

	g.Go(func() error {
		if err := manager.Connect(gctx, sess.UserID); err != nil && errors.Is(err, errs.ErrNoIdentity) {
			return err
		}

		<-gctx.Done()
		manager.Disconnect()

		return gctx.Err()
	})

	return g.Wait()
}

// resolveSession picks an identity in priority order: explicit env
// session, session persisted by a prior run, then a fresh login with
// email/password.
func resolveSession(ctx context.Context, cfg *config.Config, store *state.Store, client *api.Client, logger *slog.Logger) (state.Session, error) {
	if cfg.HasSession() {
		return state.Session{UserID: cfg.UserID, Token: cfg.Token}, nil
	}

	if stored, err := store.Session(); err == nil && stored != nil {
		logger.Info("resuming stored session", slog.String("user_id", stored.UserID))
		return *stored, nil
	}

	if !cfg.HasLogin() {
		return state.Session{}, fmt.Errorf("%w: set LOQUI_EMAIL/LOQUI_PASSWORD or LOQUI_USER_ID/LOQUI_TOKEN", errs.ErrNoIdentity)
	}

	res, err := client.Login(ctx, cfg.Email, cfg.Password)
	if err != nil {
		return state.Session{}, fmt.Errorf("logging in: %w", err)
	}

	sess := state.Session{UserID: res.UserID, Token: res.Token, Email: cfg.Email}

	if err := store.SaveSession(sess); err != nil {
		logger.Warn("persisting session", slog.String("error", err.Error()))
	}

	logger.Info("logged in", slog.String("user_id", sess.UserID))

	return sess, nil
}

// consumeNotifications logs the notification stream. Rendering is the
// UI layer's job; this keeps the subscription drained.
func consumeNotifications(ctx context.Context, events <-chan realtime.Event, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.Notification == nil {
				continue
			}

			logger.Info("notification",
				slog.String("id", ev.Notification.ID),
				slog.String("type", ev.Notification.Kind),
				slog.String("title", ev.Notification.Title),
			)
		}
	}
}

// watchConnectionState mirrors connection state transitions into the
// log: transient outages as a reconnecting indicator, cap exhaustion
// as a persistent failure.
func watchConnectionState(ctx context.Context, states <-chan realtime.State, logger *slog.Logger) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case st := <-states:
			switch st.Status {
			case realtime.StatusConnecting:
				logger.Info("status: reconnecting")
			case realtime.StatusConnected:
				logger.Info("status: online")
			case realtime.StatusDisconnected:
				logger.Info("status: offline")
			case realtime.StatusError:
				logger.Warn("status: connection error", slog.String("error", st.Err))
			}
		}
	}
}
