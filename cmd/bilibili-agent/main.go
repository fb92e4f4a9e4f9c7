package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	biliagent "github.com/simpleKalvin/bilibili-agent"
	"github.com/simpleKalvin/bilibili-agent/auth"
	"github.com/simpleKalvin/bilibili-agent/dispatch"
	"github.com/simpleKalvin/bilibili-agent/event"
	"github.com/simpleKalvin/bilibili-agent/history"
	"github.com/simpleKalvin/bilibili-agent/respond"
	"github.com/simpleKalvin/bilibili-agent/schedule"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

type config struct {
	RoomID         int64      `envconfig:"BILI_ROOM_ID" required:"true"`
	CredentialFile string     `envconfig:"BILI_CREDENTIAL_FILE" default:"credential.json"`
	HistoryDir     string     `envconfig:"BILI_HISTORY_DIR" default:"history-data"`
	LogLevel       slog.Level `envconfig:"BILI_LOG_LEVEL" default:"INFO"`

	GiftReply     string        `envconfig:"BILI_GIFT_REPLY" default:"谢谢{user}赠送的{gift}×{count}！"`
	GuardReply    string        `envconfig:"BILI_GUARD_REPLY" default:"感谢{user}开通{gift}！"`
	ReplyCooldown time.Duration `envconfig:"BILI_REPLY_COOLDOWN" default:"60s"`

	BroadcastText     string        `envconfig:"BILI_BROADCAST_TEXT"`
	BroadcastInterval time.Duration `envconfig:"BILI_BROADCAST_INTERVAL" default:"10m"`
	BroadcastJitter   time.Duration `envconfig:"BILI_BROADCAST_JITTER" default:"1m"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bilibili-agent: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()

	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		return exitConfig, fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	session := auth.NewSession(auth.Config{Logger: logger})
	cred, err := obtainCredential(ctx, session, cfg.CredentialFile, logger)
	if err != nil {
		return exitRuntime, err
	}

	store, err := history.Open(cfg.HistoryDir)
	if err != nil {
		return exitRuntime, err
	}
	defer func() {
		logger.Info("closing history store")
		_ = store.Close()
	}()

	client, err := biliagent.NewClient(biliagent.Config{
		RoomID:     cfg.RoomID,
		Credential: cred,
		Logger:     logger,
		RefreshCredential: func(ctx context.Context) (*auth.Credential, error) {
			next, err := session.Refresh(ctx)
			if err != nil {
				return nil, err
			}
			if err := saveCredential(cfg.CredentialFile, next); err != nil {
				logger.Warn("could not persist refreshed credential", "error", err)
			}
			return next, nil
		},
	})
	if err != nil {
		return exitConfig, err
	}

	// History sink: every event lands in the append-only log.
	histSub := client.Subscribe("history", 512)
	go store.Run(histSub.C, func(err error) {
		logger.Warn("history append failed", "error", err)
	})

	// Thank-you replies for gifts and guard purchases.
	engine := respond.NewEngine(logger, []respond.Template{
		{ID: "gift", Trigger: event.TypeGift, Pattern: cfg.GiftReply, Cooldown: cfg.ReplyCooldown},
		{ID: "guard", Trigger: event.TypeGuardPurchase, Pattern: cfg.GuardReply, Cooldown: cfg.ReplyCooldown},
	}, client, nil)
	go engine.Run(ctx, client.Subscribe("respond", 0))

	// Periodic broadcast, gated on the room actually being live.
	if cfg.BroadcastText != "" {
		sched := schedule.New(logger, client, func() bool {
			return client.Connected() && client.Live()
		}, nil)
		go sched.Run(ctx, []schedule.Schedule{{
			Text:     cfg.BroadcastText,
			Interval: cfg.BroadcastInterval,
			Jitter:   cfg.BroadcastJitter,
			Enabled:  true,
		}})
	}

	// Console sink for operator visibility.
	go logEvents(logger, client.Subscribe("console", 0))

	if err := client.Start(ctx); err != nil {
		return exitRuntime, err
	}
	logger.Info("agent started", "room_id", cfg.RoomID)

	<-ctx.Done()
	logger.Info("shutting down")
	client.Stop()
	return exitOK, nil
}

// obtainCredential loads a cached credential, falling back to an interactive
// QR login when the cache is missing or stale.
func obtainCredential(ctx context.Context, session *auth.Session, path string, logger *slog.Logger) (*auth.Credential, error) {
	if cred, err := loadCredential(path); err == nil && cred.Valid(time.Now()) {
		logger.Info("using cached credential", "uid", cred.UID)
		session.Resume(cred)
		return cred, nil
	}

	challenge, err := session.IssueChallenge(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Printf("Scan this URL as a QR code with the Bilibili app to log in:\n\n  %s\n\n", challenge.URL)

	cred, err := session.WaitConfirm(ctx)
	if errors.Is(err, auth.ErrChallengeExpired) {
		return nil, fmt.Errorf("login QR expired, restart to get a new one")
	}
	if err != nil {
		return nil, err
	}

	if err := saveCredential(path, cred); err != nil {
		logger.Warn("could not persist credential", "error", err)
	}
	return cred, nil
}

func loadCredential(path string) (*auth.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cred auth.Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

func saveCredential(path string, cred *auth.Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// logEvents prints the human-interesting stream to the log.
func logEvents(logger *slog.Logger, sub *dispatch.Subscription) {
	for ev := range sub.C {
		switch ev.Kind {
		case event.TypeDanmaku:
			logger.Info("danmaku", "user", ev.Danmaku.Uname, "text", ev.Danmaku.Text)
		case event.TypeGift:
			logger.Info("gift", "user", ev.Gift.Uname, "gift", ev.Gift.GiftName, "num", ev.Gift.Num)
		case event.TypeGuardPurchase:
			logger.Info("guard purchase", "user", ev.GuardPurchase.Uname, "level", ev.GuardPurchase.GuardLevel)
		case event.TypeSuperChat:
			logger.Info("super chat", "user", ev.SuperChat.Uname, "message", ev.SuperChat.Message, "price", ev.SuperChat.Price)
		case event.TypeRoomEntry:
			logger.Debug("viewer entered", "user", ev.RoomEntry.Uname)
		case event.TypeLiveStatus:
			logger.Info("live status changed", "live", ev.LiveStatus.Live)
		}
	}
}
