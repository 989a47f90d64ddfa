package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/vango-go/vai-coach/pkg/core/voice/hume"
	"github.com/vango-go/vai-coach/pkg/gateway/config"
	"github.com/vango-go/vai-coach/pkg/gateway/journal"
	"github.com/vango-go/vai-coach/pkg/gateway/live/relay"
	gatewayserver "github.com/vango-go/vai-coach/pkg/gateway/server"
)

// journalStore is a journal that owns a connection pool.
type journalStore interface {
	journal.Recorder
	Close()
}

type coachDeps struct {
	loadConfig   func() (config.Config, error)
	newConnector func(config.Config) (relay.Connector, error)
	openJournal  func(context.Context, config.Config) (journalStore, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultCoachDeps() coachDeps {
	return coachDeps{
		loadConfig:   config.LoadFromEnv,
		newConnector: newHumeConnector,
		openJournal:  openPostgresJournal,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newHumeConnector(cfg config.Config) (relay.Connector, error) {
	client, err := hume.New(hume.Config{
		APIKey:           cfg.HumeAPIKey,
		SecretKey:        cfg.HumeSecretKey,
		ChatURL:          cfg.HumeChatURL,
		TokenURL:         cfg.HumeTokenURL,
		ConfigID:         cfg.HumeConfigID,
		HandshakeTimeout: cfg.HumeHandshakeTimeout,
	})
	if err != nil {
		return nil, err
	}
	return relay.HumeConnector{Client: client}, nil
}

func openPostgresJournal(ctx context.Context, cfg config.Config) (journalStore, error) {
	if !cfg.JournalEnabled() {
		return nil, nil
	}
	pg, err := journal.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, err
	}
	return pg, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func printBanner(w io.Writer, cfg config.Config) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintln(w, "    vai-coach")
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Listen:   %s\n", cfg.Addr)
	green.Fprint(w, "    ▶ ")
	fmt.Fprintf(w, "Voice:    %s\n", cfg.HumeChatURL)
	green.Fprint(w, "    ▶ ")
	if cfg.JournalEnabled() {
		fmt.Fprintln(w, "Journal:  postgres")
	} else {
		fmt.Fprint(w, "Journal:  ")
		gray.Fprintln(w, "disabled")
	}
	fmt.Fprintln(w)
}

func runCoach(ctx context.Context, logger *slog.Logger, stderr io.Writer, deps coachDeps) error {
	if deps.loadConfig == nil || deps.newConnector == nil || deps.openJournal == nil {
		return errors.New("missing startup dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	connector, err := deps.newConnector(cfg)
	if err != nil {
		return fmt.Errorf("voice client: %w", err)
	}

	gwDeps := gatewayserver.Dependencies{Connector: connector}
	store, err := deps.openJournal(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	if store != nil {
		defer store.Close()
		gwDeps.Journal = store
	}

	gw := gatewayserver.New(cfg, logger, gwDeps)
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	printBanner(stderr, cfg)
	logger.Info("starting coach gateway", "addr", cfg.Addr, "journal", cfg.JournalEnabled(), "limits", cfg.LimitsEnabled())

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("context canceled, shutting down")
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Websocket connections are hijacked, so http.Server.Shutdown does not wait
	// for them. Drain them first.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	if !gw.Drain(drainCtx) {
		logger.Warn("coach connections canceled after grace period")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("coach gateway stopped")
	return nil
}

func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load %s: %w", path, err)
}

func runMain(ctx context.Context, stderr io.Writer, deps coachDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(stderr, nil))

	if err := loadDotEnv(".env"); err != nil {
		fmt.Fprintf(stderr, "vai-coach: %v\n", err)
		return 1
	}

	if err := runCoach(ctx, logger, stderr, deps); err != nil {
		fmt.Fprintf(stderr, "vai-coach: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultCoachDeps()))
}
