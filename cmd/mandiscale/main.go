package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mandisoft/mandiscale/internal/invoicing"
	"github.com/mandisoft/mandiscale/internal/ledger"
	"github.com/mandisoft/mandiscale/internal/logging"
	"github.com/mandisoft/mandiscale/internal/sale"
	"github.com/mandisoft/mandiscale/internal/scale"
	"github.com/mandisoft/mandiscale/internal/server"
)

func main() {
	configPath := flag.String("config", "/etc/mandiscale/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run with a simulated scale")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	debug := flag.Bool("debug", false, "Debug logging")
	flag.Parse()

	log := logging.Must(logging.New(*debug))
	defer log.Sync()
	log.Info("mandiscale starting")

	cfg := server.LoadConfig(*configPath, logging.Named(log, "config"))
	if *demo {
		cfg.Scale.Demo = true
	}
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if *debug {
		cfg.Debug = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	store := scale.NewFileSettingsStore(cfg.Scale.SettingsDir)

	session := scale.NewSession(scale.SessionConfig{
		PortPath:    cfg.Scale.PortPath,
		Demo:        cfg.Scale.Demo,
		SettingsKey: "scale",
		Store:       store,
		Logger:      logging.Named(log, "scale"),
	})

	book := ledger.NewBook(logging.Named(log, "ledger"))
	drift := ledger.NewDriftBook()

	var journal *ledger.Journal
	if cfg.Journal.Enabled {
		journal = ledger.NewJournal(cfg.Journal.Dir, logging.Named(log, "journal"))
		book.AttachJournal(journal)
		defer journal.Close()
	}

	var invoices invoicing.Creator
	if cfg.Invoicing.BaseURL != "" {
		invoices = invoicing.NewClient(cfg.Invoicing.BaseURL)
		log.Info("invoicing backend configured", zap.String("url", cfg.Invoicing.BaseURL))
	} else {
		invoices = invoicing.NewRecorder()
		log.Info("no invoicing backend, recording invoices in-process")
	}

	sales := sale.NewOrchestrator(logging.Named(log, "sale"), session, book, drift, invoices)

	// Connect in the background with backoff; the API is usable regardless
	// and the operator can trigger connects through it.
	go connectWithRetry(ctx, log, session, 10)

	srv := server.New(cfg, logging.Named(log, "server"), session, book, drift, sales)
	if err := srv.Run(ctx); err != nil {
		log.Error("server exited", zap.Error(err))
	}

	session.Disconnect()
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely.
func connectWithRetry(ctx context.Context, log *zap.Logger, session *scale.Session, maxAttempts int) {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := session.Connect(ctx); err != nil {
			attempt++
			log.Warn("scale connect failed",
				zap.Int("attempt", attempt),
				zap.Int("maxAttempts", maxAttempts),
				zap.Duration("retryIn", delay),
				zap.Error(err))

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
			if attempt >= maxAttempts {
				delay = maxDelay
			}
		} else {
			log.Info("scale connected", zap.Int("attempt", attempt+1))
			return
		}
	}
}
