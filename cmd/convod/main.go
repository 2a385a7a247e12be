package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/flitsinc/go-convo/internal/api"
	"github.com/flitsinc/go-convo/internal/checkpoint"
	"github.com/flitsinc/go-convo/internal/config"
	"github.com/flitsinc/go-convo/internal/daemon"
	"github.com/flitsinc/go-convo/internal/llm"
	"github.com/flitsinc/go-convo/internal/retrieval"
	"github.com/flitsinc/go-convo/internal/session"
	"github.com/flitsinc/go-convo/internal/state"
	"github.com/flitsinc/go-convo/internal/stream"
	"github.com/flitsinc/go-convo/internal/tool"
	"github.com/flitsinc/go-convo/internal/turn"
)

func main() {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("create data dir")
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	checkpoints := checkpoint.NewStore(db, log)
	sessions := session.NewCache(session.NewDurableStore(db), session.Config{
		MaxMessages: cfg.CacheMessages,
		TTL:         cfg.CacheTTL,
	}, log)
	streams := stream.NewRegistry()

	registry, err := tool.NewRegistry(tool.CalculatorTool(), tool.ClockTool())
	if err != nil {
		log.Fatal().Err(err).Msg("register tools")
	}

	provider, err := llm.NewOpenAI(cfg.LLMAPIKey)
	if err != nil {
		log.Fatal().Err(err).Msg("llm client")
	}

	processor := &turn.Processor{
		LLM:           provider,
		Tools:         registry,
		Checkpoints:   checkpoints,
		Sessions:      sessions,
		Streams:       streams,
		Retriever:     retrieval.NewMemory(),
		Model:         cfg.LLMModel,
		SystemPrompt:  cfg.SystemPrompt,
		HistoryLimit:  cfg.HistoryLimit,
		MaxToolRounds: cfg.MaxToolRounds,
		Log:           log,
	}

	if cfg.RetentionDays > 0 {
		go retentionLoop(log, sessions, cfg.RetentionDays)
	}

	listener, err := daemon.ListenerFromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("inherited listener")
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			log.Fatal().Err(err).Msg("listen")
		}
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &daemon.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
		Log:      log,
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer := &api.Server{
		Processor:    processor,
		Sessions:     sessions,
		Checkpoints:  checkpoints,
		Streams:      streams,
		Tools:        registry,
		Restart:      restartFn,
		RestartToken: cfg.RestartToken,
		StartedAt:    time.Now(),
		Log:          log,
	}

	httpServer = &http.Server{
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("convod listening")
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("server shutdown error")
	}
	_ = httpServer.Close()
}

// retentionLoop applies the message retention policy once a day.
func retentionLoop(log zerolog.Logger, sessions *session.Cache, days int) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		cutoff := time.Now().AddDate(0, 0, -days)
		count, err := sessions.Sweep(context.Background(), cutoff)
		if err != nil {
			log.Warn().Err(err).Msg("retention sweep failed")
			continue
		}
		log.Info().Int64("messages", count).Time("cutoff", cutoff).Msg("retention sweep")
	}
}
