// Command session creates an oTree session and runs a bot on every bot seat.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/surveybot/surveybot/internal/bot"
	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/llamacpp"
	"github.com/surveybot/surveybot/internal/llm"
	"github.com/surveybot/surveybot/internal/observability"
	"github.com/surveybot/surveybot/internal/otree"
	"github.com/surveybot/surveybot/internal/repository/sqlite"
	"github.com/surveybot/surveybot/internal/scraper"
	"github.com/surveybot/surveybot/internal/storage"
)

var (
	green = color.New(color.FgGreen, color.Bold)
	red   = color.New(color.FgRed, color.Bold)
	cyan  = color.New(color.FgCyan, color.Bold)
	bold  = color.New(color.Bold)
)

func main() {
	configName := flag.String("config", "", "oTree session config name")
	participants := flag.Int("participants", 1, "Total number of participants")
	humans := flag.Int("humans", 0, "Number of human seats (the rest are bots)")
	resume := flag.String("resume", "", "Session code to resume instead of creating a new session")
	resumeStarted := flag.Bool("resume-started", false, "When resuming, re-run seats that started but never finished")
	maxConcurrent := flag.Int("max-concurrent", 4, "Maximum number of bots running at once")
	promptsFile := flag.String("prompts", "", "JSON file with prompt template overrides")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *resume == "" && *configName == "" {
		red.Fprintln(os.Stderr, "either -config or -resume is required")
		os.Exit(1)
	}

	prompts, overrideKeys, err := loadPrompts(*promptsFile)
	if err != nil {
		logger.Fatal("loading prompt overrides", zap.Error(err))
	}

	db, err := sqlite.New(cfg.Store)
	if err != nil {
		logger.Fatal("opening run store", zap.Error(err))
	}
	defer db.Close()
	repo := sqlite.NewRunRepository(db)

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("surveybot")
		go func() {
			if err := observability.Serve(cfg.Metrics.Addr); err != nil {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	// Resolve the bot seats: a fresh session from the oTree API, or the
	// unfinished seats of a previous run.
	var sessionID string
	var botURLs []string
	if *resume != "" {
		sessionID = *resume
		botURLs, err = repo.BotURLs(ctx, sessionID, *resumeStarted)
		if err != nil {
			logger.Fatal("resolving seats to resume", zap.Error(err))
		}
		cyan.Printf("Resuming session %s: %d bot seat(s) left\n", sessionID, len(botURLs))
	} else {
		client := otree.NewClient(cfg.OTree)
		sess, err := client.CreateSession(ctx, otree.SessionRequest{
			ConfigName:      *configName,
			NumParticipants: *participants,
			NumHumans:       *humans,
		})
		if err != nil {
			logger.Fatal("creating session", zap.Error(err))
		}
		sessionID = sess.Code
		if err := repo.InsertParticipants(ctx, sess.Participants); err != nil {
			logger.Fatal("recording participants", zap.Error(err))
		}
		botURLs = sess.BotURLs()

		bold.Printf("Session %s created: %d bot(s), %d human(s)\n",
			sess.Code, len(botURLs), len(sess.HumanURLs()))
		for _, u := range sess.HumanURLs() {
			cyan.Printf("  human seat: %s\n", u)
		}
	}
	if len(botURLs) == 0 {
		bold.Println("Nothing to run.")
		return
	}

	// A locally managed model serves all bots through one server.
	if cfg.LLM.Provider == "llamacpp" && cfg.LlamaCpp.ServerPath != "" {
		srv := llamacpp.NewServer(cfg.LlamaCpp, cfg.LLM.LocalSlots, cfg.LLM.MaxTokens, logger)
		if err := srv.Start(ctx); err != nil {
			logger.Fatal("starting llama.cpp server", zap.Error(err))
		}
		defer srv.Stop()
		cfg.LLM.LlamaServerURL = srv.URL()
	}

	gateway := newGateway(cfg, metrics, logger)

	var shots bot.ScreenshotStore
	if cfg.Storage.Enabled {
		mc, err := storage.NewMinIOClient(cfg.Storage)
		if err != nil {
			logger.Fatal("creating storage client", zap.Error(err))
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			logger.Fatal("ensuring storage bucket", zap.Error(err))
		}
		shots = mc
	}

	browser, err := scraper.Launch(cfg.Browser, logger)
	if err != nil {
		logger.Fatal("launching browser", zap.Error(err))
	}
	defer browser.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*maxConcurrent)
	var failures atomic.Int32
	for _, url := range botURLs {
		g.Go(func() error {
			session, err := browser.NewSession()
			if err != nil {
				return fmt.Errorf("creating browser session: %w", err)
			}
			runCfg := bot.RunConfig{
				SessionID:     sessionID,
				SessionName:   *configName,
				ParticipantID: otree.ParticipantIDFromURL(url),
				URL:           url,
				Provider:      cfg.LLM.Provider,
				Model:         cfg.LLM.Model,
				Throttle:      cfg.LLM.Throttle,
				OverrideKeys:  overrideKeys,
				BotConfig:     cfg.Bot,
			}
			b := bot.NewBot(runCfg, session, gateway, repo, shots, prompts, metrics, logger)
			if err := b.Run(gctx); err != nil {
				// One failed seat doesn't stop the session; the failure is
				// already persisted.
				failures.Add(1)
				red.Printf("  bot %s failed: %v\n", runCfg.ParticipantID, err)
				return nil
			}
			green.Printf("  bot %s finished\n", runCfg.ParticipantID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Fatal("running bots", zap.Error(err))
	}
	if n := failures.Load(); n > 0 {
		red.Printf("%d of %d bot run(s) failed\n", n, len(botURLs))
		os.Exit(1)
	}
	green.Printf("All %d bot run(s) finished\n", len(botURLs))
}

// loadPrompts reads prompt template overrides from a JSON file mapping
// template keys to replacement text. Unknown keys fail here, before any
// browser or session work starts.
func loadPrompts(path string) (*bot.PromptSet, []string, error) {
	if path == "" {
		return nil, nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var overrides map[string]string
	if err := json.Unmarshal(data, &overrides); err != nil {
		return nil, nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	prompts, err := bot.NewPromptSet(overrides)
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return prompts, keys, nil
}

func newGateway(cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) *llm.Gateway {
	var provider llm.Provider
	if cfg.LLM.Provider == "llamacpp" {
		provider = llm.NewLocalProvider(cfg.LLM, logger)
	} else {
		provider = llm.NewOpenAIProvider(cfg.LLM, logger)
	}
	return llm.NewGateway(provider, cfg.LLM, metrics, logger)
}

func initLogger(cfg *config.Config) *zap.Logger {
	var zc zap.Config
	if cfg.Debug {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc = zap.NewProductionConfig()
	}
	if lvl, err := zapcore.ParseLevel(cfg.GetLogLevel()); err == nil {
		zc.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := zc.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
