// Command bot runs a single bot against one participant URL, outside of any
// session bookkeeping. Useful for running against a manually created session
// or a survey that was not set up through the session command.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/surveybot/surveybot/internal/bot"
	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/llm"
	"github.com/surveybot/surveybot/internal/otree"
	"github.com/surveybot/surveybot/internal/repository/sqlite"
	"github.com/surveybot/surveybot/internal/scraper"
)

func main() {
	url := flag.String("url", "", "Participant URL to run against (required)")
	participantID := flag.String("participant-id", "", "Participant identifier (derived from the URL when empty)")
	sessionID := flag.String("session-id", "", "Session identifier for bookkeeping")
	promptsFile := flag.String("prompts", "", "JSON file with prompt template overrides")
	flag.Parse()

	godotenv.Load()

	if *url == "" {
		fmt.Fprintln(os.Stderr, "-url is required")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	prompts, overrideKeys, err := loadPrompts(*promptsFile)
	if err != nil {
		logger.Fatal("loading prompt overrides", zap.Error(err))
	}

	id := *participantID
	if id == "" {
		id = otree.ParticipantIDFromURL(*url)
	}
	if id == "" {
		id = uuid.NewString()[:8]
	}

	db, err := sqlite.New(cfg.Store)
	if err != nil {
		logger.Fatal("opening run store", zap.Error(err))
	}
	defer db.Close()
	repo := sqlite.NewRunRepository(db)

	// Standalone runs still get a participant row so marks and exports work.
	if _, err := repo.GetParticipant(ctx, id); err != nil {
		err = repo.InsertParticipants(ctx, []domain.Participant{{
			SessionID:     *sessionID,
			ParticipantID: id,
			URL:           *url,
		}})
		if err != nil {
			logger.Fatal("recording participant", zap.Error(err))
		}
	}

	var provider llm.Provider
	if cfg.LLM.Provider == "llamacpp" {
		provider = llm.NewLocalProvider(cfg.LLM, logger)
	} else {
		provider = llm.NewOpenAIProvider(cfg.LLM, logger)
	}
	gateway := llm.NewGateway(provider, cfg.LLM, nil, logger)

	browser, err := scraper.Launch(cfg.Browser, logger)
	if err != nil {
		logger.Fatal("launching browser", zap.Error(err))
	}
	defer browser.Close()

	session, err := browser.NewSession()
	if err != nil {
		logger.Fatal("creating browser session", zap.Error(err))
	}

	runCfg := bot.RunConfig{
		SessionID:     *sessionID,
		ParticipantID: id,
		URL:           *url,
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		Throttle:      cfg.LLM.Throttle,
		OverrideKeys:  overrideKeys,
		BotConfig:     cfg.Bot,
	}
	b := bot.NewBot(runCfg, session, gateway, repo, nil, prompts, nil, logger)
	if err := b.Run(ctx); err != nil {
		logger.Fatal("bot run failed", zap.Error(err))
	}
	logger.Info("bot run finished", zap.String("participant_id", id))
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
