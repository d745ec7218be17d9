// Package bot runs one participant through a survey: it scans pages,
// asks the completion gateway for answers, validates and repairs model
// output, writes accepted answers into the form, and persists the full
// transcript when the run terminates.
package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/llm"
	"github.com/surveybot/surveybot/internal/observability"
	"github.com/surveybot/surveybot/internal/schema"
)

// PageDriver is the browser surface the loop drives. A scraper session
// satisfies it.
type PageDriver interface {
	Scan(ctx context.Context, url string) (*domain.PageSnapshot, error)
	Fill(id, value string) error
	SelectChoice(id string, kind domain.FieldKind, choice string) error
	SetChecked(id string, checked bool) error
	Click(ctl domain.ControlHandle) error
	Screenshot() ([]byte, error)
	Close() error
}

// Completer submits a conversation plus expected reply shape and returns the
// raw completion. The llm.Gateway satisfies it.
type Completer interface {
	Complete(ctx context.Context, messages []domain.Message, expected *schema.Expected) (*llm.Completion, error)
}

// Recorder persists run lifecycle marks and the final transcript.
type Recorder interface {
	MarkStarted(ctx context.Context, participantID string, at time.Time) error
	MarkFinished(ctx context.Context, participantID string, at time.Time) error
	SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error
}

// ScreenshotStore receives a failure screenshot. Optional.
type ScreenshotStore interface {
	UploadScreenshot(ctx context.Context, key string, data []byte) (string, error)
}

// RunConfig is the immutable per-run configuration. It is copied at
// construction; nothing mutates it during the run.
type RunConfig struct {
	SessionID     string
	SessionName   string
	ParticipantID string
	URL           string

	Provider string
	Model    string
	Throttle bool

	// OverrideKeys names the prompt templates the caller replaced, recorded
	// with the transcript for reproducibility.
	OverrideKeys []string

	config.BotConfig
}

// Bot drives a single participant from the start page to termination.
type Bot struct {
	cfg       RunConfig
	driver    PageDriver
	completer Completer
	recorder  Recorder
	shots     ScreenshotStore
	prompts   *PromptSet
	validator *Validator
	metrics   *observability.Metrics
	logger    *zap.Logger
	sleep     func(time.Duration)

	record []domain.Message
	// exchangeStart indexes the first message of the exchange in flight,
	// used to build the compact provider view.
	exchangeStart int
	summary       string
	closed        bool
}

// NewBot wires a run. shots may be nil; prompts nil means the defaults.
func NewBot(
	cfg RunConfig,
	driver PageDriver,
	completer Completer,
	recorder Recorder,
	shots ScreenshotStore,
	prompts *PromptSet,
	metrics *observability.Metrics,
	logger *zap.Logger,
) *Bot {
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		cfg:       cfg,
		driver:    driver,
		completer: completer,
		recorder:  recorder,
		shots:     shots,
		prompts:   prompts,
		validator: NewValidator(prompts),
		metrics:   metrics,
		logger:    logger.With(zap.String("participant_id", cfg.ParticipantID)),
		sleep:     time.Sleep,
	}
}

// Run executes the full session loop. It always persists the transcript and
// marks the participant finished before returning, on success and on failure
// alike. The returned error is nil only for a terminated run.
func (b *Bot) Run(ctx context.Context) error {
	if b.metrics != nil {
		b.metrics.RunsStarted.Inc()
	}
	defer b.closeDriver()

	now := time.Now().UTC()
	if err := b.recorder.MarkStarted(ctx, b.cfg.ParticipantID, now); err != nil {
		return fmt.Errorf("marking participant started: %w", err)
	}

	b.record = []domain.Message{{Role: domain.RoleSystem, Content: b.systemPrompt()}}
	b.logger.Info("bot run starting", zap.String("url", b.cfg.URL))

	// Starting: confirm the model understands the task before touching the
	// browser further.
	if _, err := b.exchange(ctx, b.prompts.Render("start", promptData{}), schema.Start()); err != nil {
		return b.fail(ctx, domain.FailureStart, err)
	}

	first := true
	lastBody := ""
	repeats := 0

	for {
		snap, err := b.scanPage(ctx)
		if err != nil {
			return b.fail(ctx, domain.FailureMiddle, err)
		}
		if snap.IsWaitPage {
			snap, err = b.waitForNextPage(ctx)
			if err != nil {
				return b.fail(ctx, domain.FailureAbandoned, err)
			}
		}

		// Natural end: nothing to answer and nowhere to go.
		if !snap.HasFields() && !snap.HasContinue() {
			break
		}

		expected, err := schema.ForPage(snap.Fields)
		if err != nil {
			return b.fail(ctx, domain.FailureMiddle, err)
		}

		msg, err := b.pagePrompt(snap, first)
		if err != nil {
			return b.fail(ctx, domain.FailureMiddle, err)
		}
		first = false

		if snap.BodyText == lastBody {
			repeats++
			if b.metrics != nil {
				b.metrics.StuckPageEvents.Inc()
			}
			b.logger.Warn("page did not change after submitting answers",
				zap.Int("repeats", repeats))
			if repeats >= b.cfg.MaxPageRepeats {
				return b.fail(ctx, domain.FailureMiddle, &domain.BotError{
					Code:    domain.ErrCodeStuckPage,
					Message: fmt.Sprintf("page unchanged after %d attempts", repeats),
				})
			}
			msg = b.prompts.Render("page_not_changed", promptData{}) + msg
		} else {
			repeats = 0
		}
		lastBody = snap.BodyText

		reply, err := b.exchange(ctx, msg, expected)
		if err != nil {
			return b.fail(ctx, domain.FailureMiddle, err)
		}
		if !b.cfg.FullHistory {
			b.summary = reply.Summary
		}

		if snap.HasFields() {
			if err := b.applyAnswers(reply.Answers, snap.Fields); err != nil {
				return b.fail(ctx, domain.FailureMiddle, err)
			}
		}
		if snap.HasContinue() {
			if err := b.driver.Click(snap.ContinueControl); err != nil {
				return b.fail(ctx, domain.FailureMiddle, err)
			}
		}
	}

	// Ending: the browser is no longer needed; release it before the final
	// exchange so a slow model does not hold a page open.
	b.closeDriver()

	endKey := "end"
	if b.cfg.FullHistory {
		endKey = "end_full_hist"
	}
	if _, err := b.exchange(ctx, b.prompts.Render(endKey, promptData{Summary: b.summary}), schema.End()); err != nil {
		// Best effort: the survey itself is complete.
		b.logger.Warn("closing exchange failed", zap.Error(err))
	}

	if err := b.persist(ctx); err != nil {
		return err
	}
	if err := b.recorder.MarkFinished(ctx, b.cfg.ParticipantID, time.Now().UTC()); err != nil {
		return fmt.Errorf("marking participant finished: %w", err)
	}
	if b.metrics != nil {
		b.metrics.RunsCompleted.Inc()
	}
	b.logger.Info("bot run terminated")
	return nil
}

// exchange sends one user message and retries with corrective messages
// until the reply validates or the retry budget is spent. Every message,
// including rejected replies and correctives, lands in the transcript.
func (b *Bot) exchange(ctx context.Context, userMsg string, expected *schema.Expected) (*Reply, error) {
	msg := userMsg
	b.exchangeStart = len(b.record)
	for attempt := 1; attempt <= b.cfg.MaxPromptRetries; attempt++ {
		b.record = append(b.record, domain.Message{Role: domain.RoleUser, Content: msg})

		completion, err := b.completer.Complete(ctx, b.requestMessages(), expected)
		if err != nil {
			return nil, err
		}
		b.record = append(b.record, domain.Message{Role: domain.RoleAssistant, Content: completion.Text})

		if completion.FinishReason == llm.FinishLength {
			b.countRetry("RESPONSE_TRUNCATED")
			msg = b.prompts.Render("resp_too_long", promptData{})
			continue
		}

		reply, corrective := b.validator.Validate(completion.Text, expected)
		if corrective == nil {
			return reply, nil
		}
		for _, code := range corrective.Codes {
			b.countRetry(code)
		}
		b.logger.Debug("response rejected",
			zap.Strings("codes", corrective.Codes),
			zap.Int("attempt", attempt))
		msg = corrective.Message
	}
	return nil, &domain.BotError{
		Code:    domain.ErrCodeRetriesExceeded,
		Message: fmt.Sprintf("no valid response after %d attempts", b.cfg.MaxPromptRetries),
	}
}

// requestMessages returns the conversation view sent to the provider. With
// full history that is the whole transcript; otherwise the system message
// plus the current exchange, which starts at the last user message carrying
// page content. Compact mode relies on the running summary instead.
func (b *Bot) requestMessages() []domain.Message {
	if b.cfg.FullHistory {
		out := make([]domain.Message, len(b.record))
		copy(out, b.record)
		return out
	}
	out := make([]domain.Message, 0, 1+len(b.record)-b.exchangeStart)
	out = append(out, b.record[0])
	out = append(out, b.record[b.exchangeStart:]...)
	return out
}

func (b *Bot) countRetry(code string) {
	if b.metrics != nil {
		b.metrics.PromptRetries.WithLabelValues(code).Inc()
	}
}

// scanPage scans the current participant URL, retrying transient failures.
func (b *Bot) scanPage(ctx context.Context) (*domain.PageSnapshot, error) {
	var lastErr error
	for attempt := 1; attempt <= b.cfg.MaxScrapeRetries; attempt++ {
		snap, err := b.driver.Scan(ctx, b.cfg.URL)
		if err == nil {
			if b.metrics != nil {
				b.metrics.PagesScanned.Inc()
			}
			return snap, nil
		}
		lastErr = err
		if ctx.Err() != nil || !domain.IsRetryable(err) {
			return nil, err
		}
		b.logger.Warn("page scan failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < b.cfg.MaxScrapeRetries {
			b.sleep(time.Second)
		}
	}
	return nil, lastErr
}

// waitForNextPage polls a wait page until it clears or the poll budget runs
// out, which counts as the experiment abandoning the participant.
func (b *Bot) waitForNextPage(ctx context.Context) (*domain.PageSnapshot, error) {
	b.logger.Info("on wait page, polling")
	for poll := 0; poll < b.cfg.MaxWaitPolls; poll++ {
		if err := ctx.Err(); err != nil {
			return nil, domain.NewScrapeError(b.cfg.URL, err)
		}
		b.sleep(b.cfg.WaitPollInterval)
		if b.metrics != nil {
			b.metrics.WaitPagePolls.Inc()
		}
		snap, err := b.scanPage(ctx)
		if err != nil {
			return nil, err
		}
		if !snap.IsWaitPage {
			return snap, nil
		}
	}
	return nil, &domain.BotError{
		Code:    domain.ErrCodeAbandoned,
		Message: fmt.Sprintf("wait page did not clear after %d polls", b.cfg.MaxWaitPolls),
	}
}

// pagePrompt renders the analysis message for a scanned page.
func (b *Bot) pagePrompt(snap *domain.PageSnapshot, first bool) (string, error) {
	data := promptData{
		Body:    snap.BodyText,
		Summary: b.summary,
		NrQ:     len(snap.Fields),
	}
	if snap.HasFields() {
		qj, err := json.Marshal(snap.Fields)
		if err != nil {
			return "", fmt.Errorf("encoding field descriptors: %w", err)
		}
		data.QuestionsJSON = string(qj)
	}

	var key string
	switch {
	case b.cfg.FullHistory && snap.HasFields():
		key = "analyze_page_q_full_hist"
	case b.cfg.FullHistory:
		key = "analyze_page_no_q_full_hist"
	case first && snap.HasFields():
		key = "analyze_first_page_q"
	case first:
		key = "analyze_first_page_no_q"
	case snap.HasFields():
		key = "analyze_page_q"
	default:
		key = "analyze_page_no_q"
	}

	msg := b.prompts.Render(key, data)
	if b.cfg.FullHistory && first {
		msg = strings.Replace(msg,
			"Perfect! You have now proceeded to the next page.",
			"You are now on the starting page of the survey/experiment.", 1)
	}
	return msg, nil
}

func (b *Bot) systemPrompt() string {
	if b.cfg.FullHistory {
		return b.prompts.Render("system_full_hist", promptData{})
	}
	return b.prompts.Render("system", promptData{})
}

// fail records the failure in the transcript, captures a screenshot when a
// store is configured, persists everything, and returns the cause.
func (b *Bot) fail(ctx context.Context, reason domain.FailureReason, cause error) error {
	b.logger.Error("bot run failed",
		zap.String("reason", string(reason)), zap.Error(cause))
	if b.metrics != nil {
		b.metrics.RunsFailed.WithLabelValues(string(reason)).Inc()
	}

	b.record = append(b.record, domain.Message{
		Role:    domain.RoleSystem,
		Content: fmt.Sprintf("Run failed during the %s phase: %v", reason, cause),
	})

	if b.shots != nil && !b.closed {
		if data, err := b.driver.Screenshot(); err == nil {
			key := fmt.Sprintf("%s/%s-%d.png",
				b.cfg.SessionID, b.cfg.ParticipantID, time.Now().Unix())
			if _, err := b.shots.UploadScreenshot(ctx, key, data); err != nil {
				b.logger.Warn("uploading failure screenshot", zap.Error(err))
			}
		}
	}
	b.closeDriver()

	if err := b.persist(ctx); err != nil {
		b.logger.Error("persisting failed run transcript", zap.Error(err))
	}
	if err := b.recorder.MarkFinished(ctx, b.cfg.ParticipantID, time.Now().UTC()); err != nil {
		b.logger.Error("marking failed participant finished", zap.Error(err))
	}
	return cause
}

func (b *Bot) persist(ctx context.Context) error {
	rec := &domain.ConversationRecord{
		ParticipantID: b.cfg.ParticipantID,
		RunParameters: b.runParameters(),
		Messages:      b.record,
	}
	if err := b.recorder.SaveConversation(ctx, rec); err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

// runParameters captures the knobs that shaped this run. Credentials never
// appear here.
func (b *Bot) runParameters() map[string]any {
	return map[string]any{
		"provider":           b.cfg.Provider,
		"model":              b.cfg.Model,
		"full_conv_history":  b.cfg.FullHistory,
		"throttle":           b.cfg.Throttle,
		"max_prompt_retries": b.cfg.MaxPromptRetries,
		"max_scrape_retries": b.cfg.MaxScrapeRetries,
		"max_page_repeats":   b.cfg.MaxPageRepeats,
		"prompt_overrides":   b.cfg.OverrideKeys,
	}
}

func (b *Bot) closeDriver() {
	if b.closed {
		return
	}
	b.closed = true
	if err := b.driver.Close(); err != nil {
		b.logger.Warn("closing browser session", zap.Error(err))
	}
}
