package bot

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/llm"
	"github.com/surveybot/surveybot/internal/schema"
)

type fakeDriver struct {
	scans   []*domain.PageSnapshot
	scanIdx int

	fills   map[string]string
	selects map[string]string
	checks  map[string]bool
	clicks  int
	closed  bool
}

func newFakeDriver(scans ...*domain.PageSnapshot) *fakeDriver {
	return &fakeDriver{
		scans:   scans,
		fills:   map[string]string{},
		selects: map[string]string{},
		checks:  map[string]bool{},
	}
}

func (d *fakeDriver) Scan(ctx context.Context, url string) (*domain.PageSnapshot, error) {
	i := d.scanIdx
	if i >= len(d.scans) {
		i = len(d.scans) - 1
	}
	d.scanIdx++
	return d.scans[i], nil
}

func (d *fakeDriver) Fill(id, value string) error { d.fills[id] = value; return nil }
func (d *fakeDriver) SelectChoice(id string, kind domain.FieldKind, choice string) error {
	d.selects[id] = choice
	return nil
}
func (d *fakeDriver) SetChecked(id string, checked bool) error { d.checks[id] = checked; return nil }
func (d *fakeDriver) Click(ctl domain.ControlHandle) error     { d.clicks++; return nil }
func (d *fakeDriver) Screenshot() ([]byte, error)              { return []byte("png"), nil }
func (d *fakeDriver) Close() error                             { d.closed = true; return nil }

type fakeCompleter struct {
	replies  []llm.Completion
	idx      int
	requests [][]domain.Message
}

func (c *fakeCompleter) Complete(ctx context.Context, messages []domain.Message, expected *schema.Expected) (*llm.Completion, error) {
	c.requests = append(c.requests, messages)
	if c.idx >= len(c.replies) {
		return &llm.Completion{Text: "{}", FinishReason: llm.FinishStop}, nil
	}
	r := c.replies[c.idx]
	c.idx++
	return &r, nil
}

func reply(text string) llm.Completion {
	return llm.Completion{Text: text, FinishReason: llm.FinishStop}
}

type fakeRecorder struct {
	started  *time.Time
	finished *time.Time
	saved    *domain.ConversationRecord
}

func (r *fakeRecorder) MarkStarted(ctx context.Context, participantID string, at time.Time) error {
	r.started = &at
	return nil
}

func (r *fakeRecorder) MarkFinished(ctx context.Context, participantID string, at time.Time) error {
	r.finished = &at
	return nil
}

func (r *fakeRecorder) SaveConversation(ctx context.Context, rec *domain.ConversationRecord) error {
	r.saved = rec
	return nil
}

func testRunConfig() RunConfig {
	return RunConfig{
		SessionID:     "sess1",
		ParticipantID: "abcd1234",
		URL:           "http://otree.test/p/abcd1234",
		Provider:      "openai",
		Model:         "test-model",
		BotConfig: config.BotConfig{
			MaxPromptRetries: 5,
			MaxScrapeRetries: 3,
			MaxPageRepeats:   3,
			MaxWaitPolls:     2,
			WaitPollInterval: time.Millisecond,
		},
	}
}

func newTestBot(cfg RunConfig, driver PageDriver, completer Completer, recorder Recorder) *Bot {
	b := NewBot(cfg, driver, completer, recorder, nil, nil, nil, zap.NewNop())
	b.sleep = func(time.Duration) {}
	return b
}

const startReply = `{"task": "complete an online survey", "understood": true}`
const endReply = `{"remarks": "it went fine", "confused": false}`

func questionPage(body string) *domain.PageSnapshot {
	return &domain.PageSnapshot{
		BodyText:        body,
		ContinueControl: domain.ControlHandle(".otree-btn-next"),
		Fields: []domain.FieldDescriptor{
			{ID: "id_amount", Kind: domain.KindNumber, Label: "Amount"},
		},
	}
}

const amountReply = `{
	"answers": {"id_amount": {"reason": "fair split", "answer": 7}},
	"summary": "a page asking for an amount",
	"confused": false
}`

func TestRunCompletesTwoPageSurvey(t *testing.T) {
	driver := newFakeDriver(
		questionPage("Please choose an amount."),
		&domain.PageSnapshot{BodyText: "Thank you for participating."},
	)
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply), reply(amountReply), reply(endReply),
	}}
	recorder := &fakeRecorder{}

	b := newTestBot(testRunConfig(), driver, completer, recorder)
	err := b.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "7", driver.fills["id_amount"])
	assert.Equal(t, 1, driver.clicks)
	assert.True(t, driver.closed)

	require.NotNil(t, recorder.started)
	require.NotNil(t, recorder.finished)
	require.NotNil(t, recorder.saved)
	assert.Equal(t, "abcd1234", recorder.saved.ParticipantID)
	assert.Equal(t, "test-model", recorder.saved.RunParameters["model"])

	msgs := recorder.saved.Messages
	require.NotEmpty(t, msgs)
	assert.Equal(t, domain.RoleSystem, msgs[0].Role)
	// start, page, end: three user/assistant pairs after the system message.
	assert.Len(t, msgs, 7)
}

func TestRunFailsAfterRepeatedIdenticalPages(t *testing.T) {
	page := questionPage("A page that never advances.")
	driver := newFakeDriver(page, page, page, page)
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply), reply(amountReply), reply(amountReply), reply(amountReply),
	}}
	recorder := &fakeRecorder{}

	b := newTestBot(testRunConfig(), driver, completer, recorder)
	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeStuckPage, domain.CodeOf(err))

	// Three identical re-scans after the first answer, then failure; the
	// model was asked three times in total for this page.
	assert.Equal(t, 4, len(completer.requests))

	// Failure still persists the transcript and marks the participant done.
	require.NotNil(t, recorder.saved)
	require.NotNil(t, recorder.finished)
	last := recorder.saved.Messages[len(recorder.saved.Messages)-1]
	assert.Equal(t, domain.RoleSystem, last.Role)
	assert.Contains(t, last.Content, "middle")
	assert.True(t, driver.closed)
}

func TestRunRepeatNoticePrefixesPrompt(t *testing.T) {
	page := questionPage("Sticky page.")
	driver := newFakeDriver(page, page, page, page)
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply), reply(amountReply), reply(amountReply), reply(amountReply),
	}}
	b := newTestBot(testRunConfig(), driver, completer, &fakeRecorder{})
	_ = b.Run(context.Background())

	// Second page request carries the not-changed notice before the page text.
	require.GreaterOrEqual(t, len(completer.requests), 3)
	secondPageMsg := completer.requests[2][len(completer.requests[2])-1]
	assert.Contains(t, secondPageMsg.Content, "did not advance")
}

func TestRunAbandonedOnUnclearedWaitPage(t *testing.T) {
	driver := newFakeDriver(&domain.PageSnapshot{
		BodyText:   "Waiting for other participants.",
		IsWaitPage: true,
	})
	completer := &fakeCompleter{replies: []llm.Completion{reply(startReply)}}
	recorder := &fakeRecorder{}

	b := newTestBot(testRunConfig(), driver, completer, recorder)
	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeAbandoned, domain.CodeOf(err))

	require.NotNil(t, recorder.saved)
	last := recorder.saved.Messages[len(recorder.saved.Messages)-1]
	assert.Contains(t, last.Content, "abandoned")
}

func TestExchangeRetriesOnInvalidJSON(t *testing.T) {
	driver := newFakeDriver(
		questionPage("Choose an amount."),
		&domain.PageSnapshot{BodyText: "Done."},
	)
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply),
		reply("not json at all"),
		reply(amountReply),
		reply(endReply),
	}}
	recorder := &fakeRecorder{}

	b := newTestBot(testRunConfig(), driver, completer, recorder)
	err := b.Run(context.Background())
	require.NoError(t, err)

	// The rejected reply and its corrective both appear in the transcript.
	var correctives int
	for _, m := range recorder.saved.Messages {
		if m.Role == domain.RoleUser && m.Content == DefaultPrompts().Render("json_error", promptData{}) {
			correctives++
		}
	}
	assert.Equal(t, 1, correctives)
	assert.Equal(t, "7", driver.fills["id_amount"])
}

func TestExchangeRetriesOnTruncation(t *testing.T) {
	driver := newFakeDriver(
		questionPage("Choose an amount."),
		&domain.PageSnapshot{BodyText: "Done."},
	)
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply),
		{Text: `{"answers": {"id_amount"`, FinishReason: llm.FinishLength},
		reply(amountReply),
		reply(endReply),
	}}
	b := newTestBot(testRunConfig(), driver, completer, &fakeRecorder{})
	require.NoError(t, b.Run(context.Background()))
	assert.Equal(t, "7", driver.fills["id_amount"])
}

func TestExchangeGivesUpAfterRetryBudget(t *testing.T) {
	cfg := testRunConfig()
	cfg.MaxPromptRetries = 2

	driver := newFakeDriver(questionPage("Page."))
	completer := &fakeCompleter{} // always returns {}
	recorder := &fakeRecorder{}

	b := newTestBot(cfg, driver, completer, recorder)
	err := b.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.ErrCodeRetriesExceeded, domain.CodeOf(err))
	// Start exchange burned the budget; the run failed in the start phase.
	assert.Contains(t, recorder.saved.Messages[len(recorder.saved.Messages)-1].Content, "start")
}

func TestCompactHistorySendsSummaryNotTranscript(t *testing.T) {
	driver := newFakeDriver(
		questionPage("Page one."),
		&domain.PageSnapshot{
			BodyText:        "Page two.",
			ContinueControl: domain.ControlHandle(".otree-btn-next"),
			Fields: []domain.FieldDescriptor{
				{ID: "id_choice", Kind: domain.KindSingleChoice, Choices: []string{"Yes", "No"}},
			},
		},
		&domain.PageSnapshot{BodyText: "Done."},
	)
	secondReply := `{
		"answers": {"id_choice": {"reason": "r", "answer": "Yes"}},
		"summary": "updated summary",
		"confused": false
	}`
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply), reply(amountReply), reply(secondReply), reply(endReply),
	}}
	b := newTestBot(testRunConfig(), driver, completer, &fakeRecorder{})
	require.NoError(t, b.Run(context.Background()))

	// The second page request starts fresh: system message plus one user
	// message carrying the previous page's summary.
	req := completer.requests[2]
	require.Len(t, req, 2)
	assert.Equal(t, domain.RoleSystem, req[0].Role)
	assert.Contains(t, req[1].Content, "a page asking for an amount")
	assert.Equal(t, "Yes", driver.selects["id_choice"])
}

func TestFullHistorySendsWholeTranscript(t *testing.T) {
	cfg := testRunConfig()
	cfg.FullHistory = true

	driver := newFakeDriver(
		questionPage("Page one."),
		&domain.PageSnapshot{BodyText: "Done."},
	)
	completer := &fakeCompleter{replies: []llm.Completion{
		reply(startReply), reply(amountReply), reply(endReply),
	}}
	b := newTestBot(cfg, driver, completer, &fakeRecorder{})
	require.NoError(t, b.Run(context.Background()))

	// The page request includes the start exchange.
	req := completer.requests[1]
	require.Len(t, req, 4)
	assert.Equal(t, domain.RoleSystem, req[0].Role)
	assert.Equal(t, domain.RoleAssistant, req[2].Role)

	// First page in full-history mode announces the starting page.
	assert.Contains(t, req[3].Content, "starting page")
	assert.NotContains(t, req[3].Content, "proceeded to the next page")
}
