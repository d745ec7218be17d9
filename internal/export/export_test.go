package export

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/surveybot/surveybot/internal/domain"
)

func assistant(content string) domain.Message {
	return domain.Message{Role: domain.RoleAssistant, Content: content}
}

func user(content string) domain.Message {
	return domain.Message{Role: domain.RoleUser, Content: content}
}

func TestExtractResponsesAcceptedOnly(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleSystem, Content: "system"},
		user("start"),
		assistant(`{"task": "survey", "understood": true}`),
		user("page one"),
		// Rejected: the next user message is a corrective, not an acknowledgment.
		assistant(`{"answers": {"id_a": {"reason": "r", "answer": "bad"}}, "summary": "s", "confused": false}`),
		user("Your response was not valid JSON."),
		assistant(`{"answers": {"id_a": {"reason": "second try", "answer": 7}}, "summary": "s", "confused": false}`),
		user("Perfect! You have now proceeded to the next page."),
		assistant(`{"answers": {"id_b": {"reason": "final", "answer": true}}, "summary": "s", "confused": false}`),
		user("Perfect! The survey/experiment is over."),
		assistant(`{"remarks": "fine", "confused": false}`),
	}

	responses := ExtractResponses("s1", "p1", msgs)
	require.Len(t, responses, 2)
	assert.Equal(t, "id_a", responses[0].QuestionID)
	assert.Equal(t, "7", responses[0].Answer)
	assert.Equal(t, "second try", responses[0].Reason)
	assert.Equal(t, "id_b", responses[1].QuestionID)
	assert.Equal(t, "true", responses[1].Answer)
	assert.Equal(t, 1, responses[0].Round)
}

func TestExtractResponsesInfersRounds(t *testing.T) {
	page := func(answer string) []domain.Message {
		return []domain.Message{
			assistant(`{"answers": {"id_contribution": {"reason": "r", "answer": ` + answer + `}}, "summary": "s", "confused": false}`),
			user("Perfect! You have now proceeded to the next page."),
		}
	}
	var msgs []domain.Message
	msgs = append(msgs, page("10")...)
	msgs = append(msgs, page("15")...)
	msgs = append(msgs, page("20")...)

	responses := ExtractResponses("s1", "p1", msgs)
	require.Len(t, responses, 3)
	assert.Equal(t, 1, responses[0].Round)
	assert.Equal(t, 2, responses[1].Round)
	assert.Equal(t, 3, responses[2].Round)
	assert.Equal(t, "15", responses[1].Answer)
}

func TestExtractResponsesRoundSticksForOneOffQuestions(t *testing.T) {
	page := func(id, answer string) []domain.Message {
		return []domain.Message{
			assistant(`{"answers": {"` + id + `": {"reason": "r", "answer": ` + answer + `}}, "summary": "s", "confused": false}`),
			user("Perfect! You have now proceeded to the next page."),
		}
	}
	// Two rounds of id_send followed by a question that only appears once.
	// The one-off question belongs to the round in progress.
	var msgs []domain.Message
	msgs = append(msgs, page("id_send", "10")...)
	msgs = append(msgs, page("id_send", "15")...)
	msgs = append(msgs, page("id_rating", "3")...)

	responses := ExtractResponses("s1", "p1", msgs)
	require.Len(t, responses, 3)
	assert.Equal(t, 1, responses[0].Round)
	assert.Equal(t, 2, responses[1].Round)
	assert.Equal(t, "id_rating", responses[2].QuestionID)
	assert.Equal(t, 2, responses[2].Round)
}

func TestWriteResponsesCSV(t *testing.T) {
	rec := &domain.ConversationRecord{
		ParticipantID: "p1",
		Messages: []domain.Message{
			assistant(`{"answers": {"id_a": {"reason": "why not", "answer": "free, text"}}, "summary": "s", "confused": false}`),
			user("Perfect!"),
		},
	}
	var buf bytes.Buffer
	err := WriteResponsesCSV(&buf, []*domain.ConversationRecord{rec}, map[string]string{"p1": "s9"})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"session_id", "participant_id", "round", "question_id", "answer", "reason"}, rows[0])
	assert.Equal(t, []string{"s9", "p1", "1", "id_a", "free, text", "why not"}, rows[1])
}

func TestWriteParticipantsCSV(t *testing.T) {
	in := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	err := WriteParticipantsCSV(&buf, []domain.Participant{
		{SessionName: "dictator", SessionID: "s1", ParticipantID: "p1", IsHuman: false, URL: "http://x/p1", TimeIn: &in},
		{SessionName: "dictator", SessionID: "s1", ParticipantID: "p2", IsHuman: true, URL: "http://x/p2"},
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "2026-02-01T10:00:00Z", rows[1][5])
	assert.Equal(t, "", rows[2][5])
	assert.Equal(t, "true", rows[2][3])
}
