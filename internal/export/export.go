// Package export flattens persisted run data into CSV files: one row per
// participant, and one row per accepted answer with its inferred round.
package export

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/surveybot/surveybot/internal/bot"
	"github.com/surveybot/surveybot/internal/domain"
)

// Response is one accepted answer, flattened for analysis.
type Response struct {
	SessionID     string
	ParticipantID string
	Round         int
	QuestionID    string
	Answer        string
	Reason        string
}

// ExtractResponses replays a transcript and returns the answers the survey
// accepted. An answer counts as accepted when the user message following the
// assistant reply acknowledges it, which happens exactly when the run moved
// on to the next page.
func ExtractResponses(sessionID, participantID string, msgs []domain.Message) []Response {
	type rawAnswer struct {
		id     string
		answer string
		reason string
	}
	var accepted []rawAnswer

	for i, m := range msgs {
		if m.Role != domain.RoleAssistant {
			continue
		}
		if i+1 >= len(msgs) || msgs[i+1].Role != domain.RoleUser {
			continue
		}
		if !strings.HasPrefix(msgs[i+1].Content, bot.AcceptancePrefix) {
			continue
		}
		answers, ok := parseAnswers(m.Content)
		if !ok {
			continue
		}
		ids := make([]string, 0, len(answers))
		for id := range answers {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			accepted = append(accepted, rawAnswer{
				id:     id,
				answer: answers[id].answer,
				reason: answers[id].reason,
			})
		}
	}

	// Rounds are not recorded anywhere; infer them from repetition. The
	// round counter is global and only ratchets up: when any question id
	// repeats for the k-th time the transcript has reached round k, and
	// every answer from then on belongs to that round until a deeper
	// repetition appears. A one-off question asked late in the run is
	// attributed to the round in progress, not to round 1.
	seen := map[string]int{}
	round := 1
	out := make([]Response, 0, len(accepted))
	for _, a := range accepted {
		seen[a.id]++
		if seen[a.id] > round {
			round = seen[a.id]
		}
		out = append(out, Response{
			SessionID:     sessionID,
			ParticipantID: participantID,
			Round:         round,
			QuestionID:    a.id,
			Answer:        a.answer,
			Reason:        a.reason,
		})
	}
	return out
}

type parsedAnswer struct {
	answer string
	reason string
}

// parseAnswers pulls the answers object out of a raw assistant reply. The
// reply may carry prose or fencing around the JSON.
func parseAnswers(content string) (map[string]parsedAnswer, bool) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return nil, false
	}

	var obj struct {
		Answers map[string]struct {
			Answer any    `json:"answer"`
			Reason string `json:"reason"`
		} `json:"answers"`
	}
	dec := json.NewDecoder(strings.NewReader(content[start : end+1]))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || len(obj.Answers) == 0 {
		return nil, false
	}

	out := make(map[string]parsedAnswer, len(obj.Answers))
	for id, a := range obj.Answers {
		out[id] = parsedAnswer{answer: renderValue(a.Answer), reason: a.Reason}
	}
	return out, true
}

func renderValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(data)
	}
}

// WriteResponsesCSV writes the flattened answers of all given transcripts.
// sessionIDs maps a participant to its session; unknown participants get an
// empty session column.
func WriteResponsesCSV(w io.Writer, records []*domain.ConversationRecord, sessionIDs map[string]string) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"session_id", "participant_id", "round", "question_id", "answer", "reason"}); err != nil {
		return fmt.Errorf("writing responses header: %w", err)
	}
	for _, rec := range records {
		responses := ExtractResponses(sessionIDs[rec.ParticipantID], rec.ParticipantID, rec.Messages)
		for _, r := range responses {
			row := []string{
				r.SessionID, r.ParticipantID, strconv.Itoa(r.Round),
				r.QuestionID, r.Answer, r.Reason,
			}
			if err := cw.Write(row); err != nil {
				return fmt.Errorf("writing response row: %w", err)
			}
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteParticipantsCSV writes one row per participant seat.
func WriteParticipantsCSV(w io.Writer, participants []domain.Participant) error {
	cw := csv.NewWriter(w)
	header := []string{"session_name", "session_id", "participant_id", "is_human", "url", "time_in", "time_out"}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("writing participants header: %w", err)
	}
	for _, p := range participants {
		row := []string{
			p.SessionName, p.SessionID, p.ParticipantID,
			strconv.FormatBool(p.IsHuman), p.URL,
			formatTime(p.TimeIn), formatTime(p.TimeOut),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing participant row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
