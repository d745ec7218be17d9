// Package otree talks to an oTree server's REST API to create sessions and
// resolve participant URLs.
package otree

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sort"
	"strings"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/domain"
)

const restKeyHeader = "otree-rest-key"

// Client is an oTree REST API client.
type Client struct {
	serverURL  string
	restKey    string
	httpClient *http.Client
}

// NewClient creates a client for the configured server.
func NewClient(cfg config.OTreeConfig) *Client {
	return &Client{
		serverURL:  strings.TrimRight(cfg.ServerURL, "/"),
		restKey:    cfg.RestKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// SessionRequest describes the session to create.
type SessionRequest struct {
	ConfigName      string
	NumParticipants int
	// NumHumans seats are reserved for human participants; the rest are
	// bots. Which seats go to humans is randomized.
	NumHumans    int
	ConfigFields map[string]any
}

// Session is a created oTree session with its resolved participant seats.
type Session struct {
	Code         string
	Participants []domain.Participant
}

// BotURLs returns the participant URLs of the bot seats.
func (s *Session) BotURLs() []string {
	var urls []string
	for _, p := range s.Participants {
		if !p.IsHuman {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

// HumanURLs returns the participant URLs of the human seats, for handing out
// to real subjects.
func (s *Session) HumanURLs() []string {
	var urls []string
	for _, p := range s.Participants {
		if p.IsHuman {
			urls = append(urls, p.URL)
		}
	}
	return urls
}

type createSessionResponse struct {
	Code string `json:"code"`
}

type sessionDetailResponse struct {
	Participants []struct {
		Code        string `json:"code"`
		IDInSession int    `json:"id_in_session"`
	} `json:"participants"`
}

// CreateSession creates a session, fetches its participants, and assigns
// human seats at random.
func (c *Client) CreateSession(ctx context.Context, req SessionRequest) (*Session, error) {
	if req.NumHumans < 0 || req.NumHumans > req.NumParticipants {
		return nil, fmt.Errorf("invalid human seat count %d of %d", req.NumHumans, req.NumParticipants)
	}

	body := map[string]any{
		"session_config_name": req.ConfigName,
		"num_participants":    req.NumParticipants,
	}
	if len(req.ConfigFields) > 0 {
		body["modified_session_config_fields"] = req.ConfigFields
	}

	var created createSessionResponse
	if err := c.do(ctx, http.MethodPost, "/api/sessions", body, &created); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	detail, err := c.getSessionDetail(ctx, created.Code)
	if err != nil {
		return nil, err
	}

	isHuman := make([]bool, req.NumParticipants)
	for i := 0; i < req.NumHumans; i++ {
		isHuman[i] = true
	}
	rand.Shuffle(len(isHuman), func(i, j int) {
		isHuman[i], isHuman[j] = isHuman[j], isHuman[i]
	})

	participants := make([]domain.Participant, 0, len(detail.Participants))
	for i, p := range detail.Participants {
		human := i < len(isHuman) && isHuman[i]
		participants = append(participants, domain.Participant{
			SessionName:   req.ConfigName,
			SessionID:     created.Code,
			ParticipantID: p.Code,
			IsHuman:       human,
			URL:           c.ParticipantURL(p.Code),
		})
	}
	return &Session{Code: created.Code, Participants: participants}, nil
}

// getSessionDetail fetches session details with participants ordered by
// their seat number.
func (c *Client) getSessionDetail(ctx context.Context, code string) (*sessionDetailResponse, error) {
	var detail sessionDetailResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions/"+code, nil, &detail); err != nil {
		return nil, fmt.Errorf("fetching session %s: %w", code, err)
	}
	sort.Slice(detail.Participants, func(i, j int) bool {
		return detail.Participants[i].IDInSession < detail.Participants[j].IDInSession
	})
	return &detail, nil
}

// ParticipantURL derives the join URL for a participant code.
func (c *Client) ParticipantURL(code string) string {
	return c.serverURL + "/InitializeParticipant/" + code
}

// ParticipantIDFromURL derives a stable participant identifier from a join
// URL: the trailing 8 characters of the path.
func ParticipantIDFromURL(url string) string {
	trimmed := strings.TrimRight(url, "/")
	if len(trimmed) <= 8 {
		return trimmed
	}
	return trimmed[len(trimmed)-8:]
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.restKey != "" {
		req.Header.Set(restKeyHeader, c.restKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", path, err)
	}
	return nil
}
