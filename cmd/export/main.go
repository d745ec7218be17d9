// Command export dumps the run store to CSV: participant seats and the
// flattened answers of every persisted transcript.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/surveybot/surveybot/internal/config"
	"github.com/surveybot/surveybot/internal/export"
	"github.com/surveybot/surveybot/internal/repository/sqlite"
)

func main() {
	sessionID := flag.String("session-id", "", "Limit participants to one session (empty for all)")
	participantsOut := flag.String("participants", "participants.csv", "Participants CSV output path")
	responsesOut := flag.String("responses", "responses.csv", "Responses CSV output path")
	flag.Parse()

	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	db, err := sqlite.New(cfg.Store)
	if err != nil {
		fatal("opening run store: %v", err)
	}
	defer db.Close()
	repo := sqlite.NewRunRepository(db)

	ctx := context.Background()
	participants, err := repo.ListParticipants(ctx, *sessionID)
	if err != nil {
		fatal("listing participants: %v", err)
	}
	records, err := repo.ListConversations(ctx)
	if err != nil {
		fatal("listing conversations: %v", err)
	}

	sessions := make(map[string]string, len(participants))
	for _, p := range participants {
		sessions[p.ParticipantID] = p.SessionID
	}

	pf, err := os.Create(*participantsOut)
	if err != nil {
		fatal("creating %s: %v", *participantsOut, err)
	}
	defer pf.Close()
	if err := export.WriteParticipantsCSV(pf, participants); err != nil {
		fatal("writing participants: %v", err)
	}

	rf, err := os.Create(*responsesOut)
	if err != nil {
		fatal("creating %s: %v", *responsesOut, err)
	}
	defer rf.Close()
	if err := export.WriteResponsesCSV(rf, records, sessions); err != nil {
		fatal("writing responses: %v", err)
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Printf("Exported %d participant(s) to %s and %d transcript(s) to %s\n",
		len(participants), *participantsOut, len(records), *responsesOut)
}

func fatal(format string, args ...any) {
	color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
