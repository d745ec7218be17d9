package bot

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
)

// AcceptancePrefix starts every follow-up prompt that acknowledges an
// accepted answer. The export pipeline relies on it to tell accepted
// answers from rejected ones when replaying a transcript.
const AcceptancePrefix = "Perfect"

// promptData carries the substitutions available to page templates.
type promptData struct {
	Body          string
	Summary       string
	NrQ           int
	QuestionsJSON string
}

// PromptSet holds the named message templates the bot sends. User overrides
// replace defaults by key; unknown keys are rejected before a run starts.
type PromptSet struct {
	templates map[string]*template.Template
}

const defaultSystem = `You are participating in an online survey or economic experiment. You will be shown the text of one web page at a time. Analyze each page carefully, answer any questions truthfully and consistently with your prior answers, and respond only in the JSON format that you are asked for. Do not pretend to be an AI assistant; act as a thoughtful human participant would.`

const defaultSystemFullHist = `You are participating in an online survey or economic experiment. You will be shown the text of each web page as you proceed, and the full conversation so far is available to you. Analyze each page carefully, answer any questions truthfully and consistently with your prior answers, and respond only in the JSON format that you are asked for. Do not pretend to be an AI assistant; act as a thoughtful human participant would.`

var defaultPrompts = map[string]string{
	"system":           defaultSystem,
	"system_full_hist": defaultSystemFullHist,

	"start": `You are about to take part in an online survey or experiment. I will scan each page for you, send you its text, and enter your answers into the web form. Respond with a JSON object containing the key 'task' (a concise summary of your task as you understand it) and the key 'understood' (true if you understood the task, false otherwise).`,

	"analyze_first_page_q": `You are now on the starting page of the survey/experiment. Below I provide the page's full text. The page contains {{.NrQ}} question(s), described by the following JSON array: {{.QuestionsJSON}}. Respond with a JSON object containing the key 'answers' (an object with one entry per question id, each carrying 'reason' and 'answer'), the key 'summary' (a summary of the page and what you learn from it), and the key 'confused' (true only if the instructions leave you unable to answer).

Page text:
{{.Body}}`,

	"analyze_first_page_no_q": `You are now on the starting page of the survey/experiment. Below I provide the page's full text. The page contains no questions. Respond with a JSON object containing the key 'summary' (a summary of the page and what you learn from it about the survey/experiment) and the key 'confused' (true only if the instructions leave you unable to proceed).

Page text:
{{.Body}}`,

	"analyze_page_q": `Perfect! You have now proceeded to the next page. This is your summary of the survey/experiment so far: {{.Summary}}. Below I provide the new page's full text. The page contains {{.NrQ}} question(s), described by the following JSON array: {{.QuestionsJSON}}. Respond with a JSON object containing the key 'answers' (an object with one entry per question id, each carrying 'reason' and 'answer'), the key 'summary' (an updated summary including this page, all questions, and your answers), and the key 'confused' (true only if the instructions leave you unable to answer).

Page text:
{{.Body}}`,

	"analyze_page_no_q": `Perfect! You have now proceeded to the next page. This is your summary of the survey/experiment so far: {{.Summary}}. Below I provide the new page's full text. The page contains no questions. Respond with a JSON object containing the key 'summary' (an updated summary including this page) and the key 'confused' (true only if the instructions leave you unable to proceed).

Page text:
{{.Body}}`,

	"analyze_page_q_full_hist": `Perfect! You have now proceeded to the next page. Below I provide the page's full text. The page contains {{.NrQ}} question(s), described by the following JSON array: {{.QuestionsJSON}}. Respond with a JSON object containing the key 'answers' (an object with one entry per question id, each carrying 'reason' and 'answer'), the key 'summary' (a summary of this page, all questions, and your answers), and the key 'confused' (true only if the instructions leave you unable to answer).

Page text:
{{.Body}}`,

	"analyze_page_no_q_full_hist": `Perfect! You have now proceeded to the next page. Below I provide the page's full text. The page contains no questions. Respond with a JSON object containing the key 'summary' (a summary of this page) and the key 'confused' (true only if the instructions leave you unable to proceed).

Page text:
{{.Body}}`,

	"page_not_changed": `Your previous answer did not advance the page; most likely one of your answers was rejected by the form. Read the page text below carefully, it may contain an error message explaining what was wrong. Then answer all questions again. `,

	"resp_too_long": `Your response was too long and got cut off. Please send the same response again, but more concise, so that it fits within the length limit.`,

	"json_error": `Your response was not valid JSON. Please send your response again as a single valid JSON object, with no text before or after it.`,

	"schema_error": `Your response did not have the required structure: {{.Body}}. Please send your response again, following the required JSON structure exactly.`,

	"confused": `You indicated that you are confused. Please re-read the page text from my previous message, take your best guess where the instructions are ambiguous, and answer again without setting 'confused' unless you truly cannot proceed.`,

	"not_understood": `You indicated that you did not understand the task. Please re-read my first message and respond again, setting 'understood' to true if the task is now clear.`,

	"unanswered": `Your response is missing answers for the following question id(s): {{.Body}}. Please send your response again, answering every question listed in my previous message.`,

	"answer_not_numeric": `Your answer to question id(s) {{.Body}} needs to be a number, but I could not find one in your response. Please answer again with a plain numeric value.`,

	"select_answer_numeric": `Your answer to question id(s) {{.Body}} was a number that does not match any of the listed options. Please answer again using the literal text of one of the options.`,

	"select_answer_unknown": `Your answer to question id(s) {{.Body}} does not match any of the listed options. Please answer again using the literal text of one of the options.`,

	"end": `Perfect! The survey/experiment is over. This is your summary of it: {{.Summary}}. Respond with a JSON object containing the key 'remarks' (your final remarks about the survey/experiment and how it went for you) and the key 'confused' (true if you were confused by any part of it, false otherwise).`,

	"end_full_hist": `Perfect! The survey/experiment is over. Respond with a JSON object containing the key 'remarks' (your final remarks about the survey/experiment and how it went for you) and the key 'confused' (true if you were confused by any part of it, false otherwise).`,
}

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() *PromptSet {
	p, err := NewPromptSet(nil)
	if err != nil {
		// Defaults are compile-time constants; a parse failure here is a
		// programming error.
		panic(err)
	}
	return p
}

// NewPromptSet builds a prompt set from the defaults plus the given
// overrides. An override for a key that does not exist in the defaults is
// an error, so typos surface before any browser starts.
func NewPromptSet(overrides map[string]string) (*PromptSet, error) {
	merged := make(map[string]string, len(defaultPrompts))
	for k, v := range defaultPrompts {
		merged[k] = v
	}
	var unknown []string
	for k, v := range overrides {
		if _, ok := merged[k]; !ok {
			unknown = append(unknown, k)
			continue
		}
		merged[k] = v
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown prompt override key(s): %s",
			strings.Join(unknown, ", "))
	}

	templates := make(map[string]*template.Template, len(merged))
	for k, v := range merged {
		t, err := template.New(k).Parse(v)
		if err != nil {
			return nil, fmt.Errorf("parsing prompt template %q: %w", k, err)
		}
		templates[k] = t
	}
	return &PromptSet{templates: templates}, nil
}

// Render substitutes data into the named template.
func (p *PromptSet) Render(key string, data promptData) string {
	t, ok := p.templates[key]
	if !ok {
		return ""
	}
	var sb strings.Builder
	if err := t.Execute(&sb, data); err != nil {
		return ""
	}
	return sb.String()
}

// renderList renders a template whose only substitution is a list of field
// ids, passed through the Body slot.
func (p *PromptSet) renderList(key string, ids []string) string {
	return p.Render(key, promptData{Body: strings.Join(ids, ", ")})
}
