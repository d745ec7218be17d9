package bot

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/surveybot/surveybot/internal/domain"
	"github.com/surveybot/surveybot/internal/schema"
)

// Reply is the validated, normalized form of a model response.
type Reply struct {
	// Starting exchange.
	Task       string
	Understood bool

	// Ending exchange.
	Remarks string

	// Page exchanges.
	Answers map[string]domain.Answer
	Summary string

	Confused bool
}

// Corrective describes why a response was rejected and carries the message
// to send back so the model can repair it.
type Corrective struct {
	Codes   []string
	Message string
}

var (
	intPattern   = regexp.MustCompile(`[-+]?[0-9]+`)
	floatPattern = regexp.MustCompile(`[-+]?(?:[0-9]*\.[0-9]+|[0-9]+\.?[0-9]*)(?:[eE][-+]?[0-9]+)?`)
)

// Validator checks raw model output against the expectation for the current
// exchange and produces either a normalized Reply or a corrective message.
type Validator struct {
	prompts *PromptSet
}

func NewValidator(prompts *PromptSet) *Validator {
	return &Validator{prompts: prompts}
}

// Validate parses and checks a raw completion. Exactly one of the results is
// non-nil.
func (v *Validator) Validate(raw string, exp *schema.Expected) (*Reply, *Corrective) {
	obj, ok := extractJSON(raw)
	if !ok {
		return nil, &Corrective{
			Codes:   []string{domain.ErrCodeNotJSON},
			Message: v.prompts.Render("json_error", promptData{}),
		}
	}

	switch exp.Variant {
	case schema.VariantStart:
		return v.validateStart(obj)
	case schema.VariantEnd:
		return v.validateEnd(obj)
	case schema.VariantSummary:
		return v.validateSummary(obj)
	default:
		return v.validateAnswers(obj, exp.Fields)
	}
}

func (v *Validator) validateStart(obj map[string]any) (*Reply, *Corrective) {
	task, taskOK := stringValue(obj["task"])
	understood, boolOK := boolValue(obj["understood"])
	if !taskOK || !boolOK {
		return nil, v.schemaCorrective("expected the keys 'task' (string) and 'understood' (boolean)")
	}
	if !understood {
		return nil, &Corrective{
			Codes:   []string{domain.ErrCodeConfused},
			Message: v.prompts.Render("not_understood", promptData{}),
		}
	}
	return &Reply{Task: task, Understood: true}, nil
}

func (v *Validator) validateEnd(obj map[string]any) (*Reply, *Corrective) {
	remarks, remarksOK := stringValue(obj["remarks"])
	confused, boolOK := boolValue(obj["confused"])
	if !remarksOK || !boolOK {
		return nil, v.schemaCorrective("expected the keys 'remarks' (string) and 'confused' (boolean)")
	}
	return &Reply{Remarks: remarks, Confused: confused}, nil
}

func (v *Validator) validateSummary(obj map[string]any) (*Reply, *Corrective) {
	summary, sumOK := stringValue(obj["summary"])
	confused, boolOK := boolValue(obj["confused"])
	if !sumOK || !boolOK {
		return nil, v.schemaCorrective("expected the keys 'summary' (string) and 'confused' (boolean)")
	}
	if confused {
		return nil, v.confusedCorrective()
	}
	return &Reply{Summary: summary, Confused: false}, nil
}

func (v *Validator) validateAnswers(obj map[string]any, fields []domain.FieldDescriptor) (*Reply, *Corrective) {
	summary, sumOK := stringValue(obj["summary"])
	confused, boolOK := boolValue(obj["confused"])
	rawAnswers, ansOK := obj["answers"].(map[string]any)
	if !sumOK || !boolOK || !ansOK {
		return nil, v.schemaCorrective("expected the keys 'answers' (object), 'summary' (string) and 'confused' (boolean)")
	}
	if confused {
		return nil, v.confusedCorrective()
	}

	var missing []string
	for _, f := range fields {
		if _, ok := rawAnswers[f.ID]; !ok {
			missing = append(missing, f.ID)
		}
	}
	if len(missing) > 0 {
		return nil, &Corrective{
			Codes:   []string{domain.ErrCodeUnansweredFields},
			Message: v.prompts.renderList("unanswered", missing),
		}
	}

	answers := make(map[string]domain.Answer, len(fields))
	issues := map[string][]string{}
	for _, f := range fields {
		entry, ok := rawAnswers[f.ID].(map[string]any)
		if !ok {
			return nil, v.schemaCorrective("each entry under 'answers' must be an object with the keys 'reason' and 'answer'")
		}
		reason, _ := stringValue(entry["reason"])
		value, code := normalizeAnswer(f, entry["answer"])
		if code != "" {
			issues[code] = append(issues[code], f.ID)
			continue
		}
		answers[f.ID] = domain.Answer{Value: value, Reason: reason}
	}
	if len(issues) > 0 {
		return nil, v.answerCorrective(issues)
	}

	return &Reply{Answers: answers, Summary: summary, Confused: false}, nil
}

// normalizeAnswer coerces a raw answer value into the canonical form for the
// field's kind, or returns the error code describing why it cannot.
func normalizeAnswer(f domain.FieldDescriptor, raw any) (any, string) {
	switch f.Kind {
	case domain.KindNumber:
		switch val := raw.(type) {
		case json.Number:
			if n, err := val.Int64(); err == nil {
				return n, ""
			}
			if fl, err := val.Float64(); err == nil {
				return int64(fl), ""
			}
			return nil, domain.ErrCodeAnswerNotNumeric
		case string:
			m := intPattern.FindString(val)
			if m == "" {
				return nil, domain.ErrCodeAnswerNotNumeric
			}
			n, err := strconv.ParseInt(m, 10, 64)
			if err != nil {
				return nil, domain.ErrCodeAnswerNotNumeric
			}
			return n, ""
		default:
			return nil, domain.ErrCodeAnswerNotNumeric
		}

	case domain.KindFloat:
		switch val := raw.(type) {
		case json.Number:
			fl, err := val.Float64()
			if err != nil {
				return nil, domain.ErrCodeAnswerNotNumeric
			}
			return fl, ""
		case string:
			m := floatPattern.FindString(val)
			if m == "" {
				return nil, domain.ErrCodeAnswerNotNumeric
			}
			fl, err := strconv.ParseFloat(m, 64)
			if err != nil {
				return nil, domain.ErrCodeAnswerNotNumeric
			}
			return fl, ""
		default:
			return nil, domain.ErrCodeAnswerNotNumeric
		}

	case domain.KindBoolean:
		if b, ok := boolValue(raw); ok {
			return b, ""
		}
		return nil, domain.ErrCodeSchema

	case domain.KindSingleChoice, domain.KindButtonChoice:
		switch val := raw.(type) {
		case bool:
			if hasYesNoChoices(f.Choices) {
				return val, ""
			}
			return nil, domain.ErrCodeSelectAnswerUnknown
		case json.Number:
			n, err := val.Int64()
			if err != nil {
				return nil, domain.ErrCodeSelectAnswerNumeric
			}
			if n < 0 || int(n) >= len(f.Choices) {
				return nil, domain.ErrCodeSelectAnswerNumeric
			}
			return n, ""
		case string:
			for _, c := range f.Choices {
				if strings.TrimSpace(c) == strings.TrimSpace(val) {
					return val, ""
				}
			}
			return nil, domain.ErrCodeSelectAnswerUnknown
		default:
			return nil, domain.ErrCodeSelectAnswerUnknown
		}

	default: // KindText
		if s, ok := stringValue(raw); ok {
			return s, ""
		}
		return nil, domain.ErrCodeSchema
	}
}

func hasYesNoChoices(choices []string) bool {
	var yes, no bool
	for _, c := range choices {
		switch strings.ToLower(strings.TrimSpace(c)) {
		case "yes":
			yes = true
		case "no":
			no = true
		}
	}
	return yes && no
}

func (v *Validator) schemaCorrective(detail string) *Corrective {
	return &Corrective{
		Codes:   []string{domain.ErrCodeSchema},
		Message: v.prompts.Render("schema_error", promptData{Body: detail}),
	}
}

func (v *Validator) confusedCorrective() *Corrective {
	return &Corrective{
		Codes:   []string{domain.ErrCodeConfused},
		Message: v.prompts.Render("confused", promptData{}),
	}
}

// answerCorrective merges the per-field issues into one corrective message
// so a single retry can repair all of them.
func (v *Validator) answerCorrective(issues map[string][]string) *Corrective {
	order := []struct{ code, tmpl string }{
		{domain.ErrCodeAnswerNotNumeric, "answer_not_numeric"},
		{domain.ErrCodeSelectAnswerNumeric, "select_answer_numeric"},
		{domain.ErrCodeSelectAnswerUnknown, "select_answer_unknown"},
		{domain.ErrCodeSchema, "schema_error"},
	}
	var codes []string
	var parts []string
	for _, o := range order {
		ids, ok := issues[o.code]
		if !ok {
			continue
		}
		codes = append(codes, o.code)
		if o.code == domain.ErrCodeSchema {
			parts = append(parts, v.prompts.Render(o.tmpl, promptData{
				Body: "wrong value type for question id(s) " + strings.Join(ids, ", "),
			}))
			continue
		}
		parts = append(parts, v.prompts.renderList(o.tmpl, ids))
	}
	return &Corrective{Codes: codes, Message: strings.Join(parts, "\n")}
}

// extractJSON finds the first balanced JSON object in the text and decodes
// it. Numbers are kept as json.Number so integer answers survive intact.
func extractJSON(text string) (map[string]any, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return nil, false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				dec := json.NewDecoder(strings.NewReader(text[start : i+1]))
				dec.UseNumber()
				var obj map[string]any
				if err := dec.Decode(&obj); err != nil {
					return nil, false
				}
				return obj, true
			}
		}
	}
	return nil, false
}

func stringValue(raw any) (string, bool) {
	s, ok := raw.(string)
	if !ok || strings.TrimSpace(s) == "" {
		return "", false
	}
	return s, true
}

// boolValue accepts native booleans plus the string spellings models
// occasionally emit.
func boolValue(raw any) (bool, bool) {
	switch val := raw.(type) {
	case bool:
		return val, true
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "yes":
			return true, true
		case "false", "no":
			return false, true
		}
	}
	return false, false
}
