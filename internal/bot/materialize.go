package bot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/surveybot/surveybot/internal/domain"
)

// coerceValue turns a normalized answer into the literal string to write
// into the field. For choice fields the result is always the literal text of
// one of the scanned choices.
func coerceValue(f domain.FieldDescriptor, value any) (string, error) {
	switch f.Kind {
	case domain.KindNumber:
		n, ok := value.(int64)
		if !ok {
			return "", fmt.Errorf("field %s: expected integer, got %T", f.ID, value)
		}
		return strconv.FormatInt(n, 10), nil

	case domain.KindFloat:
		fl, ok := value.(float64)
		if !ok {
			return "", fmt.Errorf("field %s: expected float, got %T", f.ID, value)
		}
		return strconv.FormatFloat(fl, 'g', -1, 64), nil

	case domain.KindSingleChoice, domain.KindButtonChoice:
		switch val := value.(type) {
		case bool:
			return yesNoChoice(f.Choices, val), nil
		case int64:
			if val < 0 || int(val) >= len(f.Choices) {
				return "", fmt.Errorf("field %s: choice index %d out of range", f.ID, val)
			}
			return f.Choices[val], nil
		case string:
			return val, nil
		default:
			return "", fmt.Errorf("field %s: unexpected choice value %T", f.ID, value)
		}

	case domain.KindBoolean:
		b, ok := value.(bool)
		if !ok {
			return "", fmt.Errorf("field %s: expected boolean, got %T", f.ID, value)
		}
		return strconv.FormatBool(b), nil

	default: // KindText
		s, ok := value.(string)
		if !ok {
			return "", fmt.Errorf("field %s: expected string, got %T", f.ID, value)
		}
		return s, nil
	}
}

// yesNoChoice maps a boolean answer onto the yes/no labeled choice.
func yesNoChoice(choices []string, value bool) string {
	want := "no"
	if value {
		want = "yes"
	}
	for _, c := range choices {
		if strings.EqualFold(strings.TrimSpace(c), want) {
			return c
		}
	}
	if value {
		return "Yes"
	}
	return "No"
}

// applyAnswers writes every answer into its form field. Fields are filled in
// scan order so the resulting page state is deterministic.
func (b *Bot) applyAnswers(answers map[string]domain.Answer, fields []domain.FieldDescriptor) error {
	for _, f := range fields {
		ans, ok := answers[f.ID]
		if !ok {
			// The validator guarantees completeness; treat a miss as a
			// materialization failure rather than panic.
			return domain.NewMaterializationError(f.ID, fmt.Errorf("no answer for field"))
		}
		literal, err := coerceValue(f, ans.Value)
		if err != nil {
			return domain.NewMaterializationError(f.ID, err)
		}
		switch {
		case f.Kind.IsChoice():
			err = b.driver.SelectChoice(f.ID, f.Kind, literal)
		case f.Kind == domain.KindBoolean:
			checked, _ := ans.Value.(bool)
			err = b.driver.SetChecked(f.ID, checked)
		default:
			err = b.driver.Fill(f.ID, literal)
		}
		if err != nil {
			return err
		}
		if b.metrics != nil {
			b.metrics.AnswersApplied.Inc()
		}
	}
	return nil
}
