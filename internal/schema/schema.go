// Package schema builds the structural contract a model reply must satisfy
// for a given page. Each page variant has one unambiguous expected shape.
package schema

import (
	"github.com/surveybot/surveybot/internal/domain"
)

// Variant classifies the expected response shape by page type.
type Variant string

const (
	VariantStart   Variant = "start"
	VariantSummary Variant = "summary"
	VariantAnswers Variant = "answers"
	VariantEnd     Variant = "end"
)

// Expected describes the exact reply shape for one model exchange. For the
// answers variant it carries the descriptors of every field that must be
// answered, in scan order.
type Expected struct {
	Variant Variant
	Fields  []domain.FieldDescriptor
}

// Start returns the fixed schema for the run-start exchange.
func Start() *Expected {
	return &Expected{Variant: VariantStart}
}

// End returns the fixed schema for the run-end exchange.
func End() *Expected {
	return &Expected{Variant: VariantEnd}
}

// SummaryOnly returns the schema for a page without answerable fields.
func SummaryOnly() *Expected {
	return &Expected{Variant: VariantSummary}
}

// ForPage returns the expected reply shape for a scanned page: the answers
// schema when the page carries fields, the summary-only schema otherwise.
//
// A choice field without choices is a scanner defect and yields a
// MissingChoicesError rather than a schema.
func ForPage(fields []domain.FieldDescriptor) (*Expected, error) {
	if len(fields) == 0 {
		return SummaryOnly(), nil
	}
	for _, f := range fields {
		if f.Kind.IsChoice() && len(f.Choices) == 0 {
			return nil, domain.NewMissingChoicesError(f.ID)
		}
	}
	return &Expected{Variant: VariantAnswers, Fields: fields}, nil
}

// Name returns the schema name sent to providers that require one.
func (e *Expected) Name() string {
	return "page_response_" + string(e.Variant)
}

// JSONSchema renders the expected shape as a JSON Schema document suitable
// for structured-output enforcement. All properties are required and no
// additional properties are allowed.
func (e *Expected) JSONSchema() map[string]any {
	switch e.Variant {
	case VariantStart:
		return object(map[string]any{
			"task": strProp(
				"A concise summary of your task as you understand it.",
			),
			"understood": boolProp(
				"Whether you understood the task. Set to true if you understood it, false otherwise.",
			),
		})
	case VariantEnd:
		return object(map[string]any{
			"remarks":  strProp("Your final remarks about the survey/experiment."),
			"confused": boolProp(confusedDesc),
		})
	case VariantSummary:
		return object(map[string]any{
			"summary":  strProp(summaryDesc),
			"confused": boolProp(confusedDesc),
		})
	case VariantAnswers:
		answers := map[string]any{}
		for _, f := range e.Fields {
			answers[f.ID] = answerSchema(f)
		}
		return object(map[string]any{
			"answers": objectWith(answers,
				"Your answers to all questions on the page, keyed by question id."),
			"summary":  strProp(summaryDesc),
			"confused": boolProp(confusedDesc),
		})
	}
	return object(nil)
}

const (
	summaryDesc = "Your summary of the content of the page and what you " +
		"learn from it about the survey/experiment that you are participating in."
	confusedDesc = "Whether you are confused by your task or any part of " +
		"the instructions. Set to true if you are confused, false otherwise."
)

func answerSchema(f domain.FieldDescriptor) map[string]any {
	var answer map[string]any
	switch f.Kind {
	case domain.KindNumber:
		answer = map[string]any{"type": "integer"}
	case domain.KindFloat:
		answer = map[string]any{"type": "number"}
	case domain.KindBoolean:
		answer = map[string]any{"type": "boolean"}
	case domain.KindSingleChoice, domain.KindButtonChoice:
		choices := make([]any, len(f.Choices))
		for i, c := range f.Choices {
			choices[i] = c
		}
		answer = map[string]any{"type": "string", "enum": choices}
	default:
		answer = map[string]any{"type": "string"}
	}
	answer["description"] = "Your final answer to the question: " + f.Label
	return objectWith(map[string]any{
		"reason": strProp(
			"Your reasoning that leads you to your answer on the question: " + f.Label,
		),
		"answer": answer,
	}, "Answer for question id "+f.ID)
}

func object(props map[string]any) map[string]any {
	return objectWith(props, "")
}

func objectWith(props map[string]any, desc string) map[string]any {
	required := make([]string, 0, len(props))
	for name := range props {
		required = append(required, name)
	}
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
	if desc != "" {
		s["description"] = desc
	}
	return s
}

func strProp(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func boolProp(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}
