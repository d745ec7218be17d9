package domain

// FieldKind classifies an answerable form field by the way its value is
// entered and coerced.
type FieldKind string

const (
	KindText         FieldKind = "text"
	KindNumber       FieldKind = "number"
	KindFloat        FieldKind = "float"
	KindBoolean      FieldKind = "boolean"
	KindSingleChoice FieldKind = "single-choice"
	KindButtonChoice FieldKind = "button-choice"
)

// IsChoice reports whether the kind carries an enumerated choice list.
func (k FieldKind) IsChoice() bool {
	return k == KindSingleChoice || k == KindButtonChoice
}

// ControlHandle identifies a clickable page control by its selector.
type ControlHandle string

// FieldDescriptor describes one answerable form field found on a page.
type FieldDescriptor struct {
	ID      string    `json:"id"`
	Kind    FieldKind `json:"kind"`
	Label   string    `json:"label"`
	Choices []string  `json:"choices,omitempty"`
}

// PageSnapshot is the result of scanning one rendered page. It is produced
// fresh on every loop iteration and never reused across navigations.
//
// When IsWaitPage is set, ContinueControl is empty and Fields is nil.
type PageSnapshot struct {
	BodyText        string
	IsWaitPage      bool
	ContinueControl ControlHandle
	Fields          []FieldDescriptor
}

// HasContinue reports whether the page carries a continue control.
func (s *PageSnapshot) HasContinue() bool {
	return s.ContinueControl != ""
}

// HasFields reports whether the page carries answerable fields. A page
// without fields is a summary-only page.
func (s *PageSnapshot) HasFields() bool {
	return len(s.Fields) > 0
}
