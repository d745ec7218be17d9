package scraper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/surveybot/surveybot/internal/domain"
)

func TestInferKind(t *testing.T) {
	cases := []struct {
		name string
		elem elemInfo
		want domain.FieldKind
	}{
		{"text input", elemInfo{tag: "input", typeAttr: "text"}, domain.KindText},
		{"decimal text input", elemInfo{tag: "input", typeAttr: "text", inputMode: "decimal"}, domain.KindFloat},
		{"textarea", elemInfo{tag: "textarea", typeAttr: "textarea"}, domain.KindText},
		{"number input", elemInfo{tag: "input", typeAttr: "number"}, domain.KindNumber},
		{"checkbox", elemInfo{tag: "input", typeAttr: "checkbox"}, domain.KindBoolean},
		{"radio group container", elemInfo{tag: "div", typeAttr: ""}, domain.KindSingleChoice},
		{"select element", elemInfo{tag: "select"}, domain.KindSingleChoice},
		{"form-select class", elemInfo{tag: "input", typeAttr: "text", class: "form-select"}, domain.KindSingleChoice},
		{"named button set", elemInfo{tag: "button", name: "id_offer"}, domain.KindButtonChoice},
		{"unnamed button", elemInfo{tag: "button", typeAttr: "submit"}, domain.KindText},
		{"unknown type falls back to text", elemInfo{tag: "input", typeAttr: "range"}, domain.KindText},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, inferKind(tc.elem))
		})
	}
}

func TestBuildFieldsDeduplicatesAndAlignsLabels(t *testing.T) {
	elems := []elemInfo{
		{id: "id_amount", tag: "input", typeAttr: "number"},
		{id: "id_choice", tag: "div", typeAttr: "", choices: []string{"Yes", "No"}},
		// Same id seen again in a later container: recorded once.
		{id: "id_amount", tag: "input", typeAttr: "number"},
		{id: "id_comment", tag: "textarea", typeAttr: "textarea"},
	}
	labels := []string{"How much?", "Do you agree?", "Any remarks?"}

	fields := buildFields(elems, labels)
	assert.Len(t, fields, 3)

	assert.Equal(t, "id_amount", fields[0].ID)
	assert.Equal(t, domain.KindNumber, fields[0].Kind)
	assert.Equal(t, "How much?", fields[0].Label)
	assert.Nil(t, fields[0].Choices)

	assert.Equal(t, "id_choice", fields[1].ID)
	assert.Equal(t, domain.KindSingleChoice, fields[1].Kind)
	assert.Equal(t, "Do you agree?", fields[1].Label)
	assert.Equal(t, []string{"Yes", "No"}, fields[1].Choices)

	assert.Equal(t, "Any remarks?", fields[2].Label)
}

func TestBuildFieldsWithFewerLabelsThanFields(t *testing.T) {
	elems := []elemInfo{
		{id: "id_a", tag: "input", typeAttr: "text"},
		{id: "id_b", tag: "input", typeAttr: "text"},
	}
	fields := buildFields(elems, []string{"Only one label"})
	assert.Equal(t, "Only one label", fields[0].Label)
	assert.Empty(t, fields[1].Label)
}

func TestBuildFieldsEmpty(t *testing.T) {
	assert.Empty(t, buildFields(nil, nil))
}
