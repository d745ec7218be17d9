package scraper

import (
	"fmt"
	"strings"

	"github.com/playwright-community/playwright-go"

	"github.com/surveybot/surveybot/internal/domain"
)

// Fill types a literal value into the text-like control with the given id.
func (s *Session) Fill(id, value string) error {
	el := s.page.Locator("#" + id)
	n, err := el.Count()
	if err != nil {
		return domain.NewMaterializationError(id, err)
	}
	if n == 0 {
		return domain.NewFieldNotFoundError(id, nil)
	}
	if err := el.First().Fill(value); err != nil {
		return domain.NewMaterializationError(id, err)
	}
	return nil
}

// SelectChoice activates the choice whose rendered text equals choice, for
// radio groups, selects, and button-style choice sets alike.
func (s *Session) SelectChoice(id string, kind domain.FieldKind, choice string) error {
	el := s.page.Locator("#" + id)
	n, err := el.Count()
	if err != nil {
		return domain.NewMaterializationError(id, err)
	}
	if n == 0 {
		return domain.NewFieldNotFoundError(id, nil)
	}
	el = el.First()

	if kind == domain.KindButtonChoice {
		// The scanned id belongs to one button of the set; the target is
		// whichever sibling sharing its name renders the choice text.
		group := s.page.Locator("button")
		if name := attr(el, "name"); name != "" {
			group = s.page.Locator(fmt.Sprintf("button[name=%q]", name))
		}
		gn, err := group.Count()
		if err != nil {
			return domain.NewMaterializationError(id, err)
		}
		for i := 0; i < gn; i++ {
			text, err := group.Nth(i).InnerText()
			if err != nil {
				continue
			}
			if strings.TrimSpace(text) == choice {
				if err := group.Nth(i).Click(); err != nil {
					return domain.NewMaterializationError(id, err)
				}
				return nil
			}
		}
		return domain.NewMaterializationError(id,
			fmt.Errorf("no button matching %q", choice))
	}

	// Select controls take the option by its label.
	if tag, err := el.Evaluate("el => el.tagName.toLowerCase()", nil); err == nil && tag == "select" {
		if _, err := el.SelectOption(playwright.SelectOptionValues{
			Labels: &[]string{choice},
		}); err != nil {
			return domain.NewMaterializationError(id, err)
		}
		return nil
	}

	// Radio group: find the form-check row matching the choice text and
	// click its input.
	rows := el.Locator(selFormCheck)
	rn, err := rows.Count()
	if err != nil {
		return domain.NewMaterializationError(id, err)
	}
	for i := 0; i < rn; i++ {
		row := rows.Nth(i)
		text, err := row.InnerText()
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) == choice {
			if err := row.Locator(".form-check-input").Click(); err != nil {
				return domain.NewMaterializationError(id, err)
			}
			return nil
		}
	}
	return domain.NewMaterializationError(id,
		fmt.Errorf("no choice row matching %q", choice))
}

// Click activates a page control.
func (s *Session) Click(ctl domain.ControlHandle) error {
	el := s.page.Locator(string(ctl))
	n, err := el.Count()
	if err != nil {
		return domain.NewMaterializationError(string(ctl), err)
	}
	if n == 0 {
		return domain.NewFieldNotFoundError(string(ctl), nil)
	}
	if err := el.First().Click(); err != nil {
		return domain.NewMaterializationError(string(ctl), err)
	}
	return nil
}

// SetChecked sets the checked state of the checkbox with the given id.
func (s *Session) SetChecked(id string, checked bool) error {
	el := s.page.Locator("#" + id)
	n, err := el.Count()
	if err != nil {
		return domain.NewMaterializationError(id, err)
	}
	if n == 0 {
		return domain.NewFieldNotFoundError(id, nil)
	}
	if err := el.First().SetChecked(checked); err != nil {
		return domain.NewMaterializationError(id, err)
	}
	return nil
}
