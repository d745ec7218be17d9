package scraper

import (
	"context"
	"strings"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/surveybot/surveybot/internal/domain"
)

// oTree page markers.
const (
	selWaitPage   = ".otree-wait-page__body"
	selNextButton = ".otree-btn-next"
	selDebugInfo  = ".debug-info"
	selControls   = ".controls"
	selFormLabel  = ".col-form-label"
	selFormCheck  = ".form-check"
)

// elemInfo is the raw DOM data collected for one id-bearing form control,
// before kind inference.
type elemInfo struct {
	id        string
	tag       string
	typeAttr  string
	inputMode string
	class     string
	name      string
	choices   []string
}

// Scan navigates to url and extracts the page snapshot: visible text minus
// any debug overlay, wait-page detection, the continue control, and the
// answerable fields in encounter order.
func (s *Session) Scan(ctx context.Context, url string) (*domain.PageSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	}); err != nil {
		return nil, domain.NewScrapeError(url, err)
	}

	body, err := s.page.Locator("body").InnerText()
	if err != nil {
		return nil, domain.NewScrapeError(url, err)
	}
	if overlay := s.optionalText(selDebugInfo); overlay != "" {
		body = strings.Replace(body, overlay, "", 1)
	}
	body = strings.TrimSpace(body)

	if s.count(selWaitPage) > 0 {
		return &domain.PageSnapshot{BodyText: body, IsWaitPage: true}, nil
	}

	snapshot := &domain.PageSnapshot{BodyText: body}
	if s.count(selNextButton) > 0 {
		snapshot.ContinueControl = domain.ControlHandle(selNextButton)
	}

	elems, err := s.collectControls()
	if err != nil {
		return nil, domain.NewScrapeError(url, err)
	}
	labels, err := s.collectLabels()
	if err != nil {
		return nil, domain.NewScrapeError(url, err)
	}
	snapshot.Fields = buildFields(elems, labels)

	s.logger.Debug("page scanned",
		zap.String("url", url),
		zap.Bool("wait_page", snapshot.IsWaitPage),
		zap.Bool("has_continue", snapshot.HasContinue()),
		zap.Int("fields", len(snapshot.Fields)),
	)
	return snapshot, nil
}

// collectControls walks every form-control container and records the first
// id-bearing descendant of each, with the attributes kind inference needs.
func (s *Session) collectControls() ([]elemInfo, error) {
	containers := s.page.Locator(selControls)
	n, err := containers.Count()
	if err != nil {
		return nil, err
	}

	var elems []elemInfo
	for i := 0; i < n; i++ {
		container := containers.Nth(i)
		candidates := container.Locator("[id]")
		cn, err := candidates.Count()
		if err != nil {
			return nil, err
		}
		for j := 0; j < cn; j++ {
			el := candidates.Nth(j)
			id := attr(el, "id")
			if id == "" {
				continue
			}
			info := elemInfo{
				id:        id,
				typeAttr:  attr(el, "type"),
				inputMode: attr(el, "inputmode"),
				class:     attr(el, "class"),
				name:      attr(el, "name"),
			}
			if tag, err := el.Evaluate("el => el.tagName.toLowerCase()", nil); err == nil {
				if t, ok := tag.(string); ok {
					info.tag = t
				}
			}

			switch {
			case info.typeAttr == "" && info.tag != "select":
				// Radio group container: choices are the rendered
				// form-check rows.
				info.choices = locatorTexts(el.Locator(selFormCheck))
			case strings.Contains(info.class, "form-select") || info.tag == "select":
				// Drop the placeholder option.
				opts := locatorTexts(el.Locator("option"))
				if len(opts) > 0 {
					opts = opts[1:]
				}
				info.choices = opts
			case info.tag == "button" && info.name != "":
				// Button-style choice set: buttons sharing the name
				// attribute form one field.
				info.choices = locatorTexts(
					container.Locator("button[name=\"" + info.name + "\"]"))
			}
			elems = append(elems, info)
			break
		}
	}
	return elems, nil
}

// collectLabels captures the rendered question labels, which align with the
// controls by encounter order.
func (s *Session) collectLabels() ([]string, error) {
	return locatorTexts(s.page.Locator(selFormLabel)), nil
}

// buildFields turns raw control data plus aligned labels into field
// descriptors. Duplicate DOM ids are recorded once, at first encounter,
// preserving order; order matters because labels are matched by index.
func buildFields(elems []elemInfo, labels []string) []domain.FieldDescriptor {
	seen := make(map[string]bool, len(elems))
	var fields []domain.FieldDescriptor
	for _, e := range elems {
		if seen[e.id] {
			continue
		}
		seen[e.id] = true
		f := domain.FieldDescriptor{
			ID:   e.id,
			Kind: inferKind(e),
		}
		if f.Kind.IsChoice() {
			f.Choices = e.choices
		}
		if len(fields) < len(labels) {
			f.Label = labels[len(fields)]
		}
		fields = append(fields, f)
	}
	return fields
}

// inferKind maps a control's DOM attributes onto a field kind. An element
// with no discernible type attribute is treated as a single-choice control.
func inferKind(e elemInfo) domain.FieldKind {
	if e.tag == "button" && e.name != "" {
		return domain.KindButtonChoice
	}
	if e.tag == "select" || strings.Contains(e.class, "form-select") {
		return domain.KindSingleChoice
	}
	switch e.typeAttr {
	case "text", "textarea":
		if e.inputMode == "decimal" {
			return domain.KindFloat
		}
		return domain.KindText
	case "number":
		return domain.KindNumber
	case "checkbox":
		return domain.KindBoolean
	case "":
		return domain.KindSingleChoice
	default:
		return domain.KindText
	}
}

func attr(l playwright.Locator, name string) string {
	v, err := l.GetAttribute(name)
	if err != nil {
		return ""
	}
	return v
}

func locatorTexts(l playwright.Locator) []string {
	n, err := l.Count()
	if err != nil {
		return nil
	}
	texts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		t, err := l.Nth(i).InnerText()
		if err != nil {
			continue
		}
		texts = append(texts, strings.TrimSpace(t))
	}
	return texts
}

func (s *Session) count(selector string) int {
	n, err := s.page.Locator(selector).Count()
	if err != nil {
		return 0
	}
	return n
}

func (s *Session) optionalText(selector string) string {
	if s.count(selector) == 0 {
		return ""
	}
	t, err := s.page.Locator(selector).First().InnerText()
	if err != nil {
		return ""
	}
	return t
}
