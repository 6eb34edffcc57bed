package notify

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/alanyoungcy/copybot/internal/domain"
)

// Event names used for filtering.
const (
	EventTrade          = "trade"
	EventMirror         = "mirror"
	EventDeadLetter     = "dead_letter"
	EventSourceDegraded = "source_degraded"
	EventError          = "error"
)

// FormatAction renders an action as an event name, title and HTML body with
// a link to the trader's profile.
func FormatAction(a domain.Action) (event, title, body string) {
	p := a.Observation.Payload
	entry := domain.RosterEntry{Address: a.Address, Label: a.Label}

	name := a.Label
	if name == "" {
		name = a.Address.Short()
	}
	market := p.Title
	if market == "" {
		market = p.Market
	}
	if len(market) > 60 {
		market = market[:60] + "…"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "👤 <a href=\"%s\">%s</a>", entry.ProfileURL(), html.EscapeString(name))
	if a.Class != "" {
		fmt.Fprintf(&b, " · %s", html.EscapeString(string(a.Class)))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "<b>%s</b> %s", p.Side, html.EscapeString(market))
	if p.Outcome != "" {
		fmt.Fprintf(&b, " (%s)", html.EscapeString(p.Outcome))
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Size %.2f @ $%.4f = $%.2f\n", p.Size, p.Price, p.Notional())
	fmt.Fprintf(&b, "Source %s · %s", a.Observation.Source, a.Observation.OccurredAt().UTC().Format(time.TimeOnly))

	switch a.Kind {
	case domain.ActionMirror:
		if m := a.Mirror; m != nil {
			fmt.Fprintf(&b, "\n🪞 Mirror %s %.2f @ $%.4f ($%.2f)", m.Side, m.Size, m.Price, m.Notional)
		}
		return EventMirror, "🟢 Mirror trade", b.String()
	default:
		if a.Reason != "" {
			fmt.Fprintf(&b, "\n<i>%s</i>", html.EscapeString(a.Reason))
		}
		return EventTrade, "🔔 Trade signal", b.String()
	}
}

// FormatHealth renders a source health change.
func FormatHealth(h domain.SourceHealth) (event, title, body string) {
	if h.Healthy {
		return EventSourceDegraded, "✅ Source recovered: " + string(h.Source),
			fmt.Sprintf("%s is healthy again", h.Source)
	}
	since := ""
	if !h.DownSince.IsZero() {
		since = " since " + h.DownSince.UTC().Format(time.RFC3339)
	}
	return EventSourceDegraded, "⚠️ Source degraded: " + string(h.Source),
		fmt.Sprintf("%d consecutive failures%s\n<code>%s</code>",
			h.ConsecutiveFailures, since, html.EscapeString(h.LastError))
}

var tagPattern = regexp.MustCompile(`<[^>]+>`)

// PlainText strips HTML tags and entities.
func PlainText(s string) string {
	return html.UnescapeString(tagPattern.ReplaceAllString(s, ""))
}

// ClassFilter limits which classifications produce trade messages. An empty
// filter allows everything.
type ClassFilter map[domain.Classification]bool

// NewClassFilter builds a filter from configured names.
func NewClassFilter(names []string) ClassFilter {
	f := make(ClassFilter, len(names))
	for _, n := range names {
		if c, err := domain.ParseClassification(n); err == nil && strings.TrimSpace(n) != "" {
			f[c] = true
		}
	}
	return f
}

// Allows reports whether c passes.
func (f ClassFilter) Allows(c domain.Classification) bool {
	return len(f) == 0 || f[c]
}
