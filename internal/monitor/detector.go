package monitor

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/HendryAvila/iterate/internal/events"
)

// Status is a tracked tab's generation state.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// PageState is the externally visible state of one tracked tab.
type PageState struct {
	URL       string    `json:"url"`
	Title     string    `json:"title"`
	SiteName  string    `json:"site_name"`
	Status    Status    `json:"status"`
	LastCheck time.Time `json:"last_check"`
	Error     string    `json:"error,omitempty"`
}

// Detector builds the page scripts for one site.
type Detector struct {
	site Site
}

func NewDetector(site Site) Detector { return Detector{site: site} }

func (d Detector) Site() Site { return d.site }

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// GeneratingScript evaluates to true while a visible stop button or
// typing indicator is on the page.
func (d Detector) GeneratingScript() string {
	typing := ""
	if d.site.TypingIndicatorSelector != "" {
		typing = fmt.Sprintf(`
  const typing = document.querySelector(%s);
  if (typing && typing.offsetParent !== null) return true;`, jsString(d.site.TypingIndicatorSelector))
	}
	return fmt.Sprintf(`(function() {
  const stop = document.querySelector(%s);
  if (stop && stop.offsetParent !== null) return true;%s
  return false;
})()`, jsString(d.site.StopButtonSelector), typing)
}

// LastMessageScript evaluates to the first characters of the newest
// assistant message, or "".
func (d Detector) LastMessageScript() string {
	return fmt.Sprintf(`(function() {
  const messages = document.querySelectorAll(%s);
  if (messages.length === 0) return '';
  return messages[messages.length - 1].innerText.substring(0, %d);
})()`, jsString(d.site.MessageSelector), events.PreviewLength)
}
