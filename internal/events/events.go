package events

import (
	"fmt"
	"regexp"
	"time"
)

// TextLayout is the timestamp layout embedded in event messages. Progress
// pages and older stored states rely on it, so it is still written even though
// events carry a structured Timestamp.
const TextLayout = "2006_01_02 15:04:05.000"

// Retention is how long an event group survives pruning.
const Retention = 24 * time.Hour

// Event is one progress entry shown to the user while a server starts or stops.
type Event struct {
	Timestamp   time.Time `json:"timestamp,omitzero"`
	Failed      bool      `json:"failed"`
	Ready       bool      `json:"ready"`
	Progress    int       `json:"progress"`
	Message     string    `json:"message"`
	HTMLMessage string    `json:"html_message"`
}

// Terminal reports whether the event ends a lifecycle phase.
func (e Event) Terminal() bool {
	return e.Failed || e.Ready
}

// IsZero reports whether the event carries no information at all.
func (e Event) IsZero() bool {
	return e == Event{}
}

// Stamp renders t in the layout embedded in event messages.
func Stamp(t time.Time) string {
	return t.Format(TextLayout)
}

// Detail renders the collapsible message body used by progress pages:
// "<details><summary>{stamp}: {summary}</summary>{detail}</details>".
func Detail(t time.Time, summary, detail string) string {
	return fmt.Sprintf("<details><summary>%s: %s</summary>%s</details>", Stamp(t), summary, detail)
}

var stampPattern = regexp.MustCompile(`[0-9]{4}_[0-9]{2}_[0-9]{2} [0-9]{2}:[0-9]{2}:[0-9]{2}`)

// Time returns when the event was recorded. The structured Timestamp wins;
// events pushed by older outposts only carry the stamp inside HTMLMessage.
// ok is false when neither is present.
func Time(e Event) (time.Time, bool) {
	if !e.Timestamp.IsZero() {
		return e.Timestamp, true
	}
	match := stampPattern.FindString(e.HTMLMessage)
	if match == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006_01_02 15:04:05", match, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
