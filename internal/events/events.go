// Package events defines the "AI finished responding" event and the
// broadcast bus that carries it from the relay hub and the completion
// monitor to any number of subscribers.
package events

import (
	"time"
	"unicode/utf8"
)

// DefaultCapacity is the per-subscriber buffer used by NewCompletionBus.
const DefaultCapacity = 100

// PreviewLength bounds the message preview carried by a Completion.
const PreviewLength = 200

// Completion is published when an AI chat site finishes generating a
// response in a monitored tab or an extension-connected page.
// It is immutable once published.
type Completion struct {
	URL            string    `json:"url"`
	Title          string    `json:"title"`
	SiteName       string    `json:"siteName"`
	MessagePreview string    `json:"messagePreview"`
	Timestamp      time.Time `json:"timestamp"`

	// RunTime is the generation time in seconds ("Ran for 12s").
	RunTime *int `json:"runTime,omitempty"`
	// ThinkTime is the reasoning time in seconds ("Thought for 8 seconds").
	ThinkTime      *int `json:"thinkTime,omitempty"`
	ImageGenerated bool `json:"imageGenerated,omitempty"`
	NewImages      *int `json:"newImages,omitempty"`
}

// CompletionBus is the bus shape shared by relay and monitor.
type CompletionBus = Bus[Completion]

// NewCompletionBus returns a bus with DefaultCapacity.
func NewCompletionBus() *CompletionBus {
	return NewBus[Completion](DefaultCapacity)
}

// Preview trims s to PreviewLength runes.
func Preview(s string) string {
	if utf8.RuneCountInString(s) <= PreviewLength {
		return s
	}
	r := []rune(s)
	return string(r[:PreviewLength])
}
