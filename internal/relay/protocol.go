package relay

import (
	"encoding/json"
	"time"

	"github.com/HendryAvila/iterate/internal/events"
)

// Inbound message types.
const (
	TypeAICompleted = "ai-completed"
	// typeAICompletedLegacy is what older extension builds send.
	typeAICompletedLegacy = "ai_completed"
	TypeSendMessage       = "send-message"
	TypePing              = "ping"
)

// ackFrame is written after every inbound text frame.
var ackFrame = []byte(`{"status":"ok"}`)

type envelope struct {
	Type string `json:"type"`
}

// completedPayload is the extension's ai-completed message.
type completedPayload struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	SiteName       string `json:"siteName"`
	AIResponse     string `json:"aiResponse"`
	RunTime        *int   `json:"runTime,omitempty"`
	ThinkTime      *int   `json:"thinkTime,omitempty"`
	ImageGenerated bool   `json:"imageGenerated,omitempty"`
	NewImages      *int   `json:"newImages,omitempty"`
}

func (p completedPayload) event(now time.Time) events.Completion {
	site := p.SiteName
	if site == "" {
		site = "Unknown"
	}
	return events.Completion{
		URL:            p.URL,
		Title:          p.Title,
		SiteName:       site,
		MessagePreview: events.Preview(p.AIResponse),
		Timestamp:      now,
		RunTime:        p.RunTime,
		ThinkTime:      p.ThinkTime,
		ImageGenerated: p.ImageGenerated,
		NewImages:      p.NewImages,
	}
}

// Outbound is a message for the browser extension to type into the chat.
type Outbound struct {
	Message string `json:"message"`
	TabID   *int   `json:"tabId,omitempty"`
}

type sendMessageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	TabID   *int   `json:"tabId,omitempty"`
}

func (o Outbound) frame() ([]byte, error) {
	return json.Marshal(sendMessageFrame{Type: TypeSendMessage, Message: o.Message, TabID: o.TabID})
}
