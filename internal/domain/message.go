package domain

import "time"

type MessageKind int

const (
	KindChat MessageKind = iota
	KindSystem
)

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityError
)

// ErrorIndicator prefixes the text of system messages that report a failure.
const ErrorIndicator = "⚠ "

// ChatMessage is one entry of the session feed. Ordering is arrival order.
type ChatMessage struct {
	Text     string      `json:"text"`
	Sender   string      `json:"sender"`
	Mine     bool        `json:"isMine"`
	Kind     MessageKind `json:"kind"`
	Severity Severity    `json:"severity"`
	At       time.Time   `json:"at"`
}

func (m ChatMessage) IsSystem() bool { return m.Kind == KindSystem }

func (m ChatMessage) IsError() bool { return m.Kind == KindSystem && m.Severity == SeverityError }

// ChatPayload is what travels over a data connection.
type ChatPayload struct {
	Text   string `json:"text"`
	Sender string `json:"sender"`
}
