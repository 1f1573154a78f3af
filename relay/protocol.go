package relay

import (
	mctr "github.com/smnsjas/go-mctr"
)

type MessageType string

const (
	MsgSnapshot     MessageType = "snapshot"
	MsgStatus       MessageType = "status"
	MsgError        MessageType = "error"
	MsgNotify       MessageType = "notify"
	MsgVerdict      MessageType = "verdict"
	MsgVerdictStats MessageType = "verdict_stats"
)

type Message struct {
	Type    MessageType `json:"type"`
	Payload any         `json:"payload"`
}

type StatusPayload struct {
	State       string `json:"state"`
	Index       int    `json:"index"`
	Description string `json:"description"`
}

func statusPayload(s mctr.State) StatusPayload {
	return StatusPayload{State: s.String(), Index: int(s), Description: s.Description()}
}

type ErrorPayload struct {
	Severity int    `json:"severity"`
	Message  string `json:"message"`
}

type NotifyPayload struct {
	Sec      int64  `json:"sec"`
	Usec     int64  `json:"usec"`
	Source   string `json:"source"`
	Severity int    `json:"severity"`
	Message  string `json:"message"`
}

type VerdictPayload struct {
	Testcase string `json:"testcase"`
	Verdict  string `json:"verdict"`
}

// VerdictStatsPayload maps verdict names to counts.
type VerdictStatsPayload map[string]int
