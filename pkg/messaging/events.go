// Package messaging carries the out-of-band protocol messages between
// participants: flow invitations and results notifications. Confidentiality
// and integrity are the transport's concern; this package only defines the
// payloads and the bus they travel on.
package messaging

import (
	"time"

	"github.com/openmined/flowmesh/pkg/models"
)

type MessageType string

// Topics.
const Topic = "flowmesh.messages"

const MessageKeyMetadataKey = "key"
const MessageTypeMetadataKey = "message_type"

const (
	FlowInvitationMessage    MessageType = "flow.invitation"
	StepResultsSharedMessage MessageType = "flow.step.results_shared"
)

type BaseMessage struct {
	ID        string    `json:"id"`
	Type      MessageType `json:"type"`
	ThreadID  string    `json:"thread_id"`
	Sender    string    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// FlowInvitation is the sole source of truth for joining a session: it
// carries everything a recipient needs to materialize the session locally.
type FlowInvitation struct {
	BaseMessage

	FlowName     string               `json:"flow_name"`
	SessionID    string               `json:"session_id"`
	Participants []models.Participant `json:"participants"`
	FlowSpec     *models.FlowSpec     `json:"flow_spec"`
}

func (m FlowInvitation) GetType() MessageType {
	return FlowInvitationMessage
}

// SharedFile describes one shared artifact in a results notification. The
// sync layer moves the bytes; the message only carries the manifest so
// humans can follow sharing progress from chat.
type SharedFile struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
}

type StepResultsShared struct {
	BaseMessage

	FlowName  string       `json:"flow_name"`
	SessionID string       `json:"session_id"`
	StepID    string       `json:"step_id"`
	StepName  string       `json:"step_name"`
	Files     []SharedFile `json:"files"`
}

func (m StepResultsShared) GetType() MessageType {
	return StepResultsSharedMessage
}
