package models

// Outbound event names.
const (
	EventMessageNew      = "message:new"
	EventMessageUpdate   = "message:update"
	EventMessageDelete   = "message:delete"
	EventMessageReaction = "message:reaction"

	EventGroupMemberJoined  = "group:memberJoined"
	EventGroupMemberLeft    = "group:memberLeft"
	EventGroupUpdated       = "group:updated"
	EventGroupMembersAdded  = "group:membersAdded"
	EventGroupMemberRemoved = "group:memberRemoved"

	EventCallIncoming           = "call:incoming"
	EventCallParticipantResp    = "call:participantResponse"
	EventCallParticipantMedia   = "call:participantMediaUpdate"
	EventCallEnded              = "call:ended"
	EventCallFailed             = "call:failed"
	EventCallQualityStats       = "call:qualityStats"
	EventCallRecordingUpdate    = "call:recordingUpdate"
	EventWebRTCSignal           = "webrtc:signal"
	EventWebRTCICECandidate     = "webrtc:ice-candidate"
	EventNotificationNew        = "notification:new"
	EventNotificationActionTake = "notifications:actionTaken"

	EventUserOnline     = "user:online"
	EventUserOffline    = "user:offline"
	EventUserTyping     = "user:typing"
	EventUserStopTyping = "user:stopTyping"
)

// Event is the envelope written to websocket clients.
type Event struct {
	Type string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// NewEvent builds an outbound event.
func NewEvent(eventType string, data any) Event {
	return Event{Type: eventType, Data: data}
}
