package models

import (
	"time"

	"github.com/pion/webrtc/v4"
)

type CallType string

const (
	CallAudio CallType = "audio"
	CallVideo CallType = "video"
)

type CallStatus string

const (
	CallInitiating CallStatus = "initiating"
	CallOngoing    CallStatus = "ongoing"
	CallEnded      CallStatus = "ended"
	CallFailed     CallStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s CallStatus) Terminal() bool {
	return s == CallEnded || s == CallFailed
}

type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "invited"
	ParticipantRinging  ParticipantStatus = "ringing"
	ParticipantAccepted ParticipantStatus = "accepted"
	ParticipantDeclined ParticipantStatus = "declined"
	ParticipantBusy     ParticipantStatus = "busy"
	ParticipantLeft     ParticipantStatus = "left"
	ParticipantFailed   ParticipantStatus = "failed"
)

var participantTransitions = map[ParticipantStatus][]ParticipantStatus{
	ParticipantInvited:  {ParticipantRinging, ParticipantAccepted, ParticipantDeclined, ParticipantBusy},
	ParticipantRinging:  {ParticipantAccepted, ParticipantDeclined, ParticipantBusy},
	ParticipantAccepted: {ParticipantLeft, ParticipantFailed},
}

// CanTransition reports whether a participant may move from s to next.
func (s ParticipantStatus) CanTransition(next ParticipantStatus) bool {
	for _, allowed := range participantTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Excluded is true for participants who turned the call down. Busy and
// declined are treated alike.
func (s ParticipantStatus) Excluded() bool {
	return s == ParticipantDeclined || s == ParticipantBusy
}

type TrackState struct {
	Enabled  bool   `json:"enabled"`
	DeviceID string `json:"device_id,omitempty"`
	Quality  string `json:"quality,omitempty"`
}

type ScreenState struct {
	Sharing bool `json:"sharing"`
}

type MediaState struct {
	Audio  TrackState  `json:"audio"`
	Video  TrackState  `json:"video"`
	Screen ScreenState `json:"screen"`
}

// DefaultMediaState has audio on, video on for video calls.
func DefaultMediaState(t CallType) MediaState {
	return MediaState{
		Audio: TrackState{Enabled: true},
		Video: TrackState{Enabled: t == CallVideo},
	}
}

// TrackPatch is a partial TrackState; nil fields are kept.
type TrackPatch struct {
	Enabled  *bool   `json:"enabled,omitempty"`
	DeviceID *string `json:"device_id,omitempty"`
	Quality  *string `json:"quality,omitempty"`
}

type ScreenPatch struct {
	Sharing *bool `json:"sharing,omitempty"`
}

// MediaPatch is a partial MediaState sent by clients.
type MediaPatch struct {
	Audio  *TrackPatch  `json:"audio,omitempty"`
	Video  *TrackPatch  `json:"video,omitempty"`
	Screen *ScreenPatch `json:"screen,omitempty"`
}

func (t *TrackState) apply(p *TrackPatch) {
	if p == nil {
		return
	}
	if p.Enabled != nil {
		t.Enabled = *p.Enabled
	}
	if p.DeviceID != nil {
		t.DeviceID = *p.DeviceID
	}
	if p.Quality != nil {
		t.Quality = *p.Quality
	}
}

// Apply merges p into the state.
func (m *MediaState) Apply(p MediaPatch) {
	m.Audio.apply(p.Audio)
	m.Video.apply(p.Video)
	if p.Screen != nil && p.Screen.Sharing != nil {
		m.Screen.Sharing = *p.Screen.Sharing
	}
}

type DeviceInfo struct {
	Browser string `json:"browser,omitempty"`
	OS      string `json:"os,omitempty"`
	Device  string `json:"device,omitempty"`
}

type Participant struct {
	IdentityID string            `json:"identity_id"`
	Status     ParticipantStatus `json:"status"`
	JoinedAt   *time.Time        `json:"joined_at,omitempty"`
	LeftAt     *time.Time        `json:"left_at,omitempty"`
	DeviceInfo DeviceInfo        `json:"device_info"`
	MediaState MediaState        `json:"media_state"`
}

type StreamStats struct {
	Bitrate    float64 `json:"bitrate,omitempty"`
	PacketLoss float64 `json:"packet_loss,omitempty"`
	Latency    float64 `json:"latency,omitempty"`
	FPS        float64 `json:"fps,omitempty"`
	Resolution string  `json:"resolution,omitempty"`
}

type CallQuality struct {
	Overall string      `json:"overall"`
	Audio   StreamStats `json:"audio"`
	Video   StreamStats `json:"video"`
}

type Recording struct {
	Enabled   bool       `json:"enabled"`
	StartedBy string     `json:"started_by,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	URL       string     `json:"url,omitempty"`
	Size      int64      `json:"size,omitempty"`
	Format    string     `json:"format,omitempty"`
	Duration  int64      `json:"duration,omitempty"`
}

type CallStats struct {
	TotalParticipants int `json:"total_participants"`
	MaxConcurrent     int `json:"max_concurrent"`
}

// CallSession is one multi-party audio or video call.
type CallSession struct {
	ID           string             `json:"id"`
	Type         CallType           `json:"type"`
	InitiatorID  string             `json:"initiator_id"`
	GroupID      string             `json:"group_id,omitempty"`
	Participants []Participant      `json:"participants"`
	Status       CallStatus         `json:"status"`
	StartTime    time.Time          `json:"start_time"`
	EndTime      *time.Time         `json:"end_time,omitempty"`
	Duration     *int64             `json:"duration,omitempty"`
	EndedBy      string             `json:"ended_by,omitempty"`
	FailReason   string             `json:"fail_reason,omitempty"`
	Quality      CallQuality        `json:"quality"`
	Recording    Recording          `json:"recording"`
	ICEServers   []webrtc.ICEServer `json:"ice_servers,omitempty"`
	Stats        CallStats          `json:"stats"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
}

// Participant returns a pointer into the session's participant slice.
func (s *CallSession) Participant(identityID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].IdentityID == identityID {
			return &s.Participants[i]
		}
	}
	return nil
}

// ActiveIDs lists participants currently in the call.
func (s *CallSession) ActiveIDs() []string {
	var ids []string
	for _, p := range s.Participants {
		if p.Status == ParticipantAccepted && p.LeftAt == nil {
			ids = append(ids, p.IdentityID)
		}
	}
	return ids
}

// ScopeIDs lists participants that still receive session broadcasts:
// everyone who has not declined, left or failed.
func (s *CallSession) ScopeIDs() []string {
	var ids []string
	for _, p := range s.Participants {
		switch p.Status {
		case ParticipantInvited, ParticipantRinging, ParticipantAccepted:
			ids = append(ids, p.IdentityID)
		}
	}
	return ids
}

// QualityReport is the raw transport stats a client posts.
type QualityReport struct {
	PacketsLost     float64      `json:"packets_lost"`
	PacketsReceived float64      `json:"packets_received"`
	BytesReceived   float64      `json:"bytes_received"`
	TimestampMillis float64      `json:"timestamp"`
	Jitter          float64      `json:"jitter"`
	RoundTripTime   float64      `json:"round_trip_time"`
	Audio           *StreamStats `json:"audio,omitempty"`
	Video           *StreamStats `json:"video,omitempty"`
}
