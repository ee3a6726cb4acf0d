package calls

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/observability"
	"campus-realtime/internal/repositories"
	"campus-realtime/internal/telemetry"
)

// Directory delivers events to the live connections of one identity.
type Directory interface {
	BroadcastTo(identityID string, event models.Event) int
}

type Groups interface {
	Get(ctx context.Context, groupID string) (models.Group, error)
}

type Notifier interface {
	Dispatch(ctx context.Context, req models.NotificationRequest) (models.Notification, error)
}

type InitiateInput struct {
	Type           models.CallType   `json:"type"`
	ParticipantIDs []string          `json:"participants"`
	GroupID        string            `json:"group_id,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Device         models.DeviceInfo `json:"device_info"`
}

// RecordingInput carries client-reported recording details.
type RecordingInput struct {
	URL    string `json:"url,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Format string `json:"format,omitempty"`
}

// Engine runs the call session state machine and relays signaling.
type Engine struct {
	calls      repositories.CallRepository
	identities repositories.IdentityRepository
	groups     Groups
	directory  Directory
	notifier   Notifier
	emitter    *telemetry.Emitter
	ice        []webrtc.ICEServer
	now        func() time.Time
}

func NewEngine(calls repositories.CallRepository, identities repositories.IdentityRepository, groups Groups, directory Directory, notifier Notifier, emitter *telemetry.Emitter, ice []webrtc.ICEServer) *Engine {
	return &Engine{
		calls:      calls,
		identities: identities,
		groups:     groups,
		directory:  directory,
		notifier:   notifier,
		emitter:    emitter,
		ice:        ice,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

var errAlreadyTerminal = errors.New("session already terminal")

// ICE returns the configured ICE servers.
func (e *Engine) ICE() []webrtc.ICEServer {
	return e.ice
}

// Initiate opens a session with the initiator already in the call and
// rings every other participant.
func (e *Engine) Initiate(ctx context.Context, initiatorID string, in InitiateInput) (models.CallSession, error) {
	const op = "call.initiate"
	if in.Type != models.CallAudio && in.Type != models.CallVideo {
		return models.CallSession{}, apperr.Invalid(op, "call type must be audio or video")
	}

	targets := in.ParticipantIDs
	if in.GroupID != "" {
		g, err := e.groups.Get(ctx, in.GroupID)
		if err != nil {
			return models.CallSession{}, err
		}
		if !g.IsMember(initiatorID) {
			return models.CallSession{}, apperr.Unauthorized(op, "not a member of this group")
		}
		if len(targets) == 0 {
			targets = g.MemberIDs()
		}
		for _, id := range targets {
			if !g.IsMember(id) {
				return models.CallSession{}, apperr.Unauthorized(op, "participant %s is not a group member", id)
			}
		}
	}
	targets = slices.DeleteFunc(slices.Clone(targets), func(id string) bool { return id == initiatorID })
	if len(targets) == 0 {
		return models.CallSession{}, apperr.Invalid(op, "at least one participant is required")
	}
	found, err := e.identities.Find(ctx, models.IdentityFilter{IDs: targets})
	if err != nil {
		return models.CallSession{}, err
	}
	if len(found) == 0 {
		return models.CallSession{}, apperr.NotFound(op, "no participant exists")
	}

	now := e.now()
	session := models.CallSession{
		ID:          uuid.NewString(),
		Type:        in.Type,
		InitiatorID: initiatorID,
		GroupID:     in.GroupID,
		Status:      models.CallInitiating,
		StartTime:   now,
		ICEServers:  e.ice,
		Metadata:    in.Metadata,
		Participants: []models.Participant{{
			IdentityID: initiatorID,
			Status:     models.ParticipantAccepted,
			JoinedAt:   &now,
			DeviceInfo: in.Device,
			MediaState: models.DefaultMediaState(in.Type),
		}},
	}
	recipients := make([]string, 0, len(found))
	for _, identity := range found {
		session.Participants = append(session.Participants, models.Participant{
			IdentityID: identity.ID,
			Status:     models.ParticipantInvited,
			MediaState: models.DefaultMediaState(in.Type),
		})
		recipients = append(recipients, identity.ID)
	}
	session.Stats = models.CallStats{TotalParticipants: len(session.Participants), MaxConcurrent: 1}
	if err := e.calls.Create(ctx, session); err != nil {
		return models.CallSession{}, err
	}
	observability.IncCallSession(string(models.CallInitiating))

	incoming := models.NewEvent(models.EventCallIncoming, map[string]any{
		"session_id":   session.ID,
		"type":         session.Type,
		"initiator_id": initiatorID,
		"group_id":     session.GroupID,
		"metadata":     session.Metadata,
		"ice_servers":  session.ICEServers,
	})
	var ringing []string
	for _, id := range recipients {
		if e.directory.BroadcastTo(id, incoming) > 0 {
			ringing = append(ringing, id)
		}
	}
	if len(ringing) > 0 {
		if updated, err := e.calls.Update(ctx, session.ID, func(s *models.CallSession) error {
			for _, id := range ringing {
				if p := s.Participant(id); p != nil && p.Status.CanTransition(models.ParticipantRinging) {
					p.Status = models.ParticipantRinging
				}
			}
			return nil
		}); err == nil {
			session = updated
		}
	}

	if e.notifier != nil {
		if _, err := e.notifier.Dispatch(ctx, models.NotificationRequest{
			Type:         models.NotifyCall,
			Title:        fmt.Sprintf("Incoming %s call", session.Type),
			Body:         fmt.Sprintf("%s is calling you", e.handle(ctx, initiatorID)),
			SenderID:     initiatorID,
			RecipientIDs: recipients,
			Priority:     models.PriorityHigh,
			Category:     models.CategorySocial,
			Scope:        models.ScopeIndividual,
			Reference:    &models.Reference{Type: "call", ID: session.ID},
		}); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("session_id", session.ID).Msg("call notification failed")
		}
	}
	e.emitter.Domain(ctx, "call:initiated", session)
	return session, nil
}

// Respond moves a participant to ringing, accepted, declined or busy. The
// first acceptance makes the session ongoing.
func (e *Engine) Respond(ctx context.Context, sessionID, identityID string, response models.ParticipantStatus, device models.DeviceInfo) (models.CallSession, error) {
	const op = "call.respond"
	switch response {
	case models.ParticipantRinging, models.ParticipantAccepted, models.ParticipantDeclined, models.ParticipantBusy:
	default:
		return models.CallSession{}, apperr.Invalid(op, "unsupported response %q", response)
	}

	var scope []string
	session, err := e.calls.Update(ctx, sessionID, func(s *models.CallSession) error {
		if s.Status.Terminal() {
			return apperr.InvalidState(op, "call is %s", s.Status)
		}
		p := s.Participant(identityID)
		if p == nil {
			return apperr.Unauthorized(op, "not a participant of this call")
		}
		if !p.Status.CanTransition(response) {
			return apperr.InvalidState(op, "cannot move from %s to %s", p.Status, response)
		}
		scope = s.ScopeIDs()
		p.Status = response
		if response == models.ParticipantAccepted {
			now := e.now()
			p.JoinedAt = &now
			p.DeviceInfo = device
			if s.Status == models.CallInitiating {
				s.Status = models.CallOngoing
			}
			s.Stats.MaxConcurrent = max(s.Stats.MaxConcurrent, len(s.ActiveIDs()))
		}
		return nil
	})
	if err != nil {
		return models.CallSession{}, mapErr(op, err)
	}
	if session.Status == models.CallOngoing && response == models.ParticipantAccepted {
		observability.IncCallSession(string(models.CallOngoing))
	}

	e.broadcast(scope, identityID, models.NewEvent(models.EventCallParticipantResp, map[string]any{
		"session_id":  sessionID,
		"identity_id": identityID,
		"response":    response,
	}))
	return session, nil
}

// RelaySignal forwards an SDP or renegotiation payload to one participant.
// Nothing is persisted; a target without live connections gets nothing.
func (e *Engine) RelaySignal(ctx context.Context, sessionID, fromID, toID string, signal json.RawMessage) (int, error) {
	const op = "call.signal"
	if err := validateSignal(op, signal); err != nil {
		return 0, err
	}
	return e.relay(ctx, op, sessionID, fromID, toID, models.NewEvent(models.EventWebRTCSignal, map[string]any{
		"session_id": sessionID,
		"from_id":    fromID,
		"signal":     signal,
	}))
}

// RelayICECandidate forwards a trickled candidate to one participant.
func (e *Engine) RelayICECandidate(ctx context.Context, sessionID, fromID, toID string, candidate webrtc.ICECandidateInit) (int, error) {
	return e.relay(ctx, "call.ice_candidate", sessionID, fromID, toID, models.NewEvent(models.EventWebRTCICECandidate, map[string]any{
		"session_id": sessionID,
		"from_id":    fromID,
		"candidate":  candidate,
	}))
}

func (e *Engine) relay(ctx context.Context, op, sessionID, fromID, toID string, event models.Event) (int, error) {
	s, err := e.calls.Get(ctx, sessionID)
	if err != nil {
		return 0, mapErr(op, err)
	}
	if s.Status.Terminal() {
		return 0, apperr.InvalidState(op, "call is %s", s.Status)
	}
	if !slices.Contains(s.ScopeIDs(), fromID) {
		return 0, apperr.Unauthorized(op, "not a participant of this call")
	}
	if !slices.Contains(s.ScopeIDs(), toID) {
		logging.Ctx(ctx).Debug().Str("session_id", sessionID).Str("target_id", toID).Msg("signal target out of call scope, dropped")
		return 0, nil
	}
	return e.directory.BroadcastTo(toID, event), nil
}

// UpdateMedia merges a partial media state into the caller's record.
func (e *Engine) UpdateMedia(ctx context.Context, sessionID, identityID string, patch models.MediaPatch) (models.MediaState, error) {
	const op = "call.media"
	var (
		scope []string
		state models.MediaState
	)
	_, err := e.calls.Update(ctx, sessionID, func(s *models.CallSession) error {
		if s.Status.Terminal() {
			return apperr.InvalidState(op, "call is %s", s.Status)
		}
		p := s.Participant(identityID)
		if p == nil || !slices.Contains(s.ScopeIDs(), identityID) {
			return apperr.Unauthorized(op, "not a participant of this call")
		}
		p.MediaState.Apply(patch)
		state = p.MediaState
		scope = s.ScopeIDs()
		return nil
	})
	if err != nil {
		return models.MediaState{}, mapErr(op, err)
	}
	e.broadcast(scope, identityID, models.NewEvent(models.EventCallParticipantMedia, map[string]any{
		"session_id":  sessionID,
		"identity_id": identityID,
		"media_state": state,
	}))
	return state, nil
}

// End closes the session. Ending an ended or failed session is a no-op.
func (e *Engine) End(ctx context.Context, sessionID, actorID string) (models.CallSession, error) {
	const op = "call.end"
	var scope []string
	session, err := e.calls.Update(ctx, sessionID, func(s *models.CallSession) error {
		if s.Participant(actorID) == nil {
			return apperr.Unauthorized(op, "not a participant of this call")
		}
		if s.Status.Terminal() {
			return errAlreadyTerminal
		}
		scope = s.ScopeIDs()
		if !slices.Contains(scope, actorID) {
			return apperr.Unauthorized(op, "no longer in this call")
		}
		e.finish(s, models.CallEnded, models.ParticipantLeft)
		s.EndedBy = actorID
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return e.calls.Get(ctx, sessionID)
	}
	if err != nil {
		return models.CallSession{}, mapErr(op, err)
	}
	observability.IncCallSession(string(models.CallEnded))
	e.broadcast(scope, "", models.NewEvent(models.EventCallEnded, map[string]any{
		"session_id": sessionID,
		"ended_by":   actorID,
		"duration":   session.Duration,
	}))
	e.emitter.Domain(ctx, models.EventCallEnded, session)
	return session, nil
}

// Fail closes the session after a transport-level signaling error
// reported by reporterID. A declined call is not a failure, and only
// identities still in the call may report one.
func (e *Engine) Fail(ctx context.Context, sessionID, reporterID, reason string) (models.CallSession, error) {
	const op = "call.fail"
	if reason == "" {
		reason = "signaling error"
	}
	var scope []string
	session, err := e.calls.Update(ctx, sessionID, func(s *models.CallSession) error {
		if s.Participant(reporterID) == nil {
			return apperr.Unauthorized(op, "not a participant of this call")
		}
		if s.Status.Terminal() {
			return errAlreadyTerminal
		}
		scope = s.ScopeIDs()
		if !slices.Contains(scope, reporterID) {
			return apperr.Unauthorized(op, "no longer in this call")
		}
		e.finish(s, models.CallFailed, models.ParticipantFailed)
		s.FailReason = reason
		return nil
	})
	if errors.Is(err, errAlreadyTerminal) {
		return e.calls.Get(ctx, sessionID)
	}
	if err != nil {
		return models.CallSession{}, mapErr(op, err)
	}
	observability.IncCallSession(string(models.CallFailed))
	logging.Ctx(ctx).Warn().Str("session_id", sessionID).Str("reporter_id", reporterID).Str("reason", reason).Msg("call failed")
	e.broadcast(scope, "", models.NewEvent(models.EventCallFailed, map[string]any{"session_id": sessionID, "reason": reason}))
	return session, nil
}

// finish stamps the end of s exactly once and moves everyone still in the
// call to the given participant status.
func (e *Engine) finish(s *models.CallSession, status models.CallStatus, participantStatus models.ParticipantStatus) {
	now := e.now()
	s.Status = status
	s.EndTime = &now
	duration := int64(now.Sub(s.StartTime).Seconds())
	s.Duration = &duration
	for i := range s.Participants {
		p := &s.Participants[i]
		if p.Status == models.ParticipantAccepted {
			p.Status = participantStatus
			p.LeftAt = &now
		}
	}
}

// QualityUpdate is the session quality after a report plus the capture
// settings recommended to the reporter.
type QualityUpdate struct {
	models.CallQuality
	Constraints MediaConstraints `json:"constraints"`
}

// UpdateQuality scores a participant's transport stats. It never changes
// the session state.
func (e *Engine) UpdateQuality(ctx context.Context, sessionID, identityID string, report models.QualityReport) (QualityUpdate, error) {
	const op = "call.quality"
	var scope []string
	_, band := Score(report)
	session, err := e.calls.Update(ctx, sessionID, func(s *models.CallSession) error {
		if s.Status.Terminal() {
			return apperr.InvalidState(op, "call is %s", s.Status)
		}
		if !slices.Contains(s.ScopeIDs(), identityID) {
			return apperr.Unauthorized(op, "not a participant of this call")
		}
		s.Quality.Overall = band
		if report.Audio != nil {
			s.Quality.Audio = *report.Audio
		}
		if report.Video != nil {
			s.Quality.Video = *report.Video
		}
		scope = s.ScopeIDs()
		return nil
	})
	if err != nil {
		return QualityUpdate{}, mapErr(op, err)
	}
	e.broadcast(scope, "", models.NewEvent(models.EventCallQualityStats, map[string]any{
		"session_id":  sessionID,
		"identity_id": identityID,
		"quality":     session.Quality,
	}))
	return QualityUpdate{CallQuality: session.Quality, Constraints: ConstraintsFor(band, session.Type)}, nil
}

// Recording starts or stops recording metadata. Only participants in the
// call may control it.
func (e *Engine) Recording(ctx context.Context, sessionID, actorID, action string, in RecordingInput) (models.Recording, error) {
	const op = "call.recording"
	if action != "start" && action != "stop" {
		return models.Recording{}, apperr.Invalid(op, "action must be start or stop")
	}
	var scope []string
	session, err := e.calls.Update(ctx, sessionID, func(s *models.CallSession) error {
		if s.Status.Terminal() {
			return apperr.InvalidState(op, "call is %s", s.Status)
		}
		if !slices.Contains(s.ActiveIDs(), actorID) {
			return apperr.Unauthorized(op, "only participants in the call can record")
		}
		now := e.now()
		rec := &s.Recording
		switch action {
		case "start":
			if rec.Enabled {
				return apperr.InvalidState(op, "recording already running")
			}
			*rec = models.Recording{Enabled: true, StartedBy: actorID, StartTime: &now, URL: in.URL, Format: in.Format}
		case "stop":
			if !rec.Enabled {
				return apperr.InvalidState(op, "recording is not running")
			}
			rec.Enabled = false
			rec.EndTime = &now
			rec.Duration = int64(now.Sub(*rec.StartTime).Seconds())
			if in.URL != "" {
				rec.URL = in.URL
			}
			if in.Format != "" {
				rec.Format = in.Format
			}
			rec.Size = in.Size
		}
		scope = s.ScopeIDs()
		return nil
	})
	if err != nil {
		return models.Recording{}, mapErr(op, err)
	}
	e.broadcast(scope, "", models.NewEvent(models.EventCallRecordingUpdate, map[string]any{
		"session_id": sessionID,
		"action":     action,
		"recording":  session.Recording,
	}))
	return session.Recording, nil
}

// Get returns a session to one of its participants.
func (e *Engine) Get(ctx context.Context, sessionID, actorID string) (models.CallSession, error) {
	const op = "call.get"
	s, err := e.calls.Get(ctx, sessionID)
	if err != nil {
		return models.CallSession{}, mapErr(op, err)
	}
	if s.Participant(actorID) == nil {
		return models.CallSession{}, apperr.Unauthorized(op, "not a participant of this call")
	}
	return s, nil
}

func (e *Engine) broadcast(ids []string, except string, event models.Event) {
	for _, id := range ids {
		if id != except {
			e.directory.BroadcastTo(id, event)
		}
	}
}

func (e *Engine) handle(ctx context.Context, identityID string) string {
	if identity, err := e.identities.Get(ctx, identityID); err == nil && identity.Handle != "" {
		return identity.Handle
	}
	return identityID
}

func mapErr(op string, err error) error {
	if errors.Is(err, repositories.ErrCallNotFound) {
		return apperr.NotFound(op, "call session not found")
	}
	return err
}
