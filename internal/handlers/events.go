package handlers

import (
	"context"
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"campus-realtime/internal/calls"
	"campus-realtime/internal/groups"
	"campus-realtime/internal/messaging"
	"campus-realtime/internal/models"
	"campus-realtime/internal/notify"
	"campus-realtime/internal/ws"
)

// Realtime bundles the engines behind the websocket events.
type Realtime struct {
	Groups        *groups.Registry
	Messages      *messaging.Engine
	Calls         *calls.Engine
	Notifications *notify.Orchestrator
}

type groupRef struct {
	GroupID string `json:"group_id"`
}

type sessionRef struct {
	SessionID string `json:"session_id"`
}

type notificationRef struct {
	NotificationID string `json:"notification_id"`
}

// RegisterEvents installs every inbound event on router.
func RegisterEvents(router *ws.Router, rt Realtime) {
	registerGroupEvents(router, rt.Groups)
	registerMessageEvents(router, rt.Messages)
	registerCallEvents(router, rt.Calls)
	registerNotificationEvents(router, rt.Notifications)
}

func registerGroupEvents(router *ws.Router, reg *groups.Registry) {
	router.Handle("group:create", func(ctx context.Context, req ws.Request) (any, error) {
		var spec groups.Spec
		if err := req.Bind(&spec); err != nil {
			return nil, err
		}
		return reg.Create(ctx, req.IdentityID, spec)
	})
	router.Handle("group:join", func(ctx context.Context, req ws.Request) (any, error) {
		var in groupRef
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return reg.Join(ctx, in.GroupID, req.IdentityID)
	})
	router.Handle("group:leave", func(ctx context.Context, req ws.Request) (any, error) {
		var in groupRef
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return nil, reg.Leave(ctx, in.GroupID, req.IdentityID)
	})
	router.Handle("group:update", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			groupRef
			Updates models.GroupUpdate `json:"updates"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return reg.Update(ctx, in.GroupID, req.IdentityID, in.Updates)
	})
	router.Handle("group:addMembers", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			groupRef
			MemberIDs []string `json:"member_ids"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return reg.AddMembers(ctx, in.GroupID, req.IdentityID, in.MemberIDs)
	})
	router.Handle("group:removeMember", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			groupRef
			IdentityID string `json:"identity_id"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return reg.RemoveMemberAs(ctx, in.GroupID, req.IdentityID, in.IdentityID)
	})
}

func registerMessageEvents(router *ws.Router, engine *messaging.Engine) {
	router.Handle("message:send", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			groupRef
			messaging.SendInput
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.Send(ctx, req.IdentityID, in.GroupID, in.SendInput)
	})
	router.Handle("message:edit", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			MessageID string `json:"message_id"`
			Text      string `json:"text"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.Edit(ctx, in.MessageID, req.IdentityID, in.Text)
	})
	router.Handle("message:delete", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			MessageID string `json:"message_id"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return nil, engine.Delete(ctx, in.MessageID, req.IdentityID)
	})
	router.Handle("message:react", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			MessageID string `json:"message_id"`
			Reaction  string `json:"reaction"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.React(ctx, in.MessageID, req.IdentityID, in.Reaction)
	})
	router.Handle("message:read", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			MessageIDs []string `json:"message_ids"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		n, err := engine.MarkRead(ctx, in.MessageIDs, req.IdentityID)
		return map[string]int{"marked": n}, err
	})
	typing := func(on bool) ws.HandlerFunc {
		return func(ctx context.Context, req ws.Request) (any, error) {
			var in groupRef
			if err := req.Bind(&in); err != nil {
				return nil, err
			}
			return nil, engine.Typing(ctx, in.GroupID, req.IdentityID, on)
		}
	}
	router.Handle("typing", typing(true))
	router.Handle("stopTyping", typing(false))
}

func registerCallEvents(router *ws.Router, engine *calls.Engine) {
	router.Handle("call:initiate", func(ctx context.Context, req ws.Request) (any, error) {
		var in calls.InitiateInput
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.Initiate(ctx, req.IdentityID, in)
	})
	router.Handle("call:response", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			Response   models.ParticipantStatus `json:"response"`
			DeviceInfo models.DeviceInfo        `json:"device_info"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.Respond(ctx, in.SessionID, req.IdentityID, in.Response, in.DeviceInfo)
	})
	router.Handle("call:mediaUpdate", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			MediaState models.MediaPatch `json:"media_state"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.UpdateMedia(ctx, in.SessionID, req.IdentityID, in.MediaState)
	})
	router.Handle("call:end", func(ctx context.Context, req ws.Request) (any, error) {
		var in sessionRef
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.End(ctx, in.SessionID, req.IdentityID)
	})
	router.Handle("call:qualityUpdate", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			Stats models.QualityReport `json:"stats"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.UpdateQuality(ctx, in.SessionID, req.IdentityID, in.Stats)
	})
	router.Handle("call:recording", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			Action    string               `json:"action"`
			Recording calls.RecordingInput `json:"recording"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.Recording(ctx, in.SessionID, req.IdentityID, in.Action, in.Recording)
	})
	router.Handle("webrtc:signal", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			TargetID string          `json:"target_id"`
			Signal   json.RawMessage `json:"signal"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		n, err := engine.RelaySignal(ctx, in.SessionID, req.IdentityID, in.TargetID, in.Signal)
		return map[string]int{"delivered": n}, err
	})
	router.Handle("webrtc:ice-candidate", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			TargetID  string                  `json:"target_id"`
			Candidate webrtc.ICECandidateInit `json:"candidate"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		n, err := engine.RelayICECandidate(ctx, in.SessionID, req.IdentityID, in.TargetID, in.Candidate)
		return map[string]int{"delivered": n}, err
	})
	router.Handle("webrtc:error", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			sessionRef
			Reason string `json:"reason"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return engine.Fail(ctx, in.SessionID, req.IdentityID, in.Reason)
	})
}

func registerNotificationEvents(router *ws.Router, orch *notify.Orchestrator) {
	router.Handle("notifications:subscribe", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			Subscription models.PushSubscription `json:"subscription"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return nil, orch.Subscribe(ctx, req.IdentityID, in.Subscription)
	})
	router.Handle("notifications:unsubscribe", func(ctx context.Context, req ws.Request) (any, error) {
		return nil, orch.Unsubscribe(ctx, req.IdentityID)
	})
	router.Handle("notifications:updatePreferences", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			Preferences models.PreferencesPatch `json:"preferences"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return orch.UpdatePreferences(ctx, req.IdentityID, in.Preferences)
	})
	router.Handle("notifications:markRead", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			NotificationIDs []string `json:"notification_ids"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		n, err := orch.MarkRead(ctx, in.NotificationIDs, req.IdentityID)
		return map[string]int{"marked": n}, err
	})
	router.Handle("notifications:markClicked", func(ctx context.Context, req ws.Request) (any, error) {
		var in notificationRef
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return orch.MarkClicked(ctx, in.NotificationID, req.IdentityID)
	})
	router.Handle("notifications:dismiss", func(ctx context.Context, req ws.Request) (any, error) {
		var in notificationRef
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return orch.Dismiss(ctx, in.NotificationID, req.IdentityID)
	})
	router.Handle("notifications:delivered", func(ctx context.Context, req ws.Request) (any, error) {
		var in notificationRef
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return nil, orch.MarkDelivered(ctx, in.NotificationID, req.IdentityID)
	})
	router.Handle("notifications:getActive", func(ctx context.Context, req ws.Request) (any, error) {
		active, err := orch.Active(ctx, req.IdentityID)
		return map[string]any{"notifications": active}, err
	})
	router.Handle("notifications:action", func(ctx context.Context, req ws.Request) (any, error) {
		var in struct {
			notificationRef
			Action notify.ActionInput `json:"action"`
		}
		if err := req.Bind(&in); err != nil {
			return nil, err
		}
		return orch.Action(ctx, in.NotificationID, req.IdentityID, in.Action)
	})
}
