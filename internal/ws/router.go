package ws

import (
	"context"
	"encoding/json"
	"time"

	"campus-realtime/internal/apperr"
	"campus-realtime/internal/logging"
	"campus-realtime/internal/observability"
)

const (
	AckEvent     = "ack"
	StatusOK     = "success"
	StatusFailed = "error"
)

// Inbound is a client request frame.
type Inbound struct {
	Event         string          `json:"event"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Ack answers one Inbound frame.
type Ack struct {
	Event         string `json:"event"`
	CorrelationID string `json:"correlation_id,omitempty"`
	Status        string `json:"status"`
	Data          any    `json:"data,omitempty"`
	Error         string `json:"error,omitempty"`
	Kind          string `json:"kind,omitempty"`
}

// Request is what an event handler sees.
type Request struct {
	Conn       *Conn
	IdentityID string
	Event      string
	Data       json.RawMessage
}

// Bind decodes the request payload into v.
func (r Request) Bind(v any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return apperr.Invalid(r.Event, "missing data")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return apperr.Invalid(r.Event, "malformed data: %v", err)
	}
	return nil
}

// HandlerFunc handles one inbound event. The returned value becomes the
// ack payload.
type HandlerFunc func(ctx context.Context, req Request) (any, error)

// Router maps inbound event names to handlers.
type Router struct {
	handlers map[string]HandlerFunc
}

func NewRouter() *Router {
	r := &Router{handlers: make(map[string]HandlerFunc)}
	r.Handle("ping", func(context.Context, Request) (any, error) {
		return map[string]int64{"pong": time.Now().UnixMilli()}, nil
	})
	return r
}

func (r *Router) Handle(event string, fn HandlerFunc) {
	r.handlers[event] = fn
}

// Events lists the registered event names.
func (r *Router) Events() []string {
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	return out
}

// Dispatch decodes one frame, runs its handler and acks on conn.
func (r *Router) Dispatch(ctx context.Context, conn *Conn, raw []byte) {
	var in Inbound
	if err := json.Unmarshal(raw, &in); err != nil || in.Event == "" {
		observability.IncWSEvent("malformed", StatusFailed)
		r.reply(conn, Ack{Event: AckEvent, Status: StatusFailed, Error: "malformed frame", Kind: apperr.KindInvalid.String()})
		return
	}
	fn, ok := r.handlers[in.Event]
	if !ok {
		observability.IncWSEvent("unknown", StatusFailed)
		r.reply(conn, Ack{Event: AckEvent, CorrelationID: in.CorrelationID, Status: StatusFailed, Error: "unknown event " + in.Event, Kind: apperr.KindInvalid.String()})
		return
	}

	data, err := fn(ctx, Request{Conn: conn, IdentityID: conn.IdentityID(), Event: in.Event, Data: in.Data})
	if err != nil {
		observability.IncWSEvent(in.Event, StatusFailed)
		kind := apperr.KindOf(err)
		ev := logging.Ctx(ctx).Debug()
		if kind == apperr.KindInternal {
			ev = logging.Ctx(ctx).Error()
		}
		ev.Err(err).Str("event", in.Event).Str("conn_id", conn.ID()).Msg("event failed")
		r.reply(conn, Ack{Event: AckEvent, CorrelationID: in.CorrelationID, Status: StatusFailed, Error: apperr.PublicMessage(err), Kind: kind.String()})
		return
	}
	observability.IncWSEvent(in.Event, StatusOK)
	r.reply(conn, Ack{Event: AckEvent, CorrelationID: in.CorrelationID, Status: StatusOK, Data: data})
}

// Reject acks a frame without running it, e.g. when rate limited.
func (r *Router) Reject(conn *Conn, raw []byte, err error) {
	var in Inbound
	_ = json.Unmarshal(raw, &in)
	observability.IncWSEvent("rejected", StatusFailed)
	r.reply(conn, Ack{Event: AckEvent, CorrelationID: in.CorrelationID, Status: StatusFailed, Error: apperr.PublicMessage(err), Kind: apperr.KindOf(err).String()})
}

func (r *Router) reply(conn *Conn, ack Ack) {
	payload, err := json.Marshal(ack)
	if err != nil {
		logging.Error().Err(err).Msg("encode ack")
		return
	}
	conn.Send(payload)
}
