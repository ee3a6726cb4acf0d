package calls

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"campus-realtime/internal/apperr"
)

// validateSignal rejects offers and answers whose SDP does not parse.
// Other signal payloads are relayed untouched.
func validateSignal(op string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return apperr.Invalid(op, "signal is required")
	}
	var envelope struct {
		Type string `json:"type"`
		SDP  string `json:"sdp"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil
	}

	desc := webrtc.SessionDescription{Type: webrtc.NewSDPType(envelope.Type), SDP: envelope.SDP}
	switch desc.Type {
	case webrtc.SDPTypeOffer, webrtc.SDPTypeAnswer, webrtc.SDPTypePranswer:
		if _, err := desc.Unmarshal(); err != nil {
			return apperr.Invalid(op, "malformed %s sdp: %v", desc.Type, err)
		}
	}
	return nil
}
