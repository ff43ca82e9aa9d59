package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/MrWong99/tabvoice/pkg/audio"
)

// Route is the envelope type. Each route has its own wire shape.
type Route string

const (
	// RouteControlForward carries a ControlMessage from the coordinator to
	// the relay: {control_forward: true, payload}.
	RouteControlForward Route = "control_forward"

	// RoutePCM16 carries a raw chunk to the mixer: {pcm16: true, buffer}.
	RoutePCM16 Route = "pcm16"

	// RouteOffscreenControl carries a capture command to the mixer:
	// {offscreen_control: true, action, target_id}.
	RouteOffscreenControl Route = "offscreen_control"

	// RouteStatus carries mixer status: {status: true, payload}.
	RouteStatus Route = "status"

	// RoutePage carries a ControlMessage inside the page realm:
	// {page: true, payload}.
	RoutePage Route = "page"
)

// Source tags who emitted an envelope so components can ignore their own
// echoes.
type Source string

const (
	SourcePage        Source = "page"
	SourceExtension   Source = "extension"
	SourceRelay       Source = "relay"
	SourceCoordinator Source = "coordinator"
	SourceMixer       Source = "mixer"
	SourceGateway     Source = "gateway"
)

// Envelope wraps a [ControlMessage] for one hop.
type Envelope struct {
	ID      string
	Route   Route
	Source  Source
	Message ControlMessage
}

// NewEnvelope returns an envelope with a fresh ID.
func NewEnvelope(route Route, source Source, msg ControlMessage) Envelope {
	return Envelope{ID: uuid.NewString(), Route: route, Source: source, Message: msg}
}

// Rewrap returns a copy of e on a different route, keeping the ID so
// duplicates stay detectable across hops.
func (e Envelope) Rewrap(route Route, source Source) Envelope {
	e.Route = route
	e.Source = source
	return e
}

// Validate checks that the message fits the route.
func (e Envelope) Validate() error {
	if err := e.Message.Validate(); err != nil {
		return err
	}
	switch e.Route {
	case RouteControlForward, RoutePage:
	case RoutePCM16:
		if e.Message.Kind != KindPCM16 {
			return Drop(ReasonMalformed, "pcm16 route with %s message", e.Message.Kind)
		}
	case RouteOffscreenControl:
		if !e.Message.IsControl() {
			return Drop(ReasonMalformed, "offscreen_control route with %s message", e.Message.Kind)
		}
	case RouteStatus:
		if e.Message.Kind != KindStatus {
			return Drop(ReasonMalformed, "status route with %s message", e.Message.Kind)
		}
	default:
		return Drop(ReasonNoRoute, "route %q", e.Route)
	}
	return nil
}

type wireEnvelope struct {
	ID               string          `json:"id,omitempty"`
	Source           Source          `json:"source,omitempty"`
	ControlForward   bool            `json:"control_forward,omitempty"`
	PCM16            bool            `json:"pcm16,omitempty"`
	OffscreenControl bool            `json:"offscreen_control,omitempty"`
	Status           bool            `json:"status,omitempty"`
	Page             bool            `json:"page,omitempty"`
	Action           Kind            `json:"action,omitempty"`
	TargetID         string          `json:"target_id,omitempty"`
	Buffer           []byte          `json:"buffer,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the route-specific wire shape.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := wireEnvelope{ID: e.ID, Source: e.Source}
	var payload any
	switch e.Route {
	case RouteControlForward:
		w.ControlForward = true
		payload = e.Message
	case RoutePage:
		w.Page = true
		payload = e.Message
	case RoutePCM16:
		w.PCM16 = true
		w.Buffer = e.Message.Buffer
	case RouteOffscreenControl:
		w.OffscreenControl = true
		w.Action = e.Message.Kind
		w.TargetID = e.Message.TargetID
	case RouteStatus:
		w.Status = true
		payload = e.Message.Status
	default:
		return nil, fmt.Errorf("protocol: marshal envelope: unknown route %q", e.Route)
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal payload: %w", err)
		}
		w.Payload = raw
	}
	return json.Marshal(w)
}

// Decode parses and validates a wire envelope. Exactly one route flag must
// be set.
func Decode(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, &DropError{Reason: ReasonMalformed, Err: err}
	}

	e := Envelope{ID: w.ID, Source: w.Source}
	routes := 0
	for _, f := range []struct {
		set   bool
		route Route
	}{
		{w.ControlForward, RouteControlForward},
		{w.PCM16, RoutePCM16},
		{w.OffscreenControl, RouteOffscreenControl},
		{w.Status, RouteStatus},
		{w.Page, RoutePage},
	} {
		if f.set {
			routes++
			e.Route = f.route
		}
	}
	if routes != 1 {
		return Envelope{}, Drop(ReasonNoRoute, "%d route flags set", routes)
	}

	switch e.Route {
	case RouteControlForward, RoutePage:
		if len(w.Payload) == 0 {
			return Envelope{}, Drop(ReasonMalformed, "%s without payload", e.Route)
		}
		if err := json.Unmarshal(w.Payload, &e.Message); err != nil {
			return Envelope{}, &DropError{Reason: ReasonMalformed, Err: err}
		}
	case RoutePCM16:
		e.Message = PCM16(w.Buffer)
	case RouteOffscreenControl:
		e.Message = ControlMessage{Kind: w.Action, TargetID: w.TargetID}
	case RouteStatus:
		var st audio.Status
		if len(w.Payload) == 0 {
			return Envelope{}, Drop(ReasonMalformed, "status without payload")
		}
		if err := json.Unmarshal(w.Payload, &st); err != nil {
			return Envelope{}, &DropError{Reason: ReasonMalformed, Err: err}
		}
		e.Message = StatusMessage(st)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
