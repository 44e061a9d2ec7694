package engine

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Result is an engine response, passed through to callers untouched.
type Result = json.RawMessage

// ConversationClient identifies one end user of one bot on one channel.
type ConversationClient struct {
	UserID    string `json:"user_id"`
	BotID     string `json:"bot_id"`
	ChannelID string `json:"channel_id"`
}

// BotDescriptor selects the bot to run: an inline bot, or a stored bot by id and
// optional version. The engine resolves it; the descriptor is forwarded as-is.
type BotDescriptor struct {
	Bot          json.RawMessage `json:"bot,omitempty"`
	BotID        string          `json:"bot_id,omitempty"`
	VersionID    string          `json:"version_id,omitempty"`
	AppsEndpoint string          `json:"apps_endpoint,omitempty"`
	Multibot     json.RawMessage `json:"multibot,omitempty"`
}

// ConversationRequest is the /run request body.
type ConversationRequest struct {
	BotDescriptor
	Event *Event `json:"event"`
}

// BatchRequest is the decoded message of one batch record. Older producers
// send the event under "event" instead of "request".
type BatchRequest struct {
	BotDescriptor
	Request *Event `json:"request,omitempty"`
	Event   *Event `json:"event,omitempty"`
}

// Target returns the event to run, preferring "request".
func (r BatchRequest) Target() *Event {
	if r.Request != nil {
		return r.Request
	}
	return r.Event
}

// ValidateRequest is the /flows/validate request body.
type ValidateRequest struct {
	Content json.RawMessage `json:"content"`
}

// Event is one conversation event. Known fields are decoded; every field,
// known or not, is kept and forwarded verbatim.
type Event struct {
	RequestID string
	Client    ConversationClient

	fields map[string]json.RawMessage
}

// closeFlowsView is the optional path payload.content.close_flows.
type closeFlowsView struct {
	Content *struct {
		CloseFlows *bool `json:"close_flows"`
	} `json:"content"`
}

var errEventNotObject = errors.New("event must be a JSON object")

func (e *Event) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		return errEventNotObject
	}

	e.fields = fields
	e.RequestID = ""
	e.Client = ConversationClient{}

	if raw, ok := fields["request_id"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &e.RequestID); err != nil {
			return err
		}
	}
	if raw, ok := fields["client"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &e.Client); err != nil {
			return err
		}
	}

	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(e.fields)+2)
	for key, value := range e.fields {
		out[key] = value
	}
	if e.RequestID != "" {
		raw, err := json.Marshal(e.RequestID)
		if err != nil {
			return nil, err
		}
		out["request_id"] = raw
	}
	client, err := e.ClientJSON()
	if err != nil {
		return nil, err
	}
	if client != nil {
		out["client"] = client
	}
	return json.Marshal(out)
}

// ClientJSON returns the client as received, or the encoded Client when it was
// changed after decoding. It is nil when the event has no client at all.
func (e Event) ClientJSON() (json.RawMessage, error) {
	raw, ok := e.fields["client"]
	if ok {
		var received ConversationClient
		if isNull(raw) || json.Unmarshal(raw, &received) == nil {
			if received == e.Client {
				return raw, nil
			}
		}
	} else if e.Client == (ConversationClient{}) {
		return nil, nil
	}
	return json.Marshal(e.Client)
}

// Field returns the raw value of a top-level field, or nil when absent.
func (e Event) Field(name string) json.RawMessage {
	return e.fields[name]
}

// CloseFlows reports whether payload.content.close_flows is literally true.
// Missing or mistyped intermediate fields yield false.
func (e Event) CloseFlows() bool {
	raw, ok := e.fields["payload"]
	if !ok || isNull(raw) {
		return false
	}

	var view closeFlowsView
	if err := json.Unmarshal(raw, &view); err != nil {
		return false
	}
	if view.Content == nil || view.Content.CloseFlows == nil {
		return false
	}
	return *view.Content.CloseFlows
}

// DefaultMetadata sets metadata to an empty object when it is absent or null.
func (e *Event) DefaultMetadata() {
	if e.fields == nil {
		e.fields = make(map[string]json.RawMessage)
	}
	if raw, ok := e.fields["metadata"]; ok && !isNull(raw) {
		return
	}
	e.fields["metadata"] = json.RawMessage(`{}`)
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
