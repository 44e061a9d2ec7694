package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloseFlows(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		event string
		want  bool
	}{
		{name: "flag true", event: `{"payload":{"content":{"close_flows":true}}}`, want: true},
		{name: "flag false", event: `{"payload":{"content":{"close_flows":false}}}`},
		{name: "flag string", event: `{"payload":{"content":{"close_flows":"true"}}}`},
		{name: "no content", event: `{"payload":{"content_type":"text"}}`},
		{name: "content not object", event: `{"payload":{"content":"hello"}}`},
		{name: "payload null", event: `{"payload":null}`},
		{name: "no payload", event: `{"client":{"user_id":"u"}}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var event Event
			require.NoError(t, json.Unmarshal([]byte(tc.event), &event))
			require.Equal(t, tc.want, event.CloseFlows())
		})
	}
}

func TestEventPreservesUnknownFields(t *testing.T) {
	t.Parallel()

	raw := `{"request_id":"r1","client":{"user_id":"u","bot_id":"b","channel_id":"c"},"payload":{"content_type":"text","content":{"text":"hi"}},"step_limit":50}`

	var event Event
	require.NoError(t, json.Unmarshal([]byte(raw), &event))
	require.Equal(t, "r1", event.RequestID)
	require.Equal(t, ConversationClient{UserID: "u", BotID: "b", ChannelID: "c"}, event.Client)

	out, err := json.Marshal(event)
	require.NoError(t, err)
	require.JSONEq(t, raw, string(out))
}

func TestEventClientJSON(t *testing.T) {
	t.Parallel()

	var absent Event
	require.NoError(t, json.Unmarshal([]byte(`{"request_id":"r1"}`), &absent))
	client, err := absent.ClientJSON()
	require.NoError(t, err)
	require.Nil(t, client)
	out, err := json.Marshal(absent)
	require.NoError(t, err)
	require.JSONEq(t, `{"request_id":"r1"}`, string(out))

	var partial Event
	require.NoError(t, json.Unmarshal([]byte(`{"client":{"user_id":"u","extra":1}}`), &partial))
	client, err = partial.ClientJSON()
	require.NoError(t, err)
	require.JSONEq(t, `{"user_id":"u","extra":1}`, string(client))

	var explicitNull Event
	require.NoError(t, json.Unmarshal([]byte(`{"client":null}`), &explicitNull))
	client, err = explicitNull.ClientJSON()
	require.NoError(t, err)
	require.JSONEq(t, `null`, string(client))

	absent.Client = ConversationClient{UserID: "u", BotID: "b", ChannelID: "c"}
	out, err = json.Marshal(absent)
	require.NoError(t, err)
	require.JSONEq(t, `{"request_id":"r1","client":{"user_id":"u","bot_id":"b","channel_id":"c"}}`, string(out))
}

func TestDefaultMetadata(t *testing.T) {
	t.Parallel()

	var event Event
	require.NoError(t, json.Unmarshal([]byte(`{"metadata":null}`), &event))
	event.DefaultMetadata()
	require.JSONEq(t, `{}`, string(event.Field("metadata")))

	require.NoError(t, json.Unmarshal([]byte(`{"metadata":{"k":"v"}}`), &event))
	event.DefaultMetadata()
	require.JSONEq(t, `{"k":"v"}`, string(event.Field("metadata")))
}

func TestEventRejectsNonObject(t *testing.T) {
	t.Parallel()

	var event Event
	require.Error(t, json.Unmarshal([]byte(`"text"`), &event))
	require.Error(t, json.Unmarshal([]byte(`null`), &event))
}

func TestBatchRequestTarget(t *testing.T) {
	t.Parallel()

	var req BatchRequest
	require.NoError(t, json.Unmarshal([]byte(`{"bot_id":"b","event":{"request_id":"legacy"}}`), &req))
	require.NotNil(t, req.Target())
	require.Equal(t, "legacy", req.Target().RequestID)

	require.NoError(t, json.Unmarshal([]byte(`{"bot_id":"b","request":{"request_id":"new"},"event":{"request_id":"legacy"}}`), &req))
	require.Equal(t, "new", req.Target().RequestID)
}
