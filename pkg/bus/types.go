package bus

import "context"

// MetadataPublishedAt is the RFC 3339 publish time attached to every message.
const MetadataPublishedAt = "published_at"

// Handler processes one delivered payload. A nil error acks the message, an
// error nacks it for redelivery.
type Handler func(ctx context.Context, messageID string, payload []byte) error
