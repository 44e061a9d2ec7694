// Package invocation classifies raw serverless invocations before any request parsing.
package invocation

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// Kind tags an Invocation.
type Kind int

const (
	KindWarmup Kind = iota
	KindHTTP
	KindBatch
)

func (k Kind) String() string {
	switch k {
	case KindWarmup:
		return "warmup"
	case KindHTTP:
		return "http"
	case KindBatch:
		return "batch"
	default:
		return "unknown"
	}
}

// Sources that mark scheduled keep-alive triggers rather than user traffic.
var warmupSources = map[string]struct{}{
	"aws.events":                {},
	"serverless-plugin-warmup": {},
}

var ErrUnrecognized = errors.New("invocation is neither an http request nor a batch notification")

// HTTP payload formats of API Gateway proxy integrations.
const (
	PayloadV1 = "1.0"
	PayloadV2 = "2.0"
)

// Invocation is a classified raw invocation. Raw is nil for warmups. Payload is
// set for http invocations only.
type Invocation struct {
	Kind    Kind
	Payload string
	Raw     json.RawMessage
}

// marker holds only the fields used for classification; everything else is ignored.
type marker struct {
	Source     *string         `json:"source"`
	HTTPMethod *string         `json:"httpMethod"`
	Path       *string         `json:"path"`
	RawPath    *string         `json:"rawPath"`
	Records    json.RawMessage `json:"Records"`

	RequestContext *struct {
		HTTP *struct {
			Method string `json:"method"`
		} `json:"http"`
	} `json:"requestContext"`
}

func (m marker) isHTTPv2() bool {
	return m.RawPath != nil && m.RequestContext != nil && m.RequestContext.HTTP != nil && m.RequestContext.HTTP.Method != ""
}

// IsWarmup reports whether raw is an empty invocation or carries a warmup source marker.
// A non-object payload is not a warmup; the normal path decides how it fails.
func IsWarmup(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) || bytes.Equal(trimmed, []byte("{}")) {
		return true
	}

	var m marker
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return false
	}
	return isWarmupSource(m.Source)
}

// Classify tags raw as warmup, http or batch. Warmup is decided before shape.
func Classify(raw []byte) (Invocation, error) {
	if IsWarmup(raw) {
		return Invocation{Kind: KindWarmup}, nil
	}

	var m marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return Invocation{}, ErrUnrecognized
	}

	switch {
	case m.HTTPMethod != nil && m.Path != nil:
		return Invocation{Kind: KindHTTP, Payload: PayloadV1, Raw: raw}, nil
	case m.isHTTPv2():
		return Invocation{Kind: KindHTTP, Payload: PayloadV2, Raw: raw}, nil
	case len(m.Records) > 0:
		return Invocation{Kind: KindBatch, Raw: raw}, nil
	default:
		return Invocation{}, ErrUnrecognized
	}
}

func isWarmupSource(source *string) bool {
	if source == nil {
		return false
	}
	_, ok := warmupSources[strings.TrimSpace(*source)]
	return ok
}
