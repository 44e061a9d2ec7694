// Package batch processes batch notifications: every record is decoded and run
// independently, and a failing record is reported without touching its siblings.
package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"golang.org/x/sync/errgroup"

	"flowgate/pkg/engine"
	"flowgate/pkg/invocation"
	"flowgate/pkg/reporter"
)

var (
	errNoRequest = errors.New("record message has no request")
	errNoMessage = errors.New("record carries neither Sns nor body")
)

// Record is one message of a batch. SNS deliveries carry the message under
// Sns.Message; queue deliveries carry it as body.
//
// Decoding a Record keeps its raw JSON and defers field decoding to the
// record's own failure boundary, so one malformed record cannot fail the
// envelope it arrived in.
type Record struct {
	EventSource string            `json:"EventSource,omitempty"`
	MessageID   string            `json:"messageId,omitempty"`
	SNS         *events.SNSEntity `json:"Sns,omitempty"`
	Body        string            `json:"body,omitempty"`

	raw json.RawMessage
}

// recordView is the subset of a delivered record needed to route it. SNS
// metadata such as Timestamp and signatures is not read.
type recordView struct {
	EventSource string `json:"EventSource"`
	MessageID   string `json:"messageId"`
	SNS         *struct {
		MessageID string `json:"MessageId"`
		TopicArn  string `json:"TopicArn"`
		Message   string `json:"Message"`
	} `json:"Sns"`
	Body *string `json:"body"`
}

func (r *Record) UnmarshalJSON(data []byte) error {
	r.raw = append(json.RawMessage(nil), data...)
	return nil
}

// Message returns the serialized {bot, request} payload of the record.
func (r Record) Message() string {
	if r.SNS != nil {
		return r.SNS.Message
	}
	return r.Body
}

// ID is the delivery id of the record, from either transport.
func (r Record) ID() string {
	if r.MessageID == "" && r.SNS != nil {
		return r.SNS.MessageID
	}
	return r.MessageID
}

// resolve decodes a record read from JSON. Records built in code are returned as is.
func (r Record) resolve() (Record, error) {
	if r.raw == nil {
		return r, nil
	}

	var view recordView
	if err := json.Unmarshal(r.raw, &view); err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}

	resolved := Record{EventSource: view.EventSource, MessageID: view.MessageID, raw: r.raw}
	switch {
	case view.SNS != nil:
		resolved.SNS = &events.SNSEntity{MessageID: view.SNS.MessageID, TopicArn: view.SNS.TopicArn, Message: view.SNS.Message}
	case view.Body != nil:
		resolved.Body = *view.Body
	default:
		return Record{}, errNoMessage
	}
	return resolved, nil
}

// Batch is a batch notification envelope.
type Batch struct {
	Records []Record `json:"Records"`
}

// Empty reports whether there is nothing to process.
func (b *Batch) Empty() bool {
	return b == nil || len(b.Records) == 0
}

// Outcome is the result of one record, success or captured failure.
type Outcome struct {
	Index  int
	Result engine.Result
	Err    error
}

func (o Outcome) Failed() bool {
	return o.Err != nil
}

type Dispatcher struct {
	engine         engine.Client
	reporter       *reporter.Reporter
	maxConcurrency int
	log            *slog.Logger
}

// New builds a dispatcher. maxConcurrency <= 0 runs every record at once.
func New(client engine.Client, rep *reporter.Reporter, maxConcurrency int, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		engine:         client,
		reporter:       rep,
		maxConcurrency: maxConcurrency,
		log:            log.With("component", "batch.dispatcher"),
	}
}

// HandleRaw decodes an envelope and handles it. Only a malformed envelope, such
// as Records not being an array, or a panic outside the per-record boundary is
// reported once with the whole batch as context; malformed records are reported
// individually.
func (d *Dispatcher) HandleRaw(ctx context.Context, raw []byte) (outcomes []Outcome) {
	if invocation.IsWarmup(raw) {
		return nil
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			d.reportBatch(ctx, fmt.Errorf("batch handling panicked: %v", recovered), raw)
		}
	}()

	var b Batch
	if err := json.Unmarshal(raw, &b); err != nil {
		d.reportBatch(ctx, fmt.Errorf("decode batch: %w", err), raw)
		return nil
	}

	return d.Handle(ctx, &b)
}

// Handle runs every record concurrently and waits for all of them. It never fails
// as a whole; outcomes are indexed like b.Records.
func (d *Dispatcher) Handle(ctx context.Context, b *Batch) []Outcome {
	if b.Empty() {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	startedAt := time.Now()
	outcomes := make([]Outcome, len(b.Records))

	var g errgroup.Group
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}
	for i, record := range b.Records {
		g.Go(func() error {
			outcomes[i] = d.handleRecord(ctx, i, record)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed++
		}
	}
	d.log.Info("Batch handled", "records", len(outcomes), "failed", failed, "duration_ms", time.Since(startedAt).Milliseconds())

	return outcomes
}

// handleRecord is the per-record failure boundary: any error or panic is reported
// exactly once with the record's message as context, then swallowed. A record
// that cannot be decoded is reported with its raw JSON instead.
func (d *Dispatcher) handleRecord(ctx context.Context, index int, record Record) (outcome Outcome) {
	outcome.Index = index
	custom := record.Message()
	if record.raw != nil {
		custom = string(record.raw)
	}

	defer func() {
		if recovered := recover(); recovered != nil {
			outcome.Result = nil
			outcome.Err = fmt.Errorf("record %d panicked: %v", index, recovered)
		}
		if outcome.Err != nil {
			d.log.Error("Batch record failed", "index", index, "message_id", record.ID(), "error", outcome.Err)
			d.reporter.Report(ctx, outcome.Err, reporter.Context{Custom: custom})
		}
	}()

	resolved, err := record.resolve()
	if err != nil {
		outcome.Err = fmt.Errorf("record %d: %w", index, err)
		return outcome
	}
	record = resolved
	message := record.Message()
	if message != "" {
		custom = message
	}

	var req engine.BatchRequest
	if err := json.Unmarshal([]byte(message), &req); err != nil {
		outcome.Err = fmt.Errorf("decode record %d: %w", index, err)
		return outcome
	}

	event := req.Target()
	if event == nil {
		outcome.Err = fmt.Errorf("record %d: %w", index, errNoRequest)
		return outcome
	}
	event.DefaultMetadata()

	result, err := d.engine.Run(ctx, *event, req.BotDescriptor)
	if err != nil {
		outcome.Err = fmt.Errorf("run record %d: %w", index, err)
		return outcome
	}

	outcome.Result = result
	return outcome
}

func (d *Dispatcher) reportBatch(ctx context.Context, err error, raw []byte) {
	d.log.Error("Batch failed", "error", err)
	d.reporter.Report(ctx, err, reporter.Context{Custom: string(raw)})
}
