package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	goerrors "github.com/goliatone/go-errors"

	"flowgate/pkg/batch"
	"flowgate/pkg/reporter"
)

const (
	headerSNSMessageType = "X-Amz-Sns-Message-Type"

	snsSubscriptionConfirmation = "SubscriptionConfirmation"
	snsNotification             = "Notification"
)

type snsConfirmation struct {
	SubscribeURL string `json:"SubscribeURL"`
}

// sns serves an SNS HTTP(S) subscription. Notifications always get
// a 200: a retried delivery would fail the same way, so failures are reported instead.
func (rt *Router) sns(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(r, rt.maxBody)
	if err != nil {
		return err
	}

	switch strings.TrimSpace(r.Header.Get(headerSNSMessageType)) {
	case snsSubscriptionConfirmation:
		return rt.confirmSubscription(w, r, body)
	case snsNotification:
		return rt.handleNotification(w, r, body)
	default:
		return badRequest("Bad request")
	}
}

func (rt *Router) confirmSubscription(w http.ResponseWriter, r *http.Request, body []byte) error {
	var confirmation snsConfirmation
	if err := json.Unmarshal(body, &confirmation); err != nil || strings.TrimSpace(confirmation.SubscribeURL) == "" {
		return badRequest("Request body can not be properly parsed")
	}

	rt.log.Info("Confirming SNS subscription", "subscribe_url", confirmation.SubscribeURL)

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, confirmation.SubscribeURL, nil)
	if err != nil {
		return badRequest("Request body can not be properly parsed")
	}
	resp, err := rt.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= http.StatusBadRequest {
			err = errors.New(resp.Status)
		}
	}
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryExternal, "Impossible to reach SubscribeURL").
			WithCode(http.StatusBadGateway)
	}

	return writeJSON(w, http.StatusOK, true)
}

func (rt *Router) handleNotification(w http.ResponseWriter, r *http.Request, body []byte) error {
	var entity events.SNSEntity
	if err := json.Unmarshal(body, &entity); err != nil {
		rt.log.Error("SNS notification parse error", "error", err)
		rt.reporter.Report(r.Context(), err, reporter.Context{
			Custom:  string(body),
			Request: &reporter.RequestInfo{Method: r.Method, Path: r.URL.Path},
		})
		return writeJSON(w, http.StatusOK, "Request body can not be properly parsed")
	}

	outcomes := rt.dispatcher.Handle(r.Context(), &batch.Batch{Records: []batch.Record{{
		EventSource: "aws:sns",
		MessageID:   entity.MessageID,
		SNS:         &entity,
	}}})
	if len(outcomes) == 0 {
		return writeJSON(w, http.StatusOK, nil)
	}

	outcome := outcomes[0]
	if outcome.Failed() {
		return writeJSON(w, http.StatusOK, errorBody{Error: outcome.Err.Error(), Status: http.StatusOK})
	}
	return writeResult(w, http.StatusOK, outcome.Result)
}
