// Package lambda is the serverless entry point. One invocation is classified and
// handed to the HTTP router or the batch dispatcher.
package lambda

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/aws/aws-lambda-go/events"

	"flowgate/pkg/batch"
	"flowgate/pkg/invocation"
	"flowgate/pkg/reporter"
)

type Handler struct {
	router     http.Handler
	dispatcher *batch.Dispatcher
	reporter   *reporter.Reporter
	log        *slog.Logger
}

func NewHandler(router http.Handler, dispatcher *batch.Dispatcher, rep *reporter.Reporter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		router:     router,
		dispatcher: dispatcher,
		reporter:   rep,
		log:        log.With("component", "lambda.handler"),
	}
}

// Invoke handles one raw invocation. Warmups and batches return a nil result;
// HTTP invocations return an API Gateway proxy response in the payload format
// they arrived in.
func (h *Handler) Invoke(ctx context.Context, payload json.RawMessage) (any, error) {
	inv, err := invocation.Classify(payload)
	if err != nil {
		h.log.Warn("Unrecognized invocation", "error", err)
		h.reporter.Report(ctx, err, reporter.Context{Custom: string(payload)})
		return nil, err
	}

	switch inv.Kind {
	case invocation.KindWarmup:
		h.log.Debug("Warmup invocation")
		return nil, nil
	case invocation.KindHTTP:
		if inv.Payload == invocation.PayloadV2 {
			return h.serveHTTPv2(ctx, inv.Raw)
		}
		return h.serveHTTP(ctx, inv.Raw)
	case invocation.KindBatch:
		h.dispatcher.HandleRaw(ctx, inv.Raw)
		return nil, nil
	default:
		return nil, invocation.ErrUnrecognized
	}
}

func (h *Handler) serveHTTP(ctx context.Context, raw json.RawMessage) (events.APIGatewayProxyResponse, error) {
	var proxyReq events.APIGatewayProxyRequest
	if err := json.Unmarshal(raw, &proxyReq); err != nil {
		return events.APIGatewayProxyResponse{}, fmt.Errorf("decode api gateway request: %w", err)
	}

	req, err := toHTTPRequest(ctx, proxyReq)
	if err != nil {
		return events.APIGatewayProxyResponse{}, err
	}

	rw := newBufferedResponse()
	h.router.ServeHTTP(rw, req)
	return rw.toProxyResponse(), nil
}

func (h *Handler) serveHTTPv2(ctx context.Context, raw json.RawMessage) (events.APIGatewayV2HTTPResponse, error) {
	var proxyReq events.APIGatewayV2HTTPRequest
	if err := json.Unmarshal(raw, &proxyReq); err != nil {
		return events.APIGatewayV2HTTPResponse{}, fmt.Errorf("decode http api request: %w", err)
	}

	req, err := toHTTPRequestV2(ctx, proxyReq)
	if err != nil {
		return events.APIGatewayV2HTTPResponse{}, err
	}

	rw := newBufferedResponse()
	h.router.ServeHTTP(rw, req)
	return rw.toV2Response(), nil
}

func requestBody(body string, isBase64 bool) ([]byte, error) {
	if !isBase64 {
		return []byte(body), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("decode base64 body: %w", err)
	}
	return decoded, nil
}

func toHTTPRequest(ctx context.Context, proxyReq events.APIGatewayProxyRequest) (*http.Request, error) {
	body, err := requestBody(proxyReq.Body, proxyReq.IsBase64Encoded)
	if err != nil {
		return nil, err
	}

	target := &url.URL{Path: proxyReq.Path, RawQuery: queryString(proxyReq).Encode()}
	if target.Path == "" {
		target.Path = "/"
	}

	req, err := http.NewRequestWithContext(ctx, proxyReq.HTTPMethod, target.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}

	if len(proxyReq.MultiValueHeaders) > 0 {
		for name, values := range proxyReq.MultiValueHeaders {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	} else {
		for name, value := range proxyReq.Headers {
			req.Header.Set(name, value)
		}
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	if ip := proxyReq.RequestContext.Identity.SourceIP; ip != "" {
		req.RemoteAddr = ip
	}
	if id := proxyReq.RequestContext.RequestID; id != "" && req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", id)
	}

	return req, nil
}

// toHTTPRequestV2 converts an HTTP API (payload 2.0) event. Headers arrive
// comma-joined and cookies arrive separately.
func toHTTPRequestV2(ctx context.Context, proxyReq events.APIGatewayV2HTTPRequest) (*http.Request, error) {
	body, err := requestBody(proxyReq.Body, proxyReq.IsBase64Encoded)
	if err != nil {
		return nil, err
	}

	// RawPath is already escaped.
	target := proxyReq.RawPath
	if target == "" {
		target = "/"
	}
	if proxyReq.RawQueryString != "" {
		target += "?" + proxyReq.RawQueryString
	}

	req, err := http.NewRequestWithContext(ctx, proxyReq.RequestContext.HTTP.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build http request: %w", err)
	}

	for name, value := range proxyReq.Headers {
		req.Header.Set(name, value)
	}
	if len(proxyReq.Cookies) > 0 {
		req.Header.Set("Cookie", strings.Join(proxyReq.Cookies, "; "))
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
	}
	if ip := proxyReq.RequestContext.HTTP.SourceIP; ip != "" {
		req.RemoteAddr = ip
	}
	if id := proxyReq.RequestContext.RequestID; id != "" && req.Header.Get("X-Request-Id") == "" {
		req.Header.Set("X-Request-Id", id)
	}

	return req, nil
}

func queryString(proxyReq events.APIGatewayProxyRequest) url.Values {
	query := url.Values{}
	if len(proxyReq.MultiValueQueryStringParameters) > 0 {
		for name, values := range proxyReq.MultiValueQueryStringParameters {
			for _, value := range values {
				query.Add(name, value)
			}
		}
		return query
	}
	for name, value := range proxyReq.QueryStringParameters {
		query.Set(name, value)
	}
	return query
}

// bufferedResponse collects a router response for the proxy integration.
type bufferedResponse struct {
	header http.Header
	status int
	body   bytes.Buffer
}

func newBufferedResponse() *bufferedResponse {
	return &bufferedResponse{header: make(http.Header)}
}

func (w *bufferedResponse) Header() http.Header {
	return w.header
}

func (w *bufferedResponse) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (w *bufferedResponse) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(p)
}

func (w *bufferedResponse) statusCode() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

// joinedHeaders flattens the response headers, leaving out skip.
func (w *bufferedResponse) joinedHeaders(skip string) map[string]string {
	headers := make(map[string]string, len(w.header))
	for name, values := range w.header {
		if name == skip {
			continue
		}
		headers[name] = strings.Join(values, ",")
	}
	return headers
}

// encodedBody returns the body as text, or base64 when it is not valid UTF-8.
func (w *bufferedResponse) encodedBody() (string, bool) {
	if utf8.Valid(w.body.Bytes()) {
		return w.body.String(), false
	}
	return base64.StdEncoding.EncodeToString(w.body.Bytes()), true
}

func (w *bufferedResponse) toProxyResponse() events.APIGatewayProxyResponse {
	resp := events.APIGatewayProxyResponse{
		StatusCode:        w.statusCode(),
		Headers:           w.joinedHeaders(""),
		MultiValueHeaders: map[string][]string(w.header.Clone()),
	}
	resp.Body, resp.IsBase64Encoded = w.encodedBody()
	return resp
}

// toV2Response moves Set-Cookie into Cookies, since HTTP APIs reject
// comma-joined cookie headers.
func (w *bufferedResponse) toV2Response() events.APIGatewayV2HTTPResponse {
	resp := events.APIGatewayV2HTTPResponse{
		StatusCode: w.statusCode(),
		Headers:    w.joinedHeaders("Set-Cookie"),
		Cookies:    w.header.Values("Set-Cookie"),
	}
	resp.Body, resp.IsBase64Encoded = w.encodedBody()
	return resp
}
