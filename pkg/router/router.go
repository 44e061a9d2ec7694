// Package router is the synchronous HTTP ingress in front of the conversation engine.
//
// Requests pass through an ordered list of stages and then the route table.
// Every error or panic ends in one terminal handler, which writes at most one
// response per request.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"flowgate/pkg/batch"
	"flowgate/pkg/engine"
	"flowgate/pkg/reporter"
)

const defaultSubscribeTimeout = 10 * time.Second

// Options configure a Router. Zero values are usable.
type Options struct {
	// Stage selects access-log verbosity.
	Stage        string
	MaxBodyBytes int64
	// Reporter receives 5xx failures with the request path as context.
	Reporter *reporter.Reporter
	// Dispatcher handles SNS notifications; built from the engine when nil.
	Dispatcher *batch.Dispatcher
	// HTTPClient confirms SNS subscriptions.
	HTTPClient *http.Client
}

type Router struct {
	engine     engine.Client
	reporter   *reporter.Reporter
	dispatcher *batch.Dispatcher
	httpClient *http.Client
	maxBody    int64
	mux        *http.ServeMux
	pipeline   Handler
	log        *slog.Logger
}

type routeErrorKey struct{}

// routeError carries a route handler's error out of http.ServeMux.
type routeError struct {
	err error
}

func New(client engine.Client, opts Options, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}

	rt := &Router{
		engine:     client,
		reporter:   opts.Reporter,
		dispatcher: opts.Dispatcher,
		httpClient: opts.HTTPClient,
		maxBody:    opts.MaxBodyBytes,
		mux:        http.NewServeMux(),
		log:        log.With("component", "router.ingress"),
	}
	if rt.dispatcher == nil {
		rt.dispatcher = batch.New(client, opts.Reporter, 0, log)
	}
	if rt.httpClient == nil {
		rt.httpClient = &http.Client{Timeout: defaultSubscribeTimeout}
	}

	rt.handle("GET /{$}", rt.health)
	rt.handle("GET /favicon.ico", rt.favicon)
	rt.handle("POST /run", rt.run)
	rt.handle("POST /flows/validate", rt.validateFlow)
	rt.handle("POST /conversations/close", rt.closeAllConversations)
	rt.handle("POST /sns", rt.sns)
	rt.handle("/", func(_ http.ResponseWriter, r *http.Request) error {
		return notFound(r)
	})

	rt.pipeline = chain([]Stage{
		RequestID(),
		AccessLog(opts.Stage, rt.log),
		Recover(),
		LimitBody(opts.MaxBodyBytes),
	}, rt.dispatch)

	return rt
}

func (rt *Router) handle(pattern string, h Handler) {
	rt.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if err := h(w, r); err != nil {
			if slot, ok := r.Context().Value(routeErrorKey{}).(*routeError); ok {
				slot.err = err
			}
		}
	})
}

// dispatch is the last stage: it runs the matching route and returns its error.
func (rt *Router) dispatch(w http.ResponseWriter, r *http.Request) error {
	slot := &routeError{}
	rt.mux.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), routeErrorKey{}, slot)))
	return slot.err
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rw := &responseWriter{ResponseWriter: w}
	if err := rt.serve(rw, r); err != nil {
		rt.handleError(rw, r, err)
	}
}

func (rt *Router) serve(w *responseWriter, r *http.Request) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = panicError(recovered)
		}
	}()
	return rt.pipeline(w, r)
}

// handleError is the single terminal error handler shared by every route.
func (rt *Router) handleError(w *responseWriter, r *http.Request, err error) {
	status := StatusOf(err)
	requestID := w.Header().Get(headerRequestID)
	log := rt.log.With("method", r.Method, "path", r.URL.Path, "status", status, "request_id", requestID)

	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "error", err)
		rt.reporter.Report(r.Context(), err, reporter.Context{
			Request: &reporter.RequestInfo{ID: requestID, Method: r.Method, Path: r.URL.Path},
		})
	} else {
		log.Warn("Request rejected", "error", err)
	}

	if w.Sent() {
		log.Warn("Response already sent, dropping error response")
		return
	}

	if writeErr := writeJSON(w, status, errorBody{Error: err.Error(), Status: status}); writeErr != nil {
		log.Error("Failed to write error response", "error", writeErr)
	}
}

func (rt *Router) health(w http.ResponseWriter, _ *http.Request) error {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write([]byte("Healthy"))
	return err
}

func (rt *Router) favicon(w http.ResponseWriter, _ *http.Request) error {
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// run closes the client's open conversations first when the event asks for it;
// the run must not start before the close has completed.
func (rt *Router) run(w http.ResponseWriter, r *http.Request) error {
	var req engine.ConversationRequest
	if err := decodeJSON(r, rt.maxBody, &req); err != nil {
		return err
	}
	if req.Event == nil {
		return badRequest("event is required")
	}
	event := *req.Event

	if event.CloseFlows() {
		// An event without a client closes with an empty body.
		client, err := event.ClientJSON()
		if err != nil {
			return fmt.Errorf("encode client: %w", err)
		}
		if _, err := rt.engine.CloseAllConversations(r.Context(), client); err != nil {
			return fmt.Errorf("close conversations before run: %w", err)
		}
	}

	event.DefaultMetadata()
	result, err := rt.engine.Run(r.Context(), event, req.BotDescriptor)
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}
	return writeResult(w, http.StatusOK, result)
}

func (rt *Router) validateFlow(w http.ResponseWriter, r *http.Request) error {
	var req engine.ValidateRequest
	if err := decodeJSON(r, rt.maxBody, &req); err != nil {
		return err
	}
	content := req.Content
	if len(content) == 0 {
		content = json.RawMessage("null")
	}

	result, err := rt.engine.ValidFlow(r.Context(), content)
	if err != nil {
		return fmt.Errorf("validate flow: %w", err)
	}
	return writeResult(w, http.StatusOK, result)
}

// closeAllConversations forwards the whole body to the engine.
func (rt *Router) closeAllConversations(w http.ResponseWriter, r *http.Request) error {
	body, err := readBody(r, rt.maxBody)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if !json.Valid(body) {
		return badRequest(msgBodyBadFormat)
	}

	result, err := rt.engine.CloseAllConversations(r.Context(), body)
	if err != nil {
		return fmt.Errorf("close all conversations: %w", err)
	}
	return writeResult(w, http.StatusOK, result)
}
