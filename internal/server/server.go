package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/grpc/metadata"

	"github.com/hanpama/lazygraph/internal/document"
	"github.com/hanpama/lazygraph/internal/eventbus"
	"github.com/hanpama/lazygraph/internal/events"
	"github.com/hanpama/lazygraph/internal/language"
	"github.com/hanpama/lazygraph/internal/reqid"
	"github.com/hanpama/lazygraph/internal/resolve"
)

// Handler is an http.Handler serving a GraphQL endpoint: it parses and
// validates requests against the schema, builds selection trees, runs the
// resolution engine, and renders responses.
type Handler struct {
	schema *language.Schema
	engine *resolve.Engine
	opt    Options
}

type Options struct {
	// Timeout sets a default deadline if the incoming request context has
	// none. 0 means no default timeout.
	Timeout time.Duration

	// Pretty enables indented JSON responses (useful for dev).
	Pretty bool

	// MaxBodyBytes limits the size of the request body. 0 means unlimited.
	MaxBodyBytes int64

	// CORS configuration. If AllowedOrigins is empty, CORS is disabled.
	CORS CORSOptions

	// MetadataHeaders lists HTTP headers to forward into gRPC metadata for
	// loader calls. Header names are case-insensitive. Default is none.
	MetadataHeaders []string
}

type Option func(*Options)

func WithTimeout(d time.Duration) Option { return func(o *Options) { o.Timeout = d } }
func WithPretty() Option                 { return func(o *Options) { o.Pretty = true } }
func WithMaxBodyBytes(n int64) Option    { return func(o *Options) { o.MaxBodyBytes = n } }
func WithCORS(origins ...string) Option {
	return func(o *Options) { o.CORS.AllowedOrigins = origins }
}
func WithMetadataHeaders(headers ...string) Option {
	return func(o *Options) { o.MetadataHeaders = headers }
}

// CORSOptions holds simple CORS settings.
type CORSOptions struct {
	AllowedOrigins []string
}

// New creates a GraphQL HTTP handler executing against engine with schema.
func New(schema *language.Schema, engine *resolve.Engine, opts ...Option) *Handler {
	op := Options{Timeout: 30 * time.Second, MaxBodyBytes: 1 << 20}
	for _, f := range opts {
		f(&op)
	}
	return &Handler{schema: schema, engine: engine, opt: op}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, ok := ctx.Deadline(); !ok && h.opt.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.opt.Timeout)
		defer cancel()
	}

	var rid string
	if fwd := r.Header.Get("X-Request-Id"); fwd != "" {
		rid = fwd
		ctx = reqid.WithID(ctx, fwd)
	} else {
		ctx, rid = reqid.NewContext(ctx)
	}
	w.Header().Set("X-Request-Id", rid)

	status := http.StatusOK
	var written int64
	start := time.Now()
	eventbus.Publish(ctx, events.HTTPStart{Request: r})
	defer func() {
		eventbus.Publish(ctx, events.HTTPFinish{Request: r, Status: status, Bytes: written, Duration: time.Since(start)})
	}()

	if r.Method == http.MethodOptions {
		if len(h.opt.CORS.AllowedOrigins) > 0 {
			setCORSHeaders(w, r, h.opt.CORS)
		}
		status = http.StatusNoContent
		w.WriteHeader(status)
		return
	}

	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		status = http.StatusMethodNotAllowed
		written = writeJSON(w, status, errorResult("method not allowed"), h.opt.Pretty)
		return
	}

	// Map configured headers into outgoing loader metadata.
	if len(h.opt.MetadataHeaders) > 0 {
		md := metadata.MD{}
		allowed := make(map[string]struct{}, len(h.opt.MetadataHeaders))
		for _, hdr := range h.opt.MetadataHeaders {
			allowed[strings.ToLower(hdr)] = struct{}{}
		}
		for k, v := range r.Header {
			if _, ok := allowed[strings.ToLower(k)]; ok {
				md[strings.ToLower(k)] = v
			}
		}
		ctx = metadata.NewOutgoingContext(ctx, md)
	}

	req, batch, perr := parseRequest(r, h.opt.MaxBodyBytes)
	if perr != nil {
		status = http.StatusBadRequest
		if errors.Is(perr, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		written = writeJSON(w, status, errorResult(perr.Error()), h.opt.Pretty)
		return
	}

	if len(h.opt.CORS.AllowedOrigins) > 0 {
		setCORSHeaders(w, r, h.opt.CORS)
	}

	if batch != nil {
		out := make([]*resolve.Result, len(batch))
		for i := range batch {
			out[i] = h.executeOne(ctx, batch[i])
		}
		written = writeJSON(w, status, out, h.opt.Pretty)
		return
	}

	written = writeJSON(w, status, h.executeOne(ctx, req), h.opt.Pretty)
}

func (h *Handler) executeOne(ctx context.Context, req GraphQLRequest) *resolve.Result {
	doc, err := language.ParseQuery(req.Query)
	if err != nil {
		return errorResult(err.Error())
	}
	if errs := language.Validate(h.schema, doc); len(errs) > 0 {
		res := &resolve.Result{}
		for _, e := range errs {
			res.Errors = append(res.Errors, resolve.Error{Message: e.Message})
		}
		return res
	}
	selections, opType, err := document.Build(h.schema, doc, req.OperationName, req.Variables)
	if err != nil {
		return errorResult(err.Error())
	}

	start := time.Now()
	eventbus.Publish(ctx, events.ResolveStart{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: string(opType),
	})
	result := h.engine.Execute(ctx, nil, selections)
	errs := make([]error, len(result.Errors))
	for i := range result.Errors {
		errs[i] = result.Errors[i]
	}
	eventbus.Publish(ctx, events.ResolveFinish{
		Query:         req.Query,
		OperationName: req.OperationName,
		OperationType: string(opType),
		Errors:        errs,
		Duration:      time.Since(start),
	})
	return result
}

// ------------------ Request parsing ------------------

type GraphQLRequest struct {
	Query         string         `json:"query"`
	OperationName string         `json:"operationName,omitempty"`
	Variables     map[string]any `json:"variables,omitempty"`
	Extensions    map[string]any `json:"extensions,omitempty"`
}

var (
	errMissingQuery           = errors.New("missing 'query'")
	errInvalidVariables       = errors.New("invalid 'variables' JSON")
	errInvalidJSON            = errors.New("invalid JSON")
	errEmptyBatch             = errors.New("empty batch")
	errReadBody               = errors.New("failed to read body")
	errBodyTooLarge           = errors.New("body too large")
	errUnsupportedContentType = errors.New("unsupported Content-Type")
)

func parseRequest(r *http.Request, maxBody int64) (GraphQLRequest, []GraphQLRequest, error) {
	if r.Method == http.MethodGet {
		q := r.URL.Query().Get("query")
		if q == "" {
			return GraphQLRequest{}, nil, errMissingQuery
		}
		vars := map[string]any{}
		if v := r.URL.Query().Get("variables"); v != "" {
			if err := json.Unmarshal([]byte(v), &vars); err != nil {
				return GraphQLRequest{}, nil, errInvalidVariables
			}
		}
		op := r.URL.Query().Get("operationName")
		return GraphQLRequest{Query: q, Variables: vars, OperationName: op}, nil, nil
	}

	// POST
	ct := r.Header.Get("Content-Type")
	switch {
	case ct == "" || ct == "application/json" || strings.HasPrefix(ct, "application/json;"):
		body, err := readBody(r, maxBody)
		if err != nil {
			return GraphQLRequest{}, nil, err
		}

		// Try array (batch)
		if len(body) > 0 && body[0] == '[' {
			var arr []GraphQLRequest
			if err := json.Unmarshal(body, &arr); err != nil {
				return GraphQLRequest{}, nil, errInvalidJSON
			}
			if len(arr) == 0 {
				return GraphQLRequest{}, nil, errEmptyBatch
			}
			return GraphQLRequest{}, arr, nil
		}
		// Single
		var req GraphQLRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return GraphQLRequest{}, nil, errInvalidJSON
		}
		if req.Query == "" {
			return GraphQLRequest{}, nil, errMissingQuery
		}
		if req.Variables == nil {
			req.Variables = map[string]any{}
		}
		return req, nil, nil

	case ct == "application/graphql" || strings.HasPrefix(ct, "application/graphql;"):
		body, err := readBody(r, maxBody)
		if err != nil {
			return GraphQLRequest{}, nil, err
		}
		if len(body) == 0 {
			return GraphQLRequest{}, nil, errMissingQuery
		}
		return GraphQLRequest{Query: string(body), Variables: map[string]any{}}, nil, nil
	}

	return GraphQLRequest{}, nil, errUnsupportedContentType
}

func readBody(r *http.Request, maxBody int64) ([]byte, error) {
	reader := io.Reader(r.Body)
	if maxBody > 0 {
		reader = io.LimitReader(r.Body, maxBody+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, errReadBody
	}
	defer r.Body.Close()
	if maxBody > 0 && int64(len(body)) > maxBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// ------------------ Response formatting ------------------

func errorResult(message string) *resolve.Result {
	return &resolve.Result{Errors: []resolve.Error{{Message: message}}}
}

// writeJSON renders v and reports the bytes written.
func writeJSON(w http.ResponseWriter, status int, v any, pretty bool) int64 {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	cw := &countingWriter{w: w}
	enc := json.NewEncoder(cw)
	if pretty {
		enc.SetIndent("", "  ")
	}
	_ = enc.Encode(v)
	return cw.n
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func setCORSHeaders(w http.ResponseWriter, r *http.Request, opts CORSOptions) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	allowed := false
	wildcard := false
	for _, o := range opts.AllowedOrigins {
		if o == "*" {
			allowed = true
			wildcard = true
		}
		if o == origin {
			allowed = true
		}
	}
	if !allowed {
		return
	}
	if wildcard {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if r.Method == http.MethodOptions {
		if hdr := r.Header.Get("Access-Control-Request-Headers"); hdr != "" {
			w.Header().Set("Access-Control-Allow-Headers", hdr)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	}
}
