package gofetchdata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "github.com/dgduncan/go-fetch-data"

// ResponseType selects how a response body is decoded.
type ResponseType string

const (
	// ResponseTypeJSON decodes the body as JSON into T. An empty body yields T's zero value.
	ResponseTypeJSON ResponseType = "json"
	// ResponseTypeText returns the body as is. T must be string.
	ResponseTypeText ResponseType = "text"
	// ResponseTypeBytes returns a copy of the body. T must be []byte.
	ResponseTypeBytes ResponseType = "bytes"
)

// TransportConfig holds per-request transport options.
type TransportConfig struct {
	// Headers are added to the request, replacing client-wide headers of the same name.
	Headers map[string]string

	// Timeout bounds this request. Zero leaves the client timeout in charge.
	Timeout time.Duration

	Params Params

	// ResponseType defaults to ResponseTypeJSON.
	ResponseType ResponseType

	// ValidateStatus reports whether a status code is a success. Nil accepts 2xx.
	ValidateStatus func(status int) bool
}

// Client issues GET requests on top of a resty client.
type Client struct {
	rc     *resty.Client
	tracer trace.Tracer
	logger *slog.Logger
}

// NewClient creates an HTTP client.
//
// If opts is nil, DefaultConfig is used; otherwise opts is used as given.
// The 'now' function is the clock of the response cache, time.Now when nil.
// If the 'logger' is nil, a no-op logger writing to io.Discard will be used.
func NewClient(opts *Config, now func() time.Time, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := Config{}
	if opts == nil {
		c = DefaultConfig()
	} else {
		c = *opts
	}

	rc := resty.New().
		SetLogger(restyLogger{logger: logger}).
		SetTimeout(c.Timeout)

	if c.BaseURL != "" {
		rc.SetBaseURL(c.BaseURL)
	}
	if len(c.Headers) > 0 {
		rc.SetHeaders(c.Headers)
	}

	if c.Transport != nil || c.ResponseCache != nil {
		rt := c.Transport
		if rt == nil {
			rt = http.DefaultTransport
		}
		if c.ResponseCache != nil {
			rt = NewTransport(c.ResponseCache, c.DomainOverrides, now, logger)(rt)
		}
		rc.SetTransport(rt)
	}

	tp := c.TracerProvider
	if tp == nil {
		tp = noop.NewTracerProvider()
	}

	return &Client{
		rc:     rc,
		tracer: tp.Tracer(tracerName),
		logger: logger,
	}
}

// Get issues a single GET to url with the options of cfg and decodes the
// response body into T. Every failure is returned as a *TransportError.
func Get[T any](ctx context.Context, c *Client, url string, cfg TransportConfig) (T, error) {
	var zero T

	ctx, span := c.tracer.Start(ctx, "gofetchdata.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", http.MethodGet),
			attribute.String("url.full", url),
		))
	defer span.End()

	fail := func(err *TransportError) (T, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.DebugContext(ctx, "request failed", "url", err.URL, "status", err.StatusCode, "error", err.Err)
		return zero, err
	}

	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	values, err := cfg.Params.Values()
	if err != nil {
		return fail(&TransportError{
			Method: http.MethodGet,
			URL:    url,
			Err:    fmt.Errorf("%w: %w", ErrInvalidParams, err),
		})
	}

	req := c.rc.R().
		SetContext(ctx).
		SetQueryParamsFromValues(values)
	if len(cfg.Headers) > 0 {
		req.SetHeaders(cfg.Headers)
	}

	resp, err := req.Get(url)
	if err != nil {
		return fail(&TransportError{
			Method: http.MethodGet,
			URL:    url,
			Err:    err,
		})
	}

	fullURL := url
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		fullURL = resp.RawResponse.Request.URL.String()
	}
	span.SetAttributes(
		attribute.String("url.full", fullURL),
		attribute.Int("http.response.status_code", resp.StatusCode()),
	)

	validate := cfg.ValidateStatus
	if validate == nil {
		validate = isSuccess
	}
	if !validate(resp.StatusCode()) {
		return fail(&TransportError{
			Method:     http.MethodGet,
			URL:        fullURL,
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       resp.Body(),
			Err:        ErrUnexpectedStatus,
		})
	}

	data, err := decode[T](resp.Body(), cfg.ResponseType)
	if err != nil {
		return fail(&TransportError{
			Method:     http.MethodGet,
			URL:        fullURL,
			StatusCode: resp.StatusCode(),
			Status:     resp.Status(),
			Body:       resp.Body(),
			Err:        fmt.Errorf("%w: %w", ErrMalformedResponse, err),
		})
	}

	c.logger.DebugContext(ctx, "request succeeded", "url", fullURL, "status", resp.StatusCode())
	return data, nil
}

func isSuccess(status int) bool {
	return status >= 200 && status < 300
}

func decode[T any](body []byte, rt ResponseType) (T, error) {
	var out T

	switch rt {
	case ResponseTypeJSON, "":
		if len(bytes.TrimSpace(body)) == 0 {
			return out, nil
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return out, err
		}
	case ResponseTypeText:
		p, ok := any(&out).(*string)
		if !ok {
			return out, fmt.Errorf("response type %s needs a string result, got %T", rt, out)
		}
		*p = string(body)
	case ResponseTypeBytes:
		p, ok := any(&out).(*[]byte)
		if !ok {
			return out, fmt.Errorf("response type %s needs a []byte result, got %T", rt, out)
		}
		*p = bytes.Clone(body)
	default:
		return out, fmt.Errorf("unknown response type %q", rt)
	}

	return out, nil
}
