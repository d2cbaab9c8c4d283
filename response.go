package luminara

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"
)

// RawResponse is what a Driver returns: the undecoded transport result.
// The pipeline reads and closes Body during normalization, except for
// ResponseStream where ownership passes to the caller.
type RawResponse struct {
	// Status is the HTTP status code.
	Status int

	// StatusText is the status line text.
	StatusText string

	// Headers are the response headers.
	Headers http.Header

	// Body is the response body stream. May be nil.
	Body io.ReadCloser

	// URL is the final request URL after any transport-level redirects.
	URL string
}

// Response is the structured result of a successful call.
type Response struct {
	// Status is the HTTP status code.
	Status int

	// Headers are the response headers.
	Headers http.Header

	// Data is the parsed payload. Its concrete type follows the
	// response type: map/slice for JSON, string for text, []byte for
	// binary, []any for NDJSON, io.ReadCloser for streams.
	Data any

	// body is the raw body, retained for JSON() and Text().
	body []byte
}

// IsSuccess reports whether the status code is 2xx.
func (r *Response) IsSuccess() bool {
	return r.Status >= 200 && r.Status < 300
}

// Bytes returns the raw response body.
func (r *Response) Bytes() []byte {
	return r.body
}

// Text returns the raw response body as a string.
func (r *Response) Text() string {
	return string(r.body)
}

// JSON decodes the raw body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.body, v); err != nil {
		return &Error{Kind: KindParse, Message: "decode response body", Cause: err}
	}
	return nil
}

// ResponseType selects the body-read strategy for a call.
type ResponseType string

const (
	// ResponseAuto parses JSON when the Content-Type says so and falls
	// back to text on parse failure; everything else reads as text.
	ResponseAuto ResponseType = "auto"

	// ResponseJSON parses the body as JSON; parse failures are errors.
	ResponseJSON ResponseType = "json"

	// ResponseText reads the body as a string.
	ResponseText ResponseType = "text"

	// ResponseHTML reads the body as a string.
	ResponseHTML ResponseType = "html"

	// ResponseXML reads the body as a string; decoding into a typed
	// value is the caller's job via Response.Bytes.
	ResponseXML ResponseType = "xml"

	// ResponseBytes returns the body verbatim as []byte.
	ResponseBytes ResponseType = "bytes"

	// ResponseNDJSON parses newline-delimited JSON into []any.
	ResponseNDJSON ResponseType = "ndjson"

	// ResponseStream hands the body stream through unread. The caller
	// must close it.
	ResponseStream ResponseType = "stream"
)

// ParseFunc is a caller-supplied response decoder. When set it wins
// over any ResponseType.
type ParseFunc func(body []byte, raw *RawResponse) (any, error)

// normalizeResponse turns a raw driver response into a Response or a
// typed error. Non-2xx statuses become KindHTTP errors carrying the
// parsed body unless ignoreHTTPErrors is set.
func normalizeResponse(raw *RawResponse, req *PreparedRequest, respType ResponseType, parse ParseFunc, ignoreHTTPErrors bool) (*Response, error) {
	if respType == "" {
		respType = ResponseAuto
	}

	resp := &Response{
		Status:  raw.Status,
		Headers: raw.Headers,
	}

	if respType == ResponseStream && parse == nil {
		if !isSuccessStatus(raw.Status) && !ignoreHTTPErrors {
			defer discardBody(raw)
			return nil, httpError(raw, req, nil)
		}
		resp.Data = raw.Body
		return resp, nil
	}

	body, err := readBody(raw)
	if err != nil {
		return nil, &Error{
			Kind:     KindNetwork,
			Message:  "read response body",
			Request:  snapshotRequest(req),
			Response: snapshotResponse(raw),
			Cause:    err,
		}
	}
	resp.body = body

	var data any
	if parse != nil {
		data, err = parse(body, raw)
		if err != nil {
			return nil, &Error{
				Kind:     KindParse,
				Message:  "custom parser failed",
				Request:  snapshotRequest(req),
				Response: snapshotResponse(raw),
				Cause:    err,
			}
		}
	} else {
		data, err = decodePayload(body, raw.Headers.Get("Content-Type"), respType)
		if err != nil {
			return nil, &Error{
				Kind:     KindParse,
				Message:  "decode response as " + string(respType),
				Request:  snapshotRequest(req),
				Response: snapshotResponse(raw),
				Cause:    err,
			}
		}
	}
	resp.Data = data

	if !isSuccessStatus(raw.Status) && !ignoreHTTPErrors {
		return nil, httpError(raw, req, data)
	}

	return resp, nil
}

// decodePayload applies the body-read strategy for the response type.
func decodePayload(body []byte, contentType string, respType ResponseType) (any, error) {
	switch respType {
	case ResponseAuto:
		if strings.Contains(contentType, "application/json") {
			var v any
			if err := json.Unmarshal(body, &v); err != nil {
				// Auto-detect never throws; fall back to text.
				return string(body), nil
			}
			return v, nil
		}
		return string(body), nil

	case ResponseJSON:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil

	case ResponseText, ResponseHTML, ResponseXML:
		return string(body), nil

	case ResponseBytes:
		return body, nil

	case ResponseNDJSON:
		return decodeNDJSON(body)

	default:
		return nil, newConfigError("unknown response type %q", respType)
	}
}

// decodeNDJSON parses newline-delimited JSON, skipping blank lines.
func decodeNDJSON(body []byte) ([]any, error) {
	var items []any
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

// httpError builds the KindHTTP error for a non-2xx response.
func httpError(raw *RawResponse, req *PreparedRequest, data any) *Error {
	msg := raw.StatusText
	if msg == "" {
		msg = http.StatusText(raw.Status)
	}
	return &Error{
		Kind:     KindHTTP,
		Message:  msg,
		Status:   raw.Status,
		Data:     data,
		Request:  snapshotRequest(req),
		Response: snapshotResponse(raw),
	}
}

func isSuccessStatus(status int) bool {
	return status >= 200 && status < 300
}

// readBody drains and closes the raw body.
func readBody(raw *RawResponse) ([]byte, error) {
	if raw.Body == nil {
		return nil, nil
	}
	defer raw.Body.Close()
	return io.ReadAll(raw.Body)
}

// discardBody drains a body that will not be decoded, keeping the
// underlying connection reusable.
func discardBody(raw *RawResponse) {
	if raw.Body == nil {
		return
	}
	io.Copy(io.Discard, raw.Body)
	raw.Body.Close()
}
