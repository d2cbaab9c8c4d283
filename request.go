package luminara

import (
	"bytes"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
)

// Request describes one call before it enters the pipeline.
//
// URL is the only required field; Method defaults to GET. BaseURL,
// Headers and Query merge with the client-level configuration
// (request wins on key conflicts). Options overrides any resilience
// block for this call only.
type Request struct {
	// Method is the HTTP verb. Defaults to GET when empty.
	Method string

	// URL is the request target. Absolute URLs win over BaseURL.
	URL string

	// BaseURL overrides the client's base URL for this call.
	BaseURL string

	// Query is merged into the URL's existing query string.
	// Request-level values win on key conflict; array values produce
	// repeated keys.
	Query url.Values

	// Headers are merged over the client's default headers.
	Headers http.Header

	// Body is the request payload. Supported types:
	//   - nil: no body
	//   - string, []byte: passed through untouched
	//   - url.Values: form-urlencoded
	//   - *MultipartForm: multipart/form-data
	//   - anything else: JSON via goccy/go-json
	Body any

	// Options overrides client-level options for this call.
	Options *RequestOptions
}

// MultipartForm is a multipart/form-data request body container.
type MultipartForm struct {
	// Fields are plain form fields.
	Fields map[string]string

	// Files are file parts.
	Files []FilePart
}

// FilePart is one file in a multipart form.
type FilePart struct {
	// Field is the form field name.
	Field string

	// Filename is the reported file name.
	Filename string

	// Content is the file content.
	Content []byte
}

// PreparedRequest is the immutable per-attempt snapshot handed to the
// driver. It is rebuilt from the plugin-visible request on every
// attempt so mutations on attempt N do not bleed into attempt N+1.
type PreparedRequest struct {
	// URL is the fully-resolved request URL.
	URL string

	// Method is the HTTP verb.
	Method string

	// Headers are the flattened request headers.
	Headers http.Header

	// Body is the encoded request body, nil when absent.
	Body []byte

	// BodyValue is the caller-supplied body before encoding. Key
	// derivation canonicalises structured bodies from this value.
	BodyValue any

	// opts is the effective option snapshot for this call.
	opts *Options
}

// Clone returns a shallow copy with independently mutable headers.
// The body bytes are shared; plugins replace Body rather than mutate it.
func (p *PreparedRequest) Clone() *PreparedRequest {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Headers = p.Headers.Clone()
	if clone.Headers == nil {
		clone.Headers = make(http.Header)
	}
	return &clone
}

// methodsWithBody are the verbs allowed to carry a request body.
var methodsWithBody = map[string]bool{
	http.MethodPost:  true,
	http.MethodPut:   true,
	http.MethodPatch: true,
}

// prepareRequest resolves the URL, merges headers, and encodes the
// body, producing the snapshot that traverses phases 2-3.
func prepareRequest(req *Request, opts *Options) (*PreparedRequest, error) {
	method := strings.ToUpper(req.Method)
	if method == "" {
		method = http.MethodGet
	}

	base := req.BaseURL
	if base == "" {
		base = opts.BaseURL
	}
	resolved, err := resolveURL(base, req.URL, req.Query)
	if err != nil {
		return nil, err
	}

	headers := make(http.Header)
	for k, vs := range opts.Headers {
		for _, v := range vs {
			headers.Add(k, v)
		}
	}
	for k := range req.Headers {
		headers.Del(k)
		for _, v := range req.Headers[k] {
			headers.Add(k, v)
		}
	}

	prepared := &PreparedRequest{
		URL:       resolved,
		Method:    method,
		Headers:   headers,
		BodyValue: req.Body,
		opts:      opts,
	}

	if req.Body != nil {
		if !methodsWithBody[method] {
			return nil, newConfigError("method %s cannot carry a body", method)
		}
		if err := encodeBody(prepared, req.Body); err != nil {
			return nil, err
		}
	}

	return prepared, nil
}

// resolveURL joins base and path with exactly one slash and merges
// extra query parameters into the URL's existing query string.
func resolveURL(base, rawURL string, extra url.Values) (string, error) {
	target := rawURL
	if base != "" && !isAbsoluteURL(rawURL) {
		target = joinURL(base, rawURL)
	}

	u, err := url.Parse(target)
	if err != nil {
		return "", newConfigError("invalid url %q: %v", target, err)
	}

	if len(extra) > 0 {
		q := u.Query()
		for k, vs := range extra {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

// isAbsoluteURL reports whether raw carries its own scheme.
func isAbsoluteURL(raw string) bool {
	return strings.Contains(raw, "://")
}

// joinURL concatenates base and path with a single separator
// regardless of trailing or leading slashes, so
// join(b, p) == join(b+"/", p) == join(b, "/"+p).
func joinURL(base, path string) string {
	if path == "" {
		return strings.TrimSuffix(base, "/")
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(path, "/")
}

// encodeBody serialises the body and sets Content-Type following the
// driver contract: strings and form containers pass through, multipart
// gets its boundary from the writer, structured values become JSON.
func encodeBody(p *PreparedRequest, body any) error {
	switch b := body.(type) {
	case string:
		p.Body = []byte(b)
	case []byte:
		p.Body = b
	case url.Values:
		p.Body = []byte(b.Encode())
		if p.Headers.Get("Content-Type") == "" {
			p.Headers.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	case *MultipartForm:
		return encodeMultipart(p, b)
	default:
		data, err := json.Marshal(body)
		if err != nil {
			return &Error{Kind: KindParse, Message: "encode request body", Cause: err}
		}
		p.Body = data
		if p.Headers.Get("Content-Type") == "" {
			p.Headers.Set("Content-Type", "application/json")
		}
	}
	return nil
}

// encodeMultipart renders the multipart container. The boundary comes
// from the writer, so the Content-Type is always set here.
func encodeMultipart(p *PreparedRequest, form *MultipartForm) error {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := make([]string, 0, len(form.Fields))
	for k := range form.Fields {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	for _, k := range fields {
		if err := w.WriteField(k, form.Fields[k]); err != nil {
			return &Error{Kind: KindParse, Message: "encode multipart field", Cause: err}
		}
	}

	for _, f := range form.Files {
		part, err := w.CreateFormFile(f.Field, f.Filename)
		if err != nil {
			return &Error{Kind: KindParse, Message: "encode multipart file", Cause: err}
		}
		if _, err := part.Write(f.Content); err != nil {
			return &Error{Kind: KindParse, Message: "encode multipart file", Cause: err}
		}
	}

	if err := w.Close(); err != nil {
		return &Error{Kind: KindParse, Message: "finalize multipart body", Cause: err}
	}

	p.Body = buf.Bytes()
	p.Headers.Set("Content-Type", w.FormDataContentType())
	return nil
}
