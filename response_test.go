package luminara

import (
	"bytes"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawResponse(status int, contentType, body string) *RawResponse {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &RawResponse{
		Status:     status,
		StatusText: http.StatusText(status),
		Headers:    h,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		URL:        "https://api.test/x",
	}
}

func TestNormalizeResponseAuto(t *testing.T) {
	t.Parallel()

	req := preparedFor("GET", "https://api.test/x")

	t.Run("given json content type, then parsed into a map", func(t *testing.T) {
		t.Parallel()
		res, err := normalizeResponse(rawResponse(200, "application/json", `{"id":7}`), req, ResponseAuto, nil, false)
		require.NoError(t, err)
		data, ok := res.Data.(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 7, data["id"])
	})

	t.Run("given json content type with a broken body, then falls back to text", func(t *testing.T) {
		t.Parallel()
		res, err := normalizeResponse(rawResponse(200, "application/json", "{oops"), req, ResponseAuto, nil, false)
		require.NoError(t, err)
		assert.Equal(t, "{oops", res.Data)
	})

	t.Run("given text content type, then string data", func(t *testing.T) {
		t.Parallel()
		res, err := normalizeResponse(rawResponse(200, "text/plain", "hello"), req, ResponseAuto, nil, false)
		require.NoError(t, err)
		assert.Equal(t, "hello", res.Data)
	})
}

func TestNormalizeResponseExplicitTypes(t *testing.T) {
	t.Parallel()

	req := preparedFor("GET", "https://api.test/x")

	t.Run("given explicit json type with a broken body, then parse error", func(t *testing.T) {
		t.Parallel()
		_, err := normalizeResponse(rawResponse(200, "text/plain", "{oops"), req, ResponseJSON, nil, false)
		require.Error(t, err)
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, KindParse, le.Kind)
	})

	t.Run("given bytes type, then raw bytes", func(t *testing.T) {
		t.Parallel()
		res, err := normalizeResponse(rawResponse(200, "application/octet-stream", "\x00\x01"), req, ResponseBytes, nil, false)
		require.NoError(t, err)
		assert.Equal(t, []byte{0, 1}, res.Data)
	})

	t.Run("given ndjson type, then one item per line skipping blanks", func(t *testing.T) {
		t.Parallel()
		body := "{\"a\":1}\n\n{\"a\":2}\n"
		res, err := normalizeResponse(rawResponse(200, "application/x-ndjson", body), req, ResponseNDJSON, nil, false)
		require.NoError(t, err)
		items, ok := res.Data.([]any)
		require.True(t, ok)
		assert.Len(t, items, 2)
	})

	t.Run("given stream type, then body handed through unread", func(t *testing.T) {
		t.Parallel()
		res, err := normalizeResponse(rawResponse(200, "text/plain", "streamed"), req, ResponseStream, nil, false)
		require.NoError(t, err)
		rc, ok := res.Data.(io.ReadCloser)
		require.True(t, ok)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		assert.Equal(t, "streamed", string(data))
	})
}

func TestNormalizeResponseHTTPErrors(t *testing.T) {
	t.Parallel()

	req := preparedFor("GET", "https://api.test/x")

	t.Run("given a 404 json body, then KindHTTP with parsed data", func(t *testing.T) {
		t.Parallel()
		_, err := normalizeResponse(rawResponse(404, "application/json", `{"error":"missing"}`), req, ResponseAuto, nil, false)
		require.Error(t, err)
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, KindHTTP, le.Kind)
		assert.Equal(t, 404, le.Status)
		data, ok := le.Data.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "missing", data["error"])
		require.NotNil(t, le.Response)
		assert.Equal(t, 404, le.Response.Status)
	})

	t.Run("given ignoreHTTPErrors, then non-2xx returns normally", func(t *testing.T) {
		t.Parallel()
		res, err := normalizeResponse(rawResponse(500, "text/plain", "broken"), req, ResponseAuto, nil, true)
		require.NoError(t, err)
		assert.Equal(t, 500, res.Status)
		assert.False(t, res.IsSuccess())
		assert.Equal(t, "broken", res.Data)
	})
}

func TestNormalizeResponseCustomParser(t *testing.T) {
	t.Parallel()

	req := preparedFor("GET", "https://api.test/x")

	t.Run("given a custom parser, then it wins entirely", func(t *testing.T) {
		t.Parallel()
		parse := func(body []byte, raw *RawResponse) (any, error) {
			return len(body), nil
		}
		res, err := normalizeResponse(rawResponse(200, "application/json", `{"x":1}`), req, ResponseAuto, parse, false)
		require.NoError(t, err)
		assert.Equal(t, 7, res.Data)
	})

	t.Run("given a failing custom parser, then parse error", func(t *testing.T) {
		t.Parallel()
		parse := func(body []byte, raw *RawResponse) (any, error) {
			return nil, assert.AnError
		}
		_, err := normalizeResponse(rawResponse(200, "application/json", `{}`), req, ResponseAuto, parse, false)
		var le *Error
		require.ErrorAs(t, err, &le)
		assert.Equal(t, KindParse, le.Kind)
	})
}

func TestResponseAccessors(t *testing.T) {
	t.Parallel()

	res := &Response{Status: 200, body: []byte(`{"name":"ada"}`)}
	assert.True(t, res.IsSuccess())
	assert.Equal(t, `{"name":"ada"}`, res.Text())
	assert.Equal(t, []byte(`{"name":"ada"}`), res.Bytes())

	var v struct {
		Name string `json:"name"`
	}
	require.NoError(t, res.JSON(&v))
	assert.Equal(t, "ada", v.Name)

	var bad int
	assert.Error(t, res.JSON(&bad))
}
