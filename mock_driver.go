package luminara

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"regexp"
	"sync"
	"time"
)

// MockDriver is a configurable Driver for testing. It stubs responses,
// records every prepared request it sees, and can script per-attempt
// sequences for retry and hedging tests.
type MockDriver struct {
	mu          sync.RWMutex
	stubs       []mockStub
	sequence    []mockOutcome
	seqIndex    int
	defaultResp *mockOutcome
	requests    []*PreparedRequest
	requestHook func(*PreparedRequest)
}

type mockStub struct {
	matcher func(*PreparedRequest) bool
	outcome mockOutcome
}

type mockOutcome struct {
	status  int
	headers http.Header
	body    string
	err     error
	delay   time.Duration
}

// NewMockDriver creates an empty mock. Unmatched requests fail with a
// descriptive error.
func NewMockDriver() *MockDriver {
	return &MockDriver{}
}

// StubResponse makes every unmatched request return the given response.
func (m *MockDriver) StubResponse(status int, body string) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &mockOutcome{status: status, body: body}
	return m
}

// StubError makes every unmatched request return the given error.
func (m *MockDriver) StubError(err error) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaultResp = &mockOutcome{err: err}
	return m
}

// StubPath stubs requests whose URL contains path.
func (m *MockDriver) StubPath(path string, status int, body string) *MockDriver {
	re := regexp.MustCompile(regexp.QuoteMeta(path))
	return m.StubFunc(func(req *PreparedRequest) bool {
		return re.MatchString(req.URL)
	}, status, body)
}

// StubMethod stubs requests with the given verb.
func (m *MockDriver) StubMethod(method string, status int, body string) *MockDriver {
	return m.StubFunc(func(req *PreparedRequest) bool {
		return req.Method == method
	}, status, body)
}

// StubFunc stubs requests matching the predicate (first match wins).
func (m *MockDriver) StubFunc(matcher func(*PreparedRequest) bool, status int, body string) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{
		matcher: matcher,
		outcome: mockOutcome{status: status, body: body},
	})
	return m
}

// StubFuncError stubs requests matching the predicate with an error.
func (m *MockDriver) StubFuncError(matcher func(*PreparedRequest) bool, err error) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = append(m.stubs, mockStub{matcher: matcher, outcome: mockOutcome{err: err}})
	return m
}

// EnqueueResponse appends a scripted outcome. Scripted outcomes are
// consumed in order before stubs are consulted, which lets a test say
// "fail twice, then succeed".
func (m *MockDriver) EnqueueResponse(status int, body string) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = append(m.sequence, mockOutcome{status: status, body: body})
	return m
}

// EnqueueError appends a scripted transport error.
func (m *MockDriver) EnqueueError(err error) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = append(m.sequence, mockOutcome{err: err})
	return m
}

// EnqueueDelayed appends a scripted outcome that waits before
// responding. Cancelled contexts win over the delay.
func (m *MockDriver) EnqueueDelayed(delay time.Duration, status int, body string) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sequence = append(m.sequence, mockOutcome{status: status, body: body, delay: delay})
	return m
}

// WithResponseHeader sets a header on the most recently added stub or
// scripted outcome.
func (m *MockDriver) WithResponseHeader(key, value string) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	var target *mockOutcome
	if len(m.sequence) > 0 {
		target = &m.sequence[len(m.sequence)-1]
	} else if len(m.stubs) > 0 {
		target = &m.stubs[len(m.stubs)-1].outcome
	} else if m.defaultResp != nil {
		target = m.defaultResp
	}
	if target != nil {
		if target.headers == nil {
			target.headers = make(http.Header)
		}
		target.headers.Set(key, value)
	}
	return m
}

// OnRequest sets a hook invoked for each request, before any delay.
func (m *MockDriver) OnRequest(fn func(*PreparedRequest)) *MockDriver {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestHook = fn
	return m
}

// Do implements Driver.
func (m *MockDriver) Do(ctx context.Context, req *PreparedRequest) (*RawResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	hook := m.requestHook

	var out *mockOutcome
	if m.seqIndex < len(m.sequence) {
		out = &m.sequence[m.seqIndex]
		m.seqIndex++
	}
	m.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	if out == nil {
		m.mu.RLock()
		for i := range m.stubs {
			if m.stubs[i].matcher(req) {
				out = &m.stubs[i].outcome
				break
			}
		}
		if out == nil {
			out = m.defaultResp
		}
		m.mu.RUnlock()
	}

	if out == nil {
		return nil, errors.New("no stub found for request: " + req.Method + " " + req.URL)
	}

	if out.delay > 0 {
		timer := time.NewTimer(out.delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	} else if err := ctx.Err(); err != nil {
		return nil, context.Cause(ctx)
	}

	if out.err != nil {
		return nil, out.err
	}

	headers := out.headers
	if headers == nil {
		headers = make(http.Header)
	} else {
		headers = headers.Clone()
	}

	return &RawResponse{
		Status:     out.status,
		StatusText: http.StatusText(out.status),
		Headers:    headers,
		Body:       io.NopCloser(bytes.NewBufferString(out.body)),
		URL:        req.URL,
	}, nil
}

// Requests returns a copy of every request seen so far.
func (m *MockDriver) Requests() []*PreparedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*PreparedRequest{}, m.requests...)
}

// RequestCount returns the number of requests seen so far.
func (m *MockDriver) RequestCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.requests)
}

// LastRequest returns the most recent request, or nil.
func (m *MockDriver) LastRequest() *PreparedRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Reset clears stubs, scripts, and recorded requests.
func (m *MockDriver) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stubs = nil
	m.sequence = nil
	m.seqIndex = 0
	m.defaultResp = nil
	m.requests = nil
	m.requestHook = nil
}

var _ Driver = (*MockDriver)(nil)
