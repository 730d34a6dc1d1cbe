package wiretest

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// Response is one scripted reply. Either Body or Fragments carries the
// payload; Fragments wins when both are set. ChunkSize, when positive,
// mechanically splits Body into fragments of that many bytes.
type Response struct {
	Status      int
	ContentType string
	Header      map[string]string
	Body        string
	Fragments   []string
	ChunkSize   int
	// Delay pauses before each fragment, keeping the connection open so
	// cancellation mid-stream can be exercised.
	Delay time.Duration
}

// Request is a recorded inbound request with its body fully read.
type Request struct {
	Method string
	Path   string
	Header http.Header
	Body   []byte
}

// Server replays scripted responses in FIFO order and records requests.
type Server struct {
	mu       sync.Mutex
	queue    []Response
	requests []Request
	srv      *httptest.Server
}

// NewServer starts a scripted server and registers cleanup with t.
func NewServer(t *testing.T, responses ...Response) *Server {
	t.Helper()
	s := &Server{queue: responses}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string { return s.srv.URL }

// Enqueue appends responses to the script.
func (s *Server) Enqueue(responses ...Response) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, responses...)
}

// Requests returns a copy of all recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// LastRequest returns the most recent recorded request.
func (s *Server) LastRequest() Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return Request{}
	}
	return s.requests[len(s.requests)-1]
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, Request{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
		Body:   body,
	})
	var resp Response
	if len(s.queue) > 0 {
		resp = s.queue[0]
		s.queue = s.queue[1:]
	} else {
		resp = Response{Status: http.StatusGone, Body: "wiretest: script exhausted"}
	}
	s.mu.Unlock()

	if resp.ContentType != "" {
		w.Header().Set("Content-Type", resp.ContentType)
	}
	for k, v := range resp.Header {
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)

	flusher, _ := w.(http.Flusher)
	for _, frag := range resp.fragments() {
		if resp.Delay > 0 {
			select {
			case <-r.Context().Done():
				return
			case <-time.After(resp.Delay):
			}
		}
		if _, err := io.WriteString(w, frag); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (r Response) fragments() []string {
	if len(r.Fragments) > 0 {
		return r.Fragments
	}
	if r.ChunkSize > 0 {
		return SplitEvery(r.Body, r.ChunkSize)
	}
	return []string{r.Body}
}

// SplitEvery cuts s into pieces of at most n bytes. Boundaries fall wherever
// they fall, including inside multi-byte runes and JSON tokens; decoders must
// not care.
func SplitEvery(s string, n int) []string {
	if n <= 0 || len(s) <= n {
		return []string{s}
	}
	out := make([]string, 0, len(s)/n+1)
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

// SSE renders data-only events in wire form, one blank-line-terminated
// record per payload.
func SSE(payloads ...string) string {
	var b strings.Builder
	for _, p := range payloads {
		b.WriteString("data: ")
		b.WriteString(p)
		b.WriteString("\n\n")
	}
	return b.String()
}

// SSEEvent renders a single named event record.
func SSEEvent(name, payload string) string {
	return "event: " + name + "\ndata: " + payload + "\n\n"
}

// SSEDone is the end-of-stream sentinel some providers send.
const SSEDone = "data: [DONE]\n\n"

// JSONResponse is shorthand for a 200 application/json reply.
func JSONResponse(body string) Response {
	return Response{Status: http.StatusOK, ContentType: "application/json", Body: body}
}

// SSEResponse is shorthand for a 200 text/event-stream reply.
func SSEResponse(body string) Response {
	return Response{Status: http.StatusOK, ContentType: "text/event-stream", Body: body}
}

// ErrorResponse is shorthand for a JSON error reply with the given status.
func ErrorResponse(status int, body string) Response {
	return Response{Status: status, ContentType: "application/json", Body: body}
}
