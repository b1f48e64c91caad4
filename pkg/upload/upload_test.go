package upload

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itohio/sonicup/pkg/sensor"
)

func endpointFor(t *testing.T, srv *httptest.Server) Endpoint {
	t.Helper()

	host, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	return Endpoint{
		Host:      host,
		Port:      p,
		ScriptID:  "SCRIPT",
		UserAgent: "sonicup-test",
		Timeout:   5 * time.Second,
		RootCAs:   srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs,
	}
}

type recorder struct {
	mu       sync.Mutex
	requests []*http.Request
}

func (r *recorder) handler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.requests = append(r.requests, req)
		r.mu.Unlock()
		io.WriteString(w, body)
	}
}

func (r *recorder) last() *http.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.requests) == 0 {
		return nil
	}
	return r.requests[len(r.requests)-1]
}

func TestRequestPath(t *testing.T) {
	tests := []struct {
		name     string
		scriptID string
		distance int
		accel    int
		want     string
	}{
		{name: "representative", scriptID: "abc", distance: 15, accel: 512, want: "/macros/s/abc/exec?distance=15&acceleration=512"},
		{name: "zeros", scriptID: "abc", distance: 0, accel: 0, want: "/macros/s/abc/exec?distance=0&acceleration=0"},
		{name: "real id shape", scriptID: "AKfycby_-X9", distance: 400, accel: 1023, want: "/macros/s/AKfycby_-X9/exec?distance=400&acceleration=1023"},
		{name: "slash is escaped", scriptID: "a/b", distance: 1, accel: 2, want: "/macros/s/a%2Fb/exec?distance=1&acceleration=2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RequestPath(tt.scriptID, tt.distance, tt.accel))
		})
	}
}

func TestSuccessful(t *testing.T) {
	assert.True(t, Successful(`{"state":"success","x":1}`))
	assert.True(t, Successful(`{"state":"success"}`))
	assert.False(t, Successful(`{"state":"error"}`))
	assert.False(t, Successful(` {"state":"success"}`))
	assert.False(t, Successful(""))
}

func TestReadBody(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{name: "crlf", raw: "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n{\"state\":\"success\"}\r\nmore\r\n", want: `{"state":"success"}`},
		{name: "bare lf", raw: "HTTP/1.1 200 OK\nA: b\n\nbody\n", want: "body"},
		{name: "body without newline", raw: "HTTP/1.1 200 OK\r\n\r\npartial", want: "partial"},
		{name: "closed in headers", raw: "HTTP/1.1 200 OK\r\nA: b\r\n", wantErr: true},
		{name: "closed before body", raw: "HTTP/1.1 200 OK\r\n\r\n", wantErr: true},
		{name: "nothing", raw: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readBody(bufio.NewReader(strings.NewReader(tt.raw)))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUpload_Success(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewTLSServer(rec.handler(`{"state":"success","x":1}`))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	u := New(endpointFor(t, srv), logger)

	err := u.Upload(context.Background(), sensor.Reading{Distance: 15, Acceleration: 512})
	require.NoError(t, err)

	req := rec.last()
	require.NotNil(t, req)
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/macros/s/SCRIPT/exec?distance=15&acceleration=512", req.URL.RequestURI())
	assert.Equal(t, "sonicup-test", req.UserAgent())
	assert.True(t, req.Close, "request asks for Connection: close")
}

func TestUpload_Rejected(t *testing.T) {
	srv := httptest.NewTLSServer((&recorder{}).handler(`{"state":"error"}`))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	u := New(endpointFor(t, srv), logger)

	err := u.Upload(context.Background(), sensor.Reading{Distance: 3, Acceleration: 1})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, `{"state":"error"}`, rejected.Body)
}

func TestUpload_ConnectionClosed(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, _, err := w.(http.Hijacker).Hijack()
		if err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	logger, _ := test.NewNullLogger()
	u := New(endpointFor(t, srv), logger)

	err := u.Upload(context.Background(), sensor.Reading{Distance: 3, Acceleration: 1})
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Error(t, rejected.Err)
}

func TestUpload_ConnectFailure(t *testing.T) {
	// Grab a free port and release it so nothing listens there
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	require.NoError(t, l.Close())

	logger, _ := test.NewNullLogger()
	u := New(Endpoint{Host: "127.0.0.1", Port: addr.Port, ScriptID: "x"}, logger)

	err = u.Upload(context.Background(), sensor.Reading{})
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, addr.String(), connErr.Addr)
}

func TestUpload_VerifiesCertificatesByDefault(t *testing.T) {
	srv := httptest.NewTLSServer((&recorder{}).handler(`{"state":"success"}`))
	defer srv.Close()

	ep := endpointFor(t, srv)
	ep.RootCAs = nil // system roots do not know the test CA

	logger, _ := test.NewNullLogger()
	err := New(ep, logger).Upload(context.Background(), sensor.Reading{})

	var connErr *ConnectError
	assert.ErrorAs(t, err, &connErr)
}

func TestUpload_InsecureTrustsAnyServer(t *testing.T) {
	srv := httptest.NewTLSServer((&recorder{}).handler(`{"state":"success"}`))
	defer srv.Close()

	ep := endpointFor(t, srv)
	ep.RootCAs = nil
	ep.Insecure = true

	logger, hook := test.NewNullLogger()
	u := New(ep, logger)
	require.NotEmpty(t, hook.AllEntries())
	assert.Contains(t, hook.AllEntries()[0].Message, "verification is disabled")

	assert.NoError(t, u.Upload(context.Background(), sensor.Reading{}))
}

func TestUpload_ReleasesConnectionOnEveryOutcome(t *testing.T) {
	bodies := []string{`{"state":"success"}`, `{"state":"error"}`}

	for _, body := range bodies {
		t.Run(body, func(t *testing.T) {
			// The handler blocks until the client hangs up, so the server
			// only sees EOF if Upload closed its side.
			gone := make(chan struct{})
			srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				conn, buf, err := w.(http.Hijacker).Hijack()
				if err != nil {
					return
				}
				defer conn.Close()
				buf.WriteString("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" + body + "\n")
				buf.Flush()
				io.Copy(io.Discard, conn)
				close(gone)
			}))
			srv.StartTLS()
			defer srv.Close()

			logger, _ := test.NewNullLogger()
			_ = New(endpointFor(t, srv), logger).Upload(context.Background(), sensor.Reading{Distance: 9, Acceleration: 9})

			select {
			case <-gone:
			case <-time.After(5 * time.Second):
				t.Fatal("client connection was not closed")
			}
		})
	}
}
