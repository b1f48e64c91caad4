// Package upload posts readings to the remote script endpoint over TLS.
package upload

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/itohio/sonicup/pkg/sensor"
)

// SuccessMarker prefixes the first body line of an accepted upload.
const SuccessMarker = `{"state":"success"`

// Endpoint is the fixed remote script endpoint.
type Endpoint struct {
	Host      string
	Port      int
	ScriptID  string
	UserAgent string
	// Timeout bounds the whole exchange once connected. Zero means none.
	Timeout time.Duration
	// Insecure skips certificate verification and trusts any server.
	Insecure bool
	// RootCAs overrides the system roots when verifying.
	RootCAs *x509.CertPool
}

// Addr returns host:port.
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ConnectError reports that the connection to the endpoint failed.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// RejectedError reports that the endpoint did not acknowledge the upload.
type RejectedError struct {
	Body string
	Err  error // Read error when the body line never arrived
}

func (e *RejectedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upload rejected: no response body: %v", e.Err)
	}
	return fmt.Sprintf("upload rejected: %q", e.Body)
}

func (e *RejectedError) Unwrap() error { return e.Err }

// Uploader sends one reading per connection.
type Uploader struct {
	endpoint Endpoint
	tls      *tls.Config
	log      logrus.FieldLogger
}

// New creates an Uploader for the endpoint.
func New(endpoint Endpoint, log logrus.FieldLogger) *Uploader {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("host", endpoint.Host)

	cfg := &tls.Config{
		ServerName: endpoint.Host,
		RootCAs:    endpoint.RootCAs,
		MinVersion: tls.VersionTLS12,
	}
	if endpoint.Insecure {
		log.Warn("TLS certificate verification is disabled; any server will be trusted")
		cfg.InsecureSkipVerify = true
	}

	return &Uploader{
		endpoint: endpoint,
		tls:      cfg,
		log:      log,
	}
}

// RequestPath builds the script request path for one reading.
func RequestPath(scriptID string, distance, acceleration int) string {
	return fmt.Sprintf("/macros/s/%s/exec?distance=%d&acceleration=%d",
		url.PathEscape(scriptID), distance, acceleration)
}

// Successful reports whether a response body line acknowledges the upload.
func Successful(body string) bool {
	return strings.HasPrefix(body, SuccessMarker)
}

// Upload sends r and classifies the reply. It returns *ConnectError when
// the endpoint cannot be reached and *RejectedError when the reply is not
// a success. The connection is closed on every path.
func (u *Uploader) Upload(ctx context.Context, r sensor.Reading) error {
	addr := u.endpoint.Addr()
	u.log.Infof("Connecting to %s", addr)

	dialer := &tls.Dialer{Config: u.tls}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		u.log.WithError(err).Warn("Connection failed")
		return &ConnectError{Addr: addr, Err: err}
	}
	defer func() {
		u.log.Debug("Closing connection")
		conn.Close()
	}()

	if u.endpoint.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(u.endpoint.Timeout))
	}
	// Unblock reads and writes when ctx ends
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})
	defer stop()

	path := RequestPath(u.endpoint.ScriptID, r.Distance, r.Acceleration)
	u.log.Infof("Requesting URL: %s", path)

	if err := u.writeRequest(conn, path); err != nil {
		return errors.Wrap(err, "send request")
	}

	body, err := readBody(bufio.NewReader(conn))
	if err != nil {
		u.log.WithError(err).Warn("Failed to send data: no response body")
		return &RejectedError{Err: err}
	}
	u.log.Debug("Headers received")

	if !Successful(body) {
		u.log.WithField("body", body).Warn("Failed to send data")
		return &RejectedError{Body: body}
	}

	u.log.WithFields(logrus.Fields{
		"distance":     r.Distance,
		"acceleration": r.Acceleration,
	}).Info("Data successfully sent")
	return nil
}

func (u *Uploader) writeRequest(w io.Writer, path string) error {
	req := "GET " + path + " HTTP/1.1\r\n" +
		"Host: " + u.endpoint.Host + "\r\n" +
		"User-Agent: " + u.endpoint.UserAgent + "\r\n" +
		"Connection: close\r\n\r\n"
	_, err := io.WriteString(w, req)
	return err
}

// readBody skips the status line and headers up to the first empty line
// and returns the next line with its line ending removed.
func readBody(r *bufio.Reader) (string, error) {
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", errors.Wrap(err, "read headers")
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}

	line, err := r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", errors.Wrap(err, "read body")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
