// Package gateway implements the exporter's authenticating HTTP-CONNECT
// tunnel endpoint: it accepts a raw TCP connection, reads one CONNECT
// request whose authority names either a TCP interface or a USB bus id,
// verifies the caller's bearer token and source IP against an
// actively-reserved place, and then either splices bytes to a local TCP
// endpoint or hands the connection to the USB/IP server.
package gateway

import (
	"bufio"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Scheme distinguishes the two CONNECT authority grammars spec §4.3
// defines.
type Scheme int

const (
	SchemeTCP Scheme = iota
	SchemeUSB
)

// Authority is a parsed CONNECT target: tcp:<if-name>@<place_id> or
// usb:<usbid>@<place_id>.
type Authority struct {
	Scheme  Scheme
	Target  string // interface name (tcp) or usb bus id (usb)
	PlaceID string
}

var authorityPattern = regexp.MustCompile(`^(tcp|usb):([^@]+)@(.+)$`)

// ParseAuthority parses a CONNECT request-line's authority per the
// tcp:<if-name>@<place_id> / usb:<usbid>@<place_id> grammar.
func ParseAuthority(authority string) (Authority, error) {
	m := authorityPattern.FindStringSubmatch(authority)
	if m == nil {
		return Authority{}, fmt.Errorf("malformed authority %q", authority)
	}
	scheme := SchemeTCP
	if m[1] == "usb" {
		scheme = SchemeUSB
	}
	return Authority{Scheme: scheme, Target: m[2], PlaceID: m[3]}, nil
}

// ConnectRequest is the parsed form of the one request a gateway
// connection is allowed to make.
type ConnectRequest struct {
	Authority Authority
	Token     string
}

// ReadConnectRequest reads exactly one HTTP/1.1 request from r and
// requires it to be CONNECT with a Bearer authorization header; any other
// method is rejected with StatusBadRequest (spec §6: "any other request
// yields 400").
func ReadConnectRequest(r *bufio.Reader) (*ConnectRequest, error) {
	req, err := http.ReadRequest(r)
	if err != nil {
		return nil, &statusError{code: http.StatusBadRequest, msg: fmt.Sprintf("reading request: %s", err)}
	}
	if req.Method != http.MethodConnect {
		return nil, &statusError{code: http.StatusBadRequest, msg: "only CONNECT is supported"}
	}
	authority, err := ParseAuthority(req.RequestURI)
	if err != nil {
		return nil, &statusError{code: http.StatusNotFound, msg: err.Error()}
	}
	authHeader := req.Header.Get("Authorization")
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return nil, &statusError{code: http.StatusUnauthorized, msg: "missing bearer token"}
	}
	token := strings.TrimPrefix(authHeader, bearerPrefix)
	if token == "" {
		return nil, &statusError{code: http.StatusUnauthorized, msg: "empty bearer token"}
	}
	return &ConnectRequest{Authority: authority, Token: token}, nil
}

// statusError carries the HTTP status this gateway should reply with, per
// spec §6's 200/401/403/404/502 mapping.
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

// StatusCode extracts the HTTP status a gateway failure should produce,
// defaulting to 502 (target unreachable) for anything unrecognized.
func StatusCode(err error) int {
	if se, ok := err.(*statusError); ok {
		return se.code
	}
	return http.StatusBadGateway
}

func newStatusError(code int, format string, args ...interface{}) error {
	return &statusError{code: code, msg: fmt.Sprintf(format, args...)}
}
