package agent

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// openTunnel dials host:port and issues one HTTP CONNECT request for the
// given authority (tcp:<iface>@<place_id> or usb:<usbid>@<place_id>),
// returning the raw *net.TCPConn once the gateway replies 200.
//
// The response line is read one byte at a time rather than through a
// bufio.Reader: usbip.ImportDevice later needs this exact *net.TCPConn to
// duplicate its file descriptor for VHCI attach, so nothing may be
// buffered past the blank line terminating the CONNECT response.
func openTunnel(host string, port int, authority, token string) (*net.TCPConn, error) {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", host, port), 10*time.Second)
	if err != nil {
		return nil, err
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("dialed connection to %s:%d is not TCP", host, port)
	}

	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\nAuthorization: Bearer %s\r\n\r\n", authority, authority, token)
	if _, err := tcpConn.Write([]byte(req)); err != nil {
		tcpConn.Close()
		return nil, fmt.Errorf("writing CONNECT request: %w", err)
	}

	statusLine, err := readConnectResponseLine(tcpConn)
	if err != nil {
		tcpConn.Close()
		return nil, err
	}
	if !strings.Contains(statusLine, " 200 ") {
		tcpConn.Close()
		return nil, fmt.Errorf("gateway rejected tunnel: %s", statusLine)
	}
	return tcpConn, nil
}

func readConnectResponseLine(conn net.Conn) (string, error) {
	var buf []byte
	one := make([]byte, 1)
	for {
		n, err := conn.Read(one)
		if err != nil {
			return "", fmt.Errorf("reading CONNECT response: %w", err)
		}
		if n == 0 {
			continue
		}
		buf = append(buf, one[0])
		if strings.HasSuffix(string(buf), "\r\n\r\n") {
			break
		}
		if len(buf) > 8192 {
			return "", fmt.Errorf("CONNECT response too large")
		}
	}
	return strings.SplitN(string(buf), "\r\n", 2)[0], nil
}
