package usbip

import (
	"bufio"
	"fmt"
	"net"
	"time"
)

// ImportDevice performs the importer side of the USB/IP handshake over
// conn (already connected to the exporter's gateway-tunneled USB/IP
// listener): it sends OP_REQ_IMPORT for busID, reads OP_REP_IMPORT, then
// hands a duplicated fd of conn's socket to the kernel's VHCI attach
// call, at portNum. It returns the vhci port the kernel assigned, which
// the caller must later pass to Detach.
//
// conn is closed (but not its duplicated fd) before the kernel attach
// call, matching the original's close-before-attach sequencing: the
// kernel, not this process, owns all further traffic on the fd.
func ImportDevice(conn *net.TCPConn, busID string, portNum int) (int, error) {
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(keepAliveIdle + 2*time.Second)

	if err := WriteImportRequest(conn, busID); err != nil {
		return 0, fmt.Errorf("sending OP_REQ_IMPORT: %w", err)
	}

	r := bufio.NewReader(conn)
	reply, err := ReadImportReply(r)
	if err != nil {
		return 0, fmt.Errorf("reading OP_REP_IMPORT: %w", err)
	}

	fd, err := socketFD(conn)
	if err != nil {
		return 0, fmt.Errorf("getting socket fd: %w", err)
	}

	if err := conn.Close(); err != nil {
		return 0, fmt.Errorf("closing control connection before attach: %w", err)
	}

	vhciPort, err := Attach(fd, portNum, reply.Busnum, reply.Devnum, reply.Speed)
	if err != nil {
		return 0, fmt.Errorf("attaching to vhci: %w", err)
	}
	return vhciPort, nil
}
