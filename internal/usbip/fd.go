package usbip

import (
	"fmt"
	"net"
	"syscall"
)

// socketFD returns a duplicated, blocking-mode file descriptor for conn's
// underlying socket, suitable for handing to the kernel via the vhci
// attach/usbip_sockfd sysfs files. The duplicate is independent of conn:
// closing conn does not close it, and the caller owns it from here on.
func socketFD(conn *net.TCPConn) (int, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var dup int
	var dupErr error
	err = rawConn.Control(func(fd uintptr) {
		dup, dupErr = syscall.Dup(int(fd))
	})
	if err != nil {
		return 0, err
	}
	if dupErr != nil {
		return 0, fmt.Errorf("dup: %w", dupErr)
	}
	return dup, nil
}
