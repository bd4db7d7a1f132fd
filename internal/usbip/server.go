package usbip

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
)

// Server dispatches one USB/IP client connection to the requested Device:
// it reads OP_REQ_IMPORT, waits for the device to become available,
// exports the connection's own socket fd to the kernel, and replies with
// OP_REP_IMPORT. After the reply is sent the connection's use switches
// entirely to the kernel (URB traffic is never seen by this process), so
// the caller should stop reading/writing conn once HandleClient returns.
type Server struct {
	logger  blog.Logger
	devices map[string]*Device
}

// NewServer creates a Server exporting exactly the given devices, keyed by
// bus id.
func NewServer(logger blog.Logger, devices []*Device) *Server {
	m := make(map[string]*Device, len(devices))
	for _, d := range devices {
		m[d.BusID] = d
	}
	return &Server{logger: logger, devices: m}
}

// Has reports whether busID is one of this Server's exported devices.
func (s *Server) Has(busID string) bool {
	_, ok := s.devices[busID]
	return ok
}

// HandleClient services one USB/IP import request on conn. stop, if
// closed, aborts an in-progress wait for device availability.
func (s *Server) HandleClient(conn *net.TCPConn, stop <-chan struct{}) error {
	_ = conn.SetKeepAlive(true)
	_ = conn.SetKeepAlivePeriod(keepAliveIdle)

	r := bufio.NewReader(conn)
	busID, err := ReadImportRequest(r)
	if err != nil {
		return fmt.Errorf("reading OP_REQ_IMPORT: %w", err)
	}

	device, ok := s.devices[busID]
	if !ok {
		return fmt.Errorf("unexpected bus id: %s", busID)
	}
	s.logger.ILogf("client requests device %s", busID)
	device.Refresh()

	device.Lock.Lock()
	defer device.Lock.Unlock()

	if err := device.Available(stop); err != nil {
		return err
	}
	defer device.StopExport()

	fd, err := socketFD(conn)
	if err != nil {
		return fmt.Errorf("getting socket fd: %w", err)
	}

	info, err := ReadDeviceInfo(busID)
	if err != nil {
		return fmt.Errorf("reading device info for %s: %w", busID, err)
	}

	if err := device.Export(fd); err != nil {
		return fmt.Errorf("exporting device %s: %w", busID, err)
	}

	if err := WriteImportReply(conn, info); err != nil {
		return fmt.Errorf("writing OP_REP_IMPORT: %w", err)
	}

	return nil
}

const keepAliveIdle = 5 * time.Second // matches the original's _enable_keep_alive default
