package usbip

import (
	"sync"

	"github.com/sammck-go/boardhub/internal/blog"
)

// Device manages the sysfs bind/export lifecycle of one exported USB
// device: binding it to the usbip-host driver, waiting until the kernel
// reports it available, exporting a socket fd to it, and unbinding when
// the exporter gives it up. Exactly one client may hold a Device at a
// time; Lock enforces that serialization.
type Device struct {
	BusID string

	Lock sync.Mutex

	logger     blog.Logger
	refreshCh  chan struct{}
	isExported bool
}

// NewDevice creates a Device for busID. Available binds it to usbip-host.
func NewDevice(logger blog.Logger, busID string) *Device {
	return &Device{
		BusID:     busID,
		logger:    logger.Fork("usbip device %s", busID),
		refreshCh: make(chan struct{}, 1),
	}
}

// Refresh wakes up any goroutine blocked in Available, prompting it to
// re-check the device's bind/availability state. It is safe to call from
// any goroutine, including a udev/uevent handler.
func (d *Device) Refresh() {
	select {
	case d.refreshCh <- struct{}{}:
	default:
	}
}

// Available blocks until the device is bound to usbip-host and the kernel
// reports it free, ensuring the bind on every iteration in case the
// device was unplugged and replugged (or rebound by something else) in
// the meantime.
func (d *Device) Available(stop <-chan struct{}) error {
	for {
		if err := EnsureUsbipHostDriver(d.BusID); err != nil {
			d.logger.WLogf("ensuring usbip-host driver bound: %s", err)
		} else if IsAvailable(d.BusID) {
			return nil
		}

		select {
		case <-d.refreshCh:
		case <-stop:
			return errStopped
		}
	}
}

// Export hands fd to the kernel for busID, beginning the actual USB/IP
// data transfer; the caller must not use fd again afterward.
func (d *Device) Export(fd int) error {
	if err := Export(d.BusID, fd); err != nil {
		return err
	}
	d.isExported = true
	return nil
}

// StopExport undoes Export, tolerating a device that already disappeared.
func (d *Device) StopExport() error {
	if !d.isExported {
		return nil
	}
	d.isExported = false
	return StopExport(d.BusID)
}

// RestoreDefaultDriver unbinds the device from usbip-host so the host's
// normal driver can reclaim it; gateway.DeviceManager.Close calls it when
// the exporter shuts down.
func (d *Device) RestoreDefaultDriver() error {
	return RestoreDefaultDriver(d.BusID)
}

type stoppedError struct{}

func (stoppedError) Error() string { return "usbip: device wait stopped" }

var errStopped = stoppedError{}
