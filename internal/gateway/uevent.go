package gateway

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/usbip"
)

// DeviceManager tracks the Devices whose bus ids appear in this
// exporter's currently-published parts, and reacts to their sysfs
// appearance/disappearance and to explicit refresh signals, per spec
// §4.3: "don't probe twice", and the original's refresh-fifo mechanism.
type DeviceManager struct {
	logger  blog.Logger
	devices map[string]*usbip.Device // bus id -> device
	fifos   map[string]string        // bus id -> refresh fifo path

	watcher *fsnotify.Watcher
}

// NewDeviceManager creates a DeviceManager tracking exactly the given bus
// ids (the union of every currently-published usb interface).
func NewDeviceManager(logger blog.Logger, busIDs []string) *DeviceManager {
	dm := &DeviceManager{
		logger:  logger.Fork("devicemanager"),
		devices: make(map[string]*usbip.Device, len(busIDs)),
		fifos:   make(map[string]string, len(busIDs)),
	}
	for _, id := range busIDs {
		dm.devices[id] = usbip.NewDevice(dm.logger, id)
	}
	return dm
}

// Devices returns the managed Device set, keyed by bus id, for wiring
// into a usbip.Server.
func (dm *DeviceManager) Devices() []*usbip.Device {
	out := make([]*usbip.Device, 0, len(dm.devices))
	for _, d := range dm.devices {
		out = append(out, d)
	}
	return out
}

// Uevent is the direct, in-process entry point for a notice that a USB
// device appeared or disappeared; the fsnotify watch calls it, and
// board-exporter has no command-line subcommand for it. devpath is a /sys/bus/usb/devices/<busid> style
// path; if its bus id is not one of ours, Uevent is a no-op (spec §4.3:
// "if the device is not a managed one, E defers probing to the default
// driver").
func (dm *DeviceManager) Uevent(devpath string) {
	busID := filepath.Base(devpath)
	device, ok := dm.devices[busID]
	if !ok {
		return
	}
	dm.logger.ILogf("uevent for managed device %s", busID)
	if err := usbip.EnsureUsbipHostDriver(busID); err != nil {
		dm.logger.WLogf("binding %s to usbip-host: %s", busID, err)
	}
	device.Refresh()
}

// StartWatch supplements the uevent hook with an fsnotify watch over
// /sys/bus/usb/devices, so a device that appears with no device-manager
// glue installed is still observed (spec §4.3 expansion). It also starts
// one refresh FIFO per managed bus id at /run/usbip-refresh-<busid>,
// preserving the original's external trigger mechanism (spec §6: "refresh
// fifos for usb-bind coordination").
func (dm *DeviceManager) StartWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return dm.logger.ELogErrorf("creating fsnotify watcher: %s", err)
	}
	dm.watcher = w
	if err := w.Add(usbip.SysfsRoot + "/bus/usb/devices"); err != nil {
		return dm.logger.ELogErrorf("watching usb devices: %s", err)
	}
	go dm.watchLoop()

	for busID := range dm.devices {
		if err := dm.startRefreshFIFO(busID); err != nil {
			dm.logger.WLogf("starting refresh fifo for %s: %s", busID, err)
		}
	}
	return nil
}

// Close stops the fsnotify watch, removes any refresh fifos this
// DeviceManager created, and unbinds every managed device from usbip-host.
func (dm *DeviceManager) Close() error {
	if dm.watcher != nil {
		_ = dm.watcher.Close()
	}
	for _, path := range dm.fifos {
		_ = os.Remove(path)
	}
	for busID, device := range dm.devices {
		if err := device.RestoreDefaultDriver(); err != nil {
			dm.logger.WLogf("restoring default driver for %s: %s", busID, err)
		}
	}
	return nil
}

func (dm *DeviceManager) watchLoop() {
	for {
		select {
		case ev, ok := <-dm.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				dm.Uevent(ev.Name)
			}
		case err, ok := <-dm.watcher.Errors:
			if !ok {
				return
			}
			dm.logger.WLogf("fsnotify error: %s", err)
		}
	}
}

func (dm *DeviceManager) startRefreshFIFO(busID string) error {
	path := "/run/usbip-refresh-" + busID
	tmpPath := path + ".new"
	_ = os.Remove(tmpPath)
	if err := syscall.Mkfifo(tmpPath, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	dm.fifos[busID] = path

	device := dm.devices[busID]
	go func() {
		defer os.Remove(path)
		for {
			f, err := os.OpenFile(path, os.O_RDONLY, 0)
			if err != nil {
				return
			}
			buf := make([]byte, 4096)
			for {
				n, err := f.Read(buf)
				if n > 0 {
					device.Refresh()
				}
				if err != nil {
					break
				}
			}
			f.Close()
		}
	}()
	return nil
}
