package usbip

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

func modprobe(module string) error {
	cmd := exec.Command("modprobe", module)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("modprobe %s: %w: %s", module, err, out)
	}
	return nil
}

func devicePath(busID string) string {
	return filepath.Join(SysfsRoot, "bus", "usb", "devices", busID)
}

func readHexFile(path string, defaultValue int) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 16, 64)
	if err != nil {
		if defaultValue >= 0 {
			return defaultValue, nil
		}
		return 0, err
	}
	return int(v), nil
}

var speedStringToCode = map[string]uint32{
	"1.5":       1,
	"12":        2,
	"480":       3,
	"53.3-480":  4,
	"5000":      5,
}

// ReadDeviceInfo reads the sysfs descriptor fields for busID, as needed to
// build an OP_REP_IMPORT reply. It is the Go analogue of the descriptor
// properties defined by _UsbDevice / UsbIpDevice.
func ReadDeviceInfo(busID string) (DeviceInfo, error) {
	path := devicePath(busID)

	speedStr, err := os.ReadFile(filepath.Join(path, "speed"))
	if err != nil {
		return DeviceInfo{}, err
	}
	speed := speedStringToCode[strings.TrimSpace(string(speedStr))]

	busnum, err := readIntFile(filepath.Join(path, "busnum"))
	if err != nil {
		return DeviceInfo{}, err
	}
	devnum, err := readIntFile(filepath.Join(path, "devnum"))
	if err != nil {
		return DeviceInfo{}, err
	}
	idVendor, err := readHexFile(filepath.Join(path, "idVendor"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	idProduct, err := readHexFile(filepath.Join(path, "idProduct"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	bcdDevice, err := readHexFile(filepath.Join(path, "bcdDevice"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	bDeviceClass, err := readHexFile(filepath.Join(path, "bDeviceClass"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	bDeviceSubClass, err := readHexFile(filepath.Join(path, "bDeviceSubClass"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	bDeviceProtocol, err := readHexFile(filepath.Join(path, "bDeviceProtocol"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	bConfigurationValue, _ := readHexFile(filepath.Join(path, "bConfigurationValue"), 0)
	bNumConfigurations, err := readHexFile(filepath.Join(path, "bNumConfigurations"), -1)
	if err != nil {
		return DeviceInfo{}, err
	}
	bNumInterfaces, _ := readHexFile(filepath.Join(path, "bNumInterfaces"), 0)

	return DeviceInfo{
		BusID:               busID,
		Path:                path,
		Busnum:              uint32(busnum),
		Devnum:              uint32(devnum),
		Speed:               speed,
		IDVendor:            uint16(idVendor),
		IDProduct:           uint16(idProduct),
		BcdDevice:           uint16(bcdDevice),
		BDeviceClass:        uint8(bDeviceClass),
		BDeviceSubClass:     uint8(bDeviceSubClass),
		BDeviceProtocol:     uint8(bDeviceProtocol),
		BConfigurationValue: uint8(bConfigurationValue),
		BNumConfigurations:  uint8(bNumConfigurations),
		BNumInterfaces:      uint8(bNumInterfaces),
	}, nil
}

// IsAvailable reports whether busID's usbip_status file reads 1
// (available), the sysfs contract the usbip-host kernel driver exposes
// once a device is bound to it.
func IsAvailable(busID string) bool {
	v, err := readIntFile(filepath.Join(devicePath(busID), "usbip_status"))
	return err == nil && v == 1
}

func driverName(busID string) (string, bool) {
	link := filepath.Join(devicePath(busID), "driver")
	target, err := filepath.EvalSymlinks(link)
	if err != nil {
		return "", false
	}
	return filepath.Base(target), true
}

// EnsureUsbipHostDriver unbinds busID from whatever driver currently owns
// it (if any) and binds it to usbip-host, loading the kernel module first
// if necessary. It is a no-op if busID is already bound to usbip-host.
func EnsureUsbipHostDriver(busID string) error {
	path := devicePath(busID)
	if _, err := os.Stat(path); err != nil {
		return nil // device not present yet; caller will retry
	}

	if name, bound := driverName(busID); bound {
		if name == "usbip-host" {
			return nil
		}
		if err := os.WriteFile(filepath.Join(path, "driver", "unbind"), []byte(busID), 0644); err != nil {
			return fmt.Errorf("unbinding %s from %s: %w", busID, name, err)
		}
	}
	return bindUsbipHostDriver(busID)
}

func bindUsbipHostDriver(busID string) error {
	driverPath := filepath.Join(SysfsRoot, "bus", "usb", "drivers", "usbip-host")
	if _, err := os.Stat(driverPath); err != nil {
		if err := modprobe("usbip-host"); err != nil {
			return err
		}
	}
	if err := os.WriteFile(filepath.Join(driverPath, "match_busid"), []byte("add "+busID), 0644); err != nil {
		return fmt.Errorf("match_busid add %s: %w", busID, err)
	}
	if err := os.WriteFile(filepath.Join(driverPath, "bind"), []byte(busID), 0644); err != nil {
		return fmt.Errorf("binding %s to usbip-host: %w", busID, err)
	}
	return nil
}

// RestoreDefaultDriver unbinds busID from usbip-host (if bound) and lets
// the kernel's normal driver-probe logic rebind it, undoing
// EnsureUsbipHostDriver once the device is no longer exported.
func RestoreDefaultDriver(busID string) error {
	path := devicePath(busID)
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if name, bound := driverName(busID); bound {
		if name != "usbip-host" {
			return nil
		}
		if err := os.WriteFile(filepath.Join(path, "driver", "unbind"), []byte(busID), 0644); err != nil {
			return fmt.Errorf("unbinding %s from usbip-host: %w", busID, err)
		}
	}
	probePath := filepath.Join(SysfsRoot, "bus", "usb", "drivers_probe")
	return os.WriteFile(probePath, []byte(busID), 0644)
}

// Export hands fd (the accepted USB/IP data-plane socket) to the kernel's
// usbip-host driver for busID, starting the actual USB/IP data transfer.
func Export(busID string, fd int) error {
	path := filepath.Join(devicePath(busID), "usbip_sockfd")
	return os.WriteFile(path, []byte(strconv.Itoa(fd)+"\n"), 0644)
}

// StopExport tells the kernel to stop exporting busID, tolerating the
// device having already disappeared.
func StopExport(busID string) error {
	path := filepath.Join(devicePath(busID), "usbip_sockfd")
	err := os.WriteFile(path, []byte("-1\n"), 0644)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// PortNumToBusIDs yields the busid(s) sysfs currently associates with
// port_num's vhci hub, mirroring the original generator of the same name
// (normally exactly one busid per live hub).
func PortNumToBusIDs(portNum int) ([]string, error) {
	vhciNrHcs, err := countVhciHcds()
	if err != nil {
		return nil, err
	}
	nports, err := readIntFile(filepath.Join(vhciHcdPath(0), "nports"))
	if err != nil {
		return nil, err
	}
	vhciPorts := nports / vhciNrHcs
	vhciHcPorts := vhciPorts / 2
	vhciHcdNr := portNum / vhciHcPorts
	devnum := portNum - (vhciHcdNr * vhciHcPorts) + 1

	hcdPath := vhciHcdPath(vhciHcdNr)
	entries, err := os.ReadDir(hcdPath)
	if err != nil {
		return nil, err
	}
	var busIDs []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "usb") {
			continue
		}
		busnum, err := readIntFile(filepath.Join(hcdPath, e.Name(), "busnum"))
		if err != nil {
			continue
		}
		busIDs = append(busIDs, fmt.Sprintf("%d-%d", busnum, devnum))
	}
	return busIDs, nil
}
