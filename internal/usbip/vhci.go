package usbip

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// SysfsRoot is the root of the sysfs tree this package reads and writes.
// It defaults to the real kernel sysfs mount but is overridable so tests
// can point it at a fake tree instead.
var SysfsRoot = "/sys"

const superSpeed = 5 // USB_SPEED_SUPER (USB 3.0)

func vhciHcdPath(n int) string {
	return filepath.Join(SysfsRoot, "devices", "platform", fmt.Sprintf("vhci_hcd.%d", n))
}

func countVhciHcds() (int, error) {
	platformPath := filepath.Join(SysfsRoot, "devices", "platform")
	entries, err := os.ReadDir(platformPath)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "vhci_hcd.") {
			n++
		}
	}
	return n, nil
}

func readIntFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// PortNumToVhciPort maps a configured logical port_num and a device's USB
// speed to the kernel vhci_hcd port number passed to /sys/.../attach, per
// the vhci_hcd.N / nports layout documented in the original port-mapping
// table (two hubs per vhci_hcd: one hs, one ss).
func PortNumToVhciPort(portNum int, speed uint32) (int, error) {
	vhciNrHcs, err := countVhciHcds()
	if err != nil {
		return 0, err
	}
	nports, err := readIntFile(filepath.Join(vhciHcdPath(0), "nports"))
	if err != nil {
		return 0, err
	}
	if vhciNrHcs == 0 {
		return 0, fmt.Errorf("no vhci_hcd.* devices found under %s", SysfsRoot)
	}

	vhciPorts := nports / vhciNrHcs
	vhciHcPorts := vhciPorts / 2

	vhciHcdNr := portNum / vhciHcPorts
	vhciPort := (vhciHcdNr * vhciPorts) + (portNum % vhciHcPorts)

	if speed == superSpeed {
		vhciPort += vhciHcPorts
	}

	if vhciPort >= nports {
		return 0, fmt.Errorf("port_num out of range: expected max %d, got %d", (nports/2)-1, portNum)
	}
	return vhciPort, nil
}

// Attach writes the kernel's vhci_hcd attach command: it binds fd (the
// open USB/IP data-plane socket to the exporter) to vhciPort as the
// device identified by devid/speed, and returns the vhci port used so the
// caller can later Detach and check ReadVhciStatus.
func Attach(fd int, portNum int, busnum, devnum uint32, speed uint32) (int, error) {
	if err := ensureVhciHcdLoaded(); err != nil {
		return 0, err
	}
	vhciPort, err := PortNumToVhciPort(portNum, speed)
	if err != nil {
		return 0, err
	}
	devid := (busnum << 16) | devnum
	line := fmt.Sprintf("%d %d %d %d\n", vhciPort, fd, devid, speed)
	attachPath := filepath.Join(vhciHcdPath(0), "attach")
	if err := os.WriteFile(attachPath, []byte(line), 0644); err != nil {
		return 0, fmt.Errorf("writing %s: %w", attachPath, err)
	}
	return vhciPort, nil
}

// Detach requests the kernel release vhciPort. A failure (e.g. already
// detached) is intentionally ignored, matching the original's
// contextlib.suppress(OSError) around the detach write.
func Detach(vhciPort int) {
	detachPath := filepath.Join(vhciHcdPath(0), "detach")
	_ = os.WriteFile(detachPath, []byte(strconv.Itoa(vhciPort)), 0644)
}

func ensureVhciHcdLoaded() error {
	if _, err := os.Stat(vhciHcdPath(0)); err == nil {
		return nil
	}
	return modprobe("vhci-hcd")
}

// VhciStatus is one line of /sys/devices/platform/vhci_hcd.0/status*.
type VhciStatus struct {
	Attached bool
	BusID    string
}

const vdevStateUsed = 6

// ReadVhciStatus parses every status / status.N file under vhci_hcd.0,
// returning the state of every port the kernel knows about.
func ReadVhciStatus() (map[int]VhciStatus, error) {
	result := make(map[int]VhciStatus)
	base := vhciHcdPath(0)
	if _, err := os.Stat(base); err != nil {
		return result, nil
	}

	for i := 0; ; i++ {
		name := "status"
		if i > 0 {
			name = fmt.Sprintf("status.%d", i)
		}
		path := filepath.Join(base, name)
		data, err := os.ReadFile(path)
		if err != nil {
			break
		}
		lines := strings.Split(string(data), "\n")
		for _, line := range lines[1:] { // skip header
			fields := strings.Fields(line)
			if len(fields) < 7 {
				continue
			}
			port, err := strconv.Atoi(fields[1])
			if err != nil {
				continue
			}
			status, err := strconv.Atoi(fields[2])
			if err != nil {
				continue
			}
			result[port] = VhciStatus{Attached: status == vdevStateUsed, BusID: fields[6]}
		}
	}
	return result, nil
}
