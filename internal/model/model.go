// Package model defines the Place/Part/ImportSpec data model shared by
// the hub, exporter, and agent, along with strict TOML decoding of the
// on-disk export-description and import-spec document shapes.
package model

import (
	"fmt"
	"regexp"
	"time"
)

// Duration wraps time.Duration so it decodes from TOML/JSON string forms
// like "10h" via encoding.TextUnmarshaler, rather than as a bare integer
// count of nanoseconds.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UsbID is a USB bus-path identifier of the form "<bus>-<port>[.<port>...]",
// e.g. "1-2.3", matching what appears under /sys/bus/usb/devices.
type UsbID string

var usbIDPattern = regexp.MustCompile(`^[0-9]+(-[0-9]+)+(\.[0-9]+)*$`)

// Validate reports whether the UsbID has the expected bus-path shape.
func (u UsbID) Validate() error {
	if !usbIDPattern.MatchString(string(u)) {
		return fmt.Errorf("invalid usb id %q", string(u))
	}
	return nil
}

// UsbExportDesc is one USB interface as advertised by an exporter.
type UsbExportDesc struct {
	UsbID UsbID `toml:"usbid"`
}

// TCPExportDesc is one TCP interface as advertised by an exporter.
type TCPExportDesc struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// ExportedPart is one physical part of a place, as advertised by an
// exporter: a set of capability tags plus named USB and TCP interfaces.
type ExportedPart struct {
	Compatible []string                 `toml:"compatible"`
	USB        map[string]UsbExportDesc `toml:"usb"`
	TCP        map[string]TCPExportDesc `toml:"tcp"`
}

// ExportDesc is the on-disk description of everything one exporter process
// offers: the place's parts and the TCP port its gateway listens on.
type ExportDesc struct {
	Port  int                      `toml:"port"`
	Parts map[string]ExportedPart `toml:"parts"`
}

// Validate rejects malformed USB ids. Unknown-field rejection happens at
// decode time (see LoadExportDesc).
func (d *ExportDesc) Validate() error {
	for name, part := range d.Parts {
		for ifaceName, usb := range part.USB {
			if err := usb.UsbID.Validate(); err != nil {
				return fmt.Errorf("part %q interface %q: %w", name, ifaceName, err)
			}
		}
	}
	return nil
}

// Place is a registered, addressable place: the hub's view of one
// exporter's ExportDesc plus routing/identity fields the exporter does
// not know about itself.
type Place struct {
	ID    string         `json:"id"`
	Host  string         `json:"host"`
	Port  int            `json:"port"`
	Parts []ExportedPart `json:"parts"`
}

// UsbImportDesc requests one USB interface be attached to a local VHCI port.
type UsbImportDesc struct {
	PortNum int `toml:"port_num"`
}

// TCPImportDesc requests one TCP interface be forwarded to a local port.
type TCPImportDesc struct {
	LocalPort int `toml:"local_port"`
}

// ImportedPart is one part an ImportSpec requires, described purely by the
// capability/interface names it needs — never by a concrete Place.
type ImportedPart struct {
	Compatible []string                 `toml:"compatible"`
	USB        map[string]UsbImportDesc `toml:"usb"`
	TCP        map[string]TCPImportDesc `toml:"tcp"`
}

// defaultAutoReturnTime is used when an ImportSpec omits auto_return_time
// entirely; an explicit 0 disables auto-return instead (spec §3).
const defaultAutoReturnTime = 10 * time.Hour

// ImportSpec is the on-disk document an agent loads to reserve and attach
// a place: a name for the reservation plus the parts it needs.
type ImportSpec struct {
	Name           string                  `toml:"name"`
	AutoReturnTime *Duration               `toml:"auto_return_time"`
	Parts          map[string]ImportedPart `toml:"parts"`
}

// AutoReturnDuration returns the configured auto-return interval, or the
// 10h default if the field was omitted. An explicit zero disables it.
func (s *ImportSpec) AutoReturnDuration() time.Duration {
	if s.AutoReturnTime == nil {
		return defaultAutoReturnTime
	}
	return s.AutoReturnTime.Duration
}

// Validate rejects an ImportSpec with no name, no parts, or a usb port_num
// outside [0,7].
func (s *ImportSpec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("import spec missing \"name\"")
	}
	if len(s.Parts) == 0 {
		return fmt.Errorf("import spec %q has no parts", s.Name)
	}
	for partName, part := range s.Parts {
		for ifaceName, usb := range part.USB {
			if usb.PortNum < 0 || usb.PortNum > 7 {
				return fmt.Errorf("part %q usb interface %q: port_num %d out of range [0,7]", partName, ifaceName, usb.PortNum)
			}
		}
	}
	return nil
}
