// Package usbip implements the USB/IP wire protocol (RFC-less, documented
// only by the Linux kernel's usbip_common.h and usbip-host driver) used to
// carry a single exported USB device over the data-plane tunnel: the
// OP_REQ_IMPORT/OP_REP_IMPORT handshake, followed by the kernel's own
// URB-submission protocol which this package does not re-implement (it
// owns the handshake only; once VHCI attach succeeds, the kernel driver
// speaks USB/IP directly over the file descriptor).
package usbip

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	usbipVersion = 0x0111

	opReqImport = 0x8003
	opRepImport = 0x0003
)

// header is the common 8-byte prefix of every USB/IP control message.
type header struct {
	Version uint16
	Code    uint16
	Status  uint32
}

// importRequest is OP_REQ_IMPORT: the importer's request for one device,
// identified by its bus-path id (e.g. "1-2.3").
type importRequest struct {
	header
	BusID [32]byte
}

// importReply is OP_REP_IMPORT: the device's USB descriptor fields, sent
// once the exporter is ready to hand the device off.
type importReply struct {
	header
	Path                [256]byte
	BusID               [32]byte
	Busnum              uint32
	Devnum              uint32
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

// DeviceInfo carries the USB descriptor fields needed to build an
// OP_REP_IMPORT reply or to interpret VHCI attach arguments; it is the Go
// analogue of the sysfs-backed _UsbDevice descriptor set.
type DeviceInfo struct {
	BusID               string
	Path                string
	Busnum              uint32
	Devnum              uint32
	Speed               uint32
	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8
}

func putFixedString(dst []byte, s string) error {
	if len(s) > len(dst) {
		return fmt.Errorf("string %q too long for %d-byte field", s, len(dst))
	}
	copy(dst, s)
	return nil
}

func fixedString(src []byte) string {
	return string(bytes.TrimRight(src, "\x00"))
}

// WriteImportRequest sends OP_REQ_IMPORT for busID.
func WriteImportRequest(w io.Writer, busID string) error {
	req := importRequest{header: header{Version: usbipVersion, Code: opReqImport}}
	if err := putFixedString(req.BusID[:], busID); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, req)
}

// ReadImportRequest reads and validates an OP_REQ_IMPORT, returning the
// requested bus id.
func ReadImportRequest(r io.Reader) (string, error) {
	var req importRequest
	if err := binary.Read(r, binary.BigEndian, &req); err != nil {
		return "", err
	}
	if req.Version != usbipVersion {
		return "", fmt.Errorf("unexpected usbip version 0x%04x", req.Version)
	}
	if req.Code != opReqImport {
		return "", fmt.Errorf("expected OP_REQ_IMPORT (0x%04x), got 0x%04x", opReqImport, req.Code)
	}
	if req.Status != 0 {
		return "", fmt.Errorf("expected status=0, got %d", req.Status)
	}
	return fixedString(req.BusID[:]), nil
}

// WriteImportReply sends OP_REP_IMPORT describing dev.
func WriteImportReply(w io.Writer, dev DeviceInfo) error {
	rep := importReply{
		header:              header{Version: usbipVersion, Code: opRepImport},
		Busnum:              dev.Busnum,
		Devnum:              dev.Devnum,
		Speed:               dev.Speed,
		IDVendor:            dev.IDVendor,
		IDProduct:           dev.IDProduct,
		BcdDevice:           dev.BcdDevice,
		BDeviceClass:        dev.BDeviceClass,
		BDeviceSubClass:     dev.BDeviceSubClass,
		BDeviceProtocol:     dev.BDeviceProtocol,
		BConfigurationValue: dev.BConfigurationValue,
		BNumConfigurations:  dev.BNumConfigurations,
		BNumInterfaces:      dev.BNumInterfaces,
	}
	if err := putFixedString(rep.Path[:], dev.Path); err != nil {
		return err
	}
	if err := putFixedString(rep.BusID[:], dev.BusID); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, rep)
}

// ReadImportReply reads and validates an OP_REP_IMPORT.
func ReadImportReply(r io.Reader) (DeviceInfo, error) {
	var rep importReply
	if err := binary.Read(r, binary.BigEndian, &rep); err != nil {
		return DeviceInfo{}, err
	}
	if rep.Version != usbipVersion {
		return DeviceInfo{}, fmt.Errorf("unexpected usbip version 0x%04x", rep.Version)
	}
	if rep.Code != opRepImport {
		return DeviceInfo{}, fmt.Errorf("expected OP_REP_IMPORT (0x%04x), got 0x%04x", opRepImport, rep.Code)
	}
	if rep.Status != 0 {
		return DeviceInfo{}, fmt.Errorf("expected status=0, got %d", rep.Status)
	}
	return DeviceInfo{
		BusID:               fixedString(rep.BusID[:]),
		Path:                fixedString(rep.Path[:]),
		Busnum:              rep.Busnum,
		Devnum:              rep.Devnum,
		Speed:               rep.Speed,
		IDVendor:            rep.IDVendor,
		IDProduct:           rep.IDProduct,
		BcdDevice:           rep.BcdDevice,
		BDeviceClass:        rep.BDeviceClass,
		BDeviceSubClass:     rep.BDeviceSubClass,
		BDeviceProtocol:     rep.BDeviceProtocol,
		BConfigurationValue: rep.BConfigurationValue,
		BNumConfigurations:  rep.BNumConfigurations,
		BNumInterfaces:      rep.BNumInterfaces,
	}, nil
}
