package usbip

import (
	"bytes"
	"testing"
)

func TestImportRequestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteImportRequest(&buf, "1-2.3"); err != nil {
		t.Fatalf("WriteImportRequest: %v", err)
	}
	if buf.Len() != 40 {
		t.Fatalf("expected 40-byte OP_REQ_IMPORT, got %d", buf.Len())
	}
	busID, err := ReadImportRequest(&buf)
	if err != nil {
		t.Fatalf("ReadImportRequest: %v", err)
	}
	if busID != "1-2.3" {
		t.Fatalf("expected busid %q, got %q", "1-2.3", busID)
	}
}

func TestImportReplyRoundTrip(t *testing.T) {
	dev := DeviceInfo{
		BusID:               "1-2.3",
		Path:                "/sys/devices/pci0000:00/usb1/1-2/1-2.3",
		Busnum:              1,
		Devnum:              5,
		Speed:               3,
		IDVendor:            0x1d6b,
		IDProduct:           0x0002,
		BDeviceClass:        9,
		BNumConfigurations:  1,
		BNumInterfaces:      1,
		BConfigurationValue: 1,
	}

	var buf bytes.Buffer
	if err := WriteImportReply(&buf, dev); err != nil {
		t.Fatalf("WriteImportReply: %v", err)
	}

	got, err := ReadImportReply(&buf)
	if err != nil {
		t.Fatalf("ReadImportReply: %v", err)
	}
	if got != dev {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, dev)
	}
}

func TestReadImportRequestRejectsWrongCode(t *testing.T) {
	var buf bytes.Buffer
	// a reply, not a request
	if err := WriteImportReply(&buf, DeviceInfo{BusID: "1-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadImportRequest(bytes.NewReader(buf.Bytes()[:40])); err == nil {
		t.Fatal("expected an error decoding a reply as a request")
	}
}
