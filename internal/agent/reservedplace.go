package agent

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/model"
)

// reservedPlace is one named entry in the agent's reservation table: an
// ImportSpec, the reservation id it was granted, and (once place_available
// arrives) the tunnels materializing its assignment. Mirrors the original's
// ReservedPlace, minus the lock (the agent serializes all table access
// itself rather than per-reservation, see agent.go).
type reservedPlace struct {
	name          string
	spec          *model.ImportSpec
	reservationID int64

	// set once place_available arrives; zero value until then.
	placeID string
	tunnels []ifaceTunnel

	attachCtx    context.Context
	attachCancel context.CancelFunc

	autoReturnMu    sync.Mutex
	autoReturnTimer *time.Timer

	lostReason string
}

// statusEntry is one line of the agent's "status" IPC response.
type statusEntry struct {
	Part      string `json:"part"`
	Interface string `json:"interface"`
	Type      string `json:"type"`
	Attached  bool   `json:"attached"`
}

func (p *reservedPlace) isAttached() bool {
	return p.attachCtx != nil
}

func (p *reservedPlace) status() []statusEntry {
	out := make([]statusEntry, 0, len(p.tunnels))
	for _, t := range p.tunnels {
		out = append(out, statusEntry{
			Part: t.part(), Interface: t.iface(), Type: string(t.kind()), Attached: t.isAttached(),
		})
	}
	return out
}

// materialize builds the tunnel set for a place_available notification's
// host/port/parts/token, using a fresh local match (assignParts) of the
// import spec against the granted place's parts.
func (p *reservedPlace) materialize(host string, port int, parts []model.ExportedPart, token string) error {
	assignment, ok := assignParts(p.spec, parts)
	if !ok {
		return fmt.Errorf("granted place no longer matches import spec %q", p.spec.Name)
	}

	var tunnels []ifaceTunnel
	for partName, partIdx := range assignment {
		imported := p.spec.Parts[partName]
		idx, err := strconv.Atoi(partIdx)
		if err != nil || idx < 0 || idx >= len(parts) {
			return fmt.Errorf("invalid part assignment %q", partIdx)
		}
		exported := parts[idx]

		for usbName, usbImport := range imported.USB {
			usbExport, ok := exported.USB[usbName]
			if !ok {
				return fmt.Errorf("part %q: interface %q has no usb export", partName, usbName)
			}
			tunnels = append(tunnels, &usbTunnel{
				partName: partName, ifaceName: usbName,
				proxyHost: host, proxyPort: port,
				placeID: p.placeID, token: token,
				usbID: string(usbExport.UsbID), portNum: usbImport.PortNum,
			})
		}
		for tcpName, tcpImport := range imported.TCP {
			if _, ok := exported.TCP[tcpName]; !ok {
				return fmt.Errorf("part %q: interface %q has no tcp export", partName, tcpName)
			}
			tunnels = append(tunnels, &tcpTunnel{
				partName: partName, ifaceName: tcpName,
				proxyHost: host, proxyPort: port,
				placeID: p.placeID, token: token,
				localPort: tcpImport.LocalPort,
			})
		}
	}
	p.tunnels = tunnels
	return nil
}

func (p *reservedPlace) attach(ctx context.Context, logger blog.Logger) error {
	if p.isAttached() {
		return fmt.Errorf("place %q is already attached", p.name)
	}
	if p.placeID == "" {
		return fmt.Errorf("place %q is not yet allocated", p.name)
	}
	attachCtx, cancel := context.WithCancel(ctx)
	p.attachCtx, p.attachCancel = attachCtx, cancel
	for _, t := range p.tunnels {
		t.start(attachCtx, logger)
	}
	return nil
}

func (p *reservedPlace) detach() error {
	if !p.isAttached() {
		return fmt.Errorf("place %q is not attached", p.name)
	}
	p.attachCancel()
	for _, t := range p.tunnels {
		t.stop()
	}
	p.attachCtx, p.attachCancel = nil, nil
	return nil
}

// armAutoReturn (re)starts the auto-return timer, per §4.5: it fires
// auto_return_time after the last attach or edit, and is reset by edit.
func (p *reservedPlace) armAutoReturn(d time.Duration, onFire func()) {
	p.autoReturnMu.Lock()
	defer p.autoReturnMu.Unlock()
	if p.autoReturnTimer != nil {
		p.autoReturnTimer.Stop()
		p.autoReturnTimer = nil
	}
	if d <= 0 {
		return
	}
	p.autoReturnTimer = time.AfterFunc(d, onFire)
}

func (p *reservedPlace) cancelAutoReturn() {
	p.autoReturnMu.Lock()
	defer p.autoReturnMu.Unlock()
	if p.autoReturnTimer != nil {
		p.autoReturnTimer.Stop()
		p.autoReturnTimer = nil
	}
}
