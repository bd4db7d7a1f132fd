// Package export implements the exporter process: it loads a place's
// export description, keeps a duplex control channel to the hub,
// maintains the gateway's token cache from place_reserved/place_returned
// notifications, and runs the CONNECT gateway and USB/IP device manager
// for the place.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/gateway"
	"github.com/sammck-go/boardhub/internal/lifecycle"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/usbip"
	"github.com/sammck-go/boardhub/internal/wire"
)

// Config is the exporter process's TOML-loaded settings.
type Config struct {
	HubURL         string `toml:"hub_url"`
	ExportDescPath string `toml:"export_desc_path"`
	AuthToken      string `toml:"auth_token"`
}

// Exporter is one running exporter process.
type Exporter struct {
	lifecycle.Helper

	cfg  Config
	desc *model.ExportDesc

	tokens *gateway.TokenCache
	dm     *gateway.DeviceManager
	gw     *gateway.Gateway

	placeID string
}

// New loads cfg.ExportDescPath and builds an Exporter ready to Run.
func New(logger blog.Logger, cfg Config) (*Exporter, error) {
	data, err := os.ReadFile(cfg.ExportDescPath)
	if err != nil {
		return nil, fmt.Errorf("reading export description: %w", err)
	}
	desc, err := model.LoadExportDesc(data)
	if err != nil {
		return nil, err
	}

	e := &Exporter{cfg: cfg, desc: desc, tokens: gateway.NewTokenCache()}
	e.Helper.Init(logger.Fork("exporter"), e)

	busIDs := busIDsOf(desc)
	e.dm = gateway.NewDeviceManager(e.Logger, busIDs)

	var usbServer *usbip.Server
	if len(busIDs) > 0 {
		usbServer = usbip.NewServer(e.Logger, e.dm.Devices())
	}
	e.gw = gateway.NewGateway(e.Logger, "", e.tokens, &flatResolver{desc: desc}, usbServer)
	return e, nil
}

// HandleOnceShutdown implements lifecycle.OnceShutdownHandler.
func (e *Exporter) HandleOnceShutdown(completionErr error) error {
	err := e.gw.Close()
	if dmErr := e.dm.Close(); completionErr == nil {
		completionErr = err
		if completionErr == nil {
			completionErr = dmErr
		}
	}
	return completionErr
}

// Run connects to the hub, registers the place, starts the gateway and
// device manager, and blocks until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) error {
	err := e.DoOnceActivate(func() error {
		e.ShutdownOnContext(ctx)

		if err := e.dm.StartWatch(); err != nil {
			e.WLogf("starting device watch: %s", err)
		}
		return e.gw.ListenAndServe(fmt.Sprintf(":%d", e.desc.Port))
	}, true)
	if err != nil {
		return err
	}

	dialCfg := wire.DialLoopConfig{
		URL:    e.cfg.HubURL + "/ws?role=exporter",
		Header: bearerHeader(e.cfg.AuthToken),
	}
	go func() {
		err := wire.DialLoop(ctx, e.Logger, "hub", dialCfg, e.onConnect)
		e.StartShutdown(err)
	}()

	return e.WaitShutdown()
}

func (e *Exporter) onConnect(ctx context.Context, ch *wire.Channel) {
	ch.Handle("place_reserved", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			PlaceID string `json:"place_id"`
			PeerIP  string `json:"peer_ip"`
			Token   string `json:"token"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad place_reserved params: %s", err)
		}
		e.tokens.Add(p.PlaceID, p.Token, p.PeerIP)
		return nil, nil
	})
	ch.Handle("place_returned", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			PlaceID string `json:"place_id"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad place_returned params: %s", err)
		}
		e.tokens.Remove(p.PlaceID)
		return nil, nil
	})

	var reply struct {
		PlaceID string `json:"place_id"`
	}
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := ch.Call(callCtx, "register_exporter", registerParams(e.desc), &reply)
	if err != nil {
		e.WLogf("register_exporter failed: %s", err)
		return
	}
	e.placeID = reply.PlaceID
	e.gw.SetPlaceID(e.placeID)
	e.ILogf("registered as place %s", e.placeID)
	<-ctx.Done()
}

type registerExporterParams struct {
	PlaceDesc *model.ExportDesc `json:"place_desc"`
}

func registerParams(desc *model.ExportDesc) registerExporterParams {
	return registerExporterParams{PlaceDesc: desc}
}

func bearerHeader(token string) (h map[string][]string) {
	if token == "" {
		return nil
	}
	return map[string][]string{"Authorization": {"Bearer " + token}}
}

func busIDsOf(desc *model.ExportDesc) []string {
	var out []string
	for _, part := range desc.Parts {
		for _, usb := range part.USB {
			out = append(out, string(usb.UsbID))
		}
	}
	return out
}

// flatResolver aggregates every part's TCP interfaces into one flat
// namespace, since the CONNECT authority (tcp:<if-name>@<place_id>)
// names an interface without naming its owning part.
type flatResolver struct {
	desc *model.ExportDesc
}

func (r *flatResolver) ResolveTCP(ifaceName string) (string, int, bool) {
	for _, part := range r.desc.Parts {
		if t, ok := part.TCP[ifaceName]; ok {
			return t.Host, t.Port, true
		}
	}
	return "", 0, false
}
