// Package agent implements the agent process: it holds a duplex control
// channel to the hub, keeps an in-memory table of named reservations, and
// on the hub's place_available notification materializes each reservation's
// TCP and USB interfaces as CONNECT tunnels. Commands arrive over a Unix
// domain socket, per spec §4.5.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/lifecycle"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/wire"
)

// Config is the agent process's TOML-loaded settings.
type Config struct {
	HubURL     string `toml:"hub_url"`
	SocketPath string `toml:"socket_path"`
	AuthToken  string `toml:"auth_token"`
}

const defaultSocketPath = "/run/not-my-board-agent.sock"

// Agent is one running agent process.
type Agent struct {
	lifecycle.Helper

	cfg     Config
	hubHost string

	mu       sync.Mutex
	channel  *wire.Channel
	places   map[string]*reservedPlace // by name
	pending  map[string]struct{}       // names currently mid-reserve
	byResID  map[int64]*reservedPlace

	ipc *ipcServer
}

// New builds an Agent ready to Run.
func New(logger blog.Logger, cfg Config) *Agent {
	if cfg.SocketPath == "" {
		cfg.SocketPath = defaultSocketPath
	}
	u, _ := url.Parse(cfg.HubURL)
	a := &Agent{
		cfg:     cfg,
		hubHost: hostOnly(u),
		places:  make(map[string]*reservedPlace),
		pending: make(map[string]struct{}),
		byResID: make(map[int64]*reservedPlace),
	}
	a.Helper.Init(logger.Fork("agent"), a)
	a.ipc = newIPCServer(a, a.Logger, cfg.SocketPath)
	return a
}

func hostOnly(u *url.URL) string {
	if u == nil {
		return ""
	}
	host := u.Hostname()
	return host
}

// HandleOnceShutdown detaches every still-attached reservation, per the
// original's Agent._cleanup.
func (a *Agent) HandleOnceShutdown(completionErr error) error {
	a.mu.Lock()
	places := make([]*reservedPlace, 0, len(a.places))
	for _, p := range a.places {
		places = append(places, p)
	}
	a.mu.Unlock()

	for _, p := range places {
		if p.isAttached() {
			_ = p.detach()
		}
	}
	return completionErr
}

// Run connects to the hub and serves the Unix-socket IPC surface until ctx
// is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	err := a.DoOnceActivate(func() error {
		a.ShutdownOnContext(ctx)
		if err := a.ipc.listen(); err != nil {
			return a.ELogErrorf("starting ipc socket: %s", err)
		}
		a.AddShutdownChild(a.ipc)
		go a.ipc.serve(ctx)
		return nil
	}, true)
	if err != nil {
		return err
	}

	dialCfg := wire.DialLoopConfig{
		URL:    a.cfg.HubURL + "/ws?role=agent",
		Header: bearerHeader(a.cfg.AuthToken),
	}
	go func() {
		err := wire.DialLoop(ctx, a.Logger, "hub", dialCfg, a.onConnect)
		a.StartShutdown(err)
	}()

	return a.WaitShutdown()
}

func (a *Agent) onConnect(ctx context.Context, ch *wire.Channel) {
	ch.Handle("place_available", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			ReservationID int64                `json:"reservation_id"`
			PlaceID       string               `json:"place_id"`
			Host          string               `json:"host"`
			Port          int                  `json:"port"`
			Parts         []model.ExportedPart `json:"parts"`
			Token         string               `json:"token"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad place_available params: %s", err)
		}
		a.handlePlaceAvailable(p.ReservationID, p.PlaceID, a.realHost(p.Host), p.Port, p.Parts, p.Token)
		return nil, nil
	})
	ch.Handle("reservation_lost", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		var p struct {
			ReservationID int64  `json:"reservation_id"`
			Reason        string `json:"reason"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad reservation_lost params: %s", err)
		}
		a.handleReservationLost(p.ReservationID, p.Reason)
		return nil, nil
	})

	a.mu.Lock()
	a.channel = ch
	a.mu.Unlock()
	<-ctx.Done()
}

// realHost substitutes the hub's own hostname for a loopback host a place
// advertises, per the original's Agent._real_host: an exporter on the same
// box as the hub reports 127.0.0.1, which is meaningless to a remote agent.
func (a *Agent) realHost(host string) string {
	if host == "127.0.0.1" || host == "::1" || host == "localhost" {
		return a.hubHost
	}
	return host
}

func (a *Agent) handlePlaceAvailable(resID int64, placeID, host string, port int, parts []model.ExportedPart, token string) {
	a.mu.Lock()
	p, ok := a.byResID[resID]
	a.mu.Unlock()
	if !ok {
		a.WLogf("place_available for unknown reservation %d", resID)
		return
	}
	p.placeID = placeID
	if err := p.materialize(host, port, parts, token); err != nil {
		a.WLogf("reservation %d: %s", resID, err)
		return
	}
	a.ILogf("place %q available for reservation %q (%s)", placeID, p.name, resID)
}

func (a *Agent) handleReservationLost(resID int64, reason string) {
	a.mu.Lock()
	p, ok := a.byResID[resID]
	if ok {
		delete(a.byResID, resID)
		delete(a.places, p.name)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	p.cancelAutoReturn()
	if p.isAttached() {
		_ = p.detach()
	}
	p.lostReason = reason
	a.WLogf("reservation %q lost: %s", p.name, reason)
}

func bearerHeader(token string) http.Header {
	if token == "" {
		return nil
	}
	return http.Header{"Authorization": {"Bearer " + token}}
}

// Reserve fetches the current place set, filters candidates locally for
// fast feedback, then asks the hub to authoritatively reserve, per
// spec §4.5 and the original's Agent.reserve.
func (a *Agent) Reserve(ctx context.Context, spec *model.ImportSpec) error {
	name := spec.Name

	a.mu.Lock()
	if _, exists := a.places[name]; exists {
		a.mu.Unlock()
		return fmt.Errorf("a place named %q is already reserved", name)
	}
	if _, exists := a.pending[name]; exists {
		a.mu.Unlock()
		return fmt.Errorf("a place named %q is currently being reserved", name)
	}
	a.pending[name] = struct{}{}
	ch := a.channel
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.pending, name)
		a.mu.Unlock()
	}()

	if ch == nil {
		return wire.NewError(wire.KindTransient, "not connected to hub")
	}

	places, err := a.getPlaces(ctx)
	if err != nil {
		return fmt.Errorf("fetching places: %w", err)
	}
	if len(filterPlaces(spec, places)) == 0 {
		return wire.NewError(wire.KindNoMatch, "no matching place found")
	}

	var reply struct {
		ReservationID int64 `json:"reservation_id"`
	}
	if err := ch.Call(ctx, "reserve", spec, &reply); err != nil {
		return err
	}

	p := &reservedPlace{name: name, spec: spec, reservationID: reply.ReservationID}
	a.mu.Lock()
	a.places[name] = p
	a.byResID[reply.ReservationID] = p
	a.mu.Unlock()
	return nil
}

// ReturnReservation returns a named reservation, detaching it first if
// force is set (spec §4.5, original's Agent.return_reservation).
func (a *Agent) ReturnReservation(ctx context.Context, name string, force bool) error {
	p, err := a.lookup(name)
	if err != nil {
		return err
	}
	if p.isAttached() {
		if !force {
			return fmt.Errorf("place %q is still attached", name)
		}
		if err := p.detach(); err != nil {
			return err
		}
	}
	p.cancelAutoReturn()

	a.mu.Lock()
	ch := a.channel
	a.mu.Unlock()
	if ch != nil {
		if err := ch.Call(ctx, "return_reservation", map[string]int64{"reservation_id": p.reservationID}, nil); err != nil {
			return err
		}
	}

	a.mu.Lock()
	delete(a.places, name)
	delete(a.byResID, p.reservationID)
	a.mu.Unlock()
	return nil
}

// Attach materializes a reservation's interfaces and arms its auto-return
// timer.
func (a *Agent) Attach(ctx context.Context, name string) error {
	p, err := a.lookup(name)
	if err != nil {
		return err
	}
	if p.placeID == "" {
		return wire.NewError(wire.KindTransient, "place %q is not yet allocated", name)
	}
	if err := p.attach(ctx, a.Logger); err != nil {
		return err
	}
	a.armAutoReturn(p)
	return nil
}

// Detach tears down a reservation's interfaces without returning it.
func (a *Agent) Detach(name string) error {
	p, err := a.lookup(name)
	if err != nil {
		return err
	}
	p.cancelAutoReturn()
	return p.detach()
}

// Edit replaces a reservation's ImportSpec (the tunnels already built for
// it are not rebuilt) and, if the reservation is attached, re-arms its
// auto-return timer with the new spec's duration, per §4.5's "the timer
// ... is reset by edit"; a detached reservation has no timer to reset.
func (a *Agent) Edit(name string, spec *model.ImportSpec) error {
	p, err := a.lookup(name)
	if err != nil {
		return err
	}
	p.spec = spec
	if p.isAttached() {
		a.armAutoReturn(p)
	}
	return nil
}

func (a *Agent) armAutoReturn(p *reservedPlace) {
	d := p.spec.AutoReturnDuration()
	p.armAutoReturn(d, func() {
		a.WLogf("reservation %q auto-returning after %s", p.name, d)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.ReturnReservation(ctx, p.name, true); err != nil {
			a.WLogf("auto-return of %q failed: %s", p.name, err)
		}
	})
}

// List reports every reservation name and whether it is attached.
func (a *Agent) List() []map[string]interface{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]map[string]interface{}, 0, len(a.places))
	for name, p := range a.places {
		out = append(out, map[string]interface{}{"place": name, "attached": p.isAttached()})
	}
	return out
}

// Status reports every interface of every reservation.
func (a *Agent) Status() []map[string]interface{} {
	a.mu.Lock()
	places := make([]*reservedPlace, 0, len(a.places))
	for _, p := range a.places {
		places = append(places, p)
	}
	a.mu.Unlock()

	var out []map[string]interface{}
	for _, p := range places {
		for _, s := range p.status() {
			out = append(out, map[string]interface{}{
				"place": p.name, "part": s.Part, "interface": s.Interface, "type": s.Type, "attached": s.Attached,
			})
		}
	}
	return out
}

func (a *Agent) lookup(name string) (*reservedPlace, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.places[name]
	if !ok {
		return nil, fmt.Errorf("a place named %q is not reserved", name)
	}
	return p, nil
}

func (a *Agent) getPlaces(ctx context.Context) ([]model.Place, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.HubURL+"/api/v1/places", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	var places []model.Place
	if err := json.NewDecoder(resp.Body).Decode(&places); err != nil {
		return nil, err
	}
	return places, nil
}
