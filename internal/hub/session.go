package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/wire"
)

// now is overridable by tests.
var now = time.Now

// SessionRole distinguishes the two kinds of control-channel peer.
type SessionRole int

const (
	SessionExporter SessionRole = iota
	SessionAgent
)

// Session is one exporter or agent control channel, per spec §3. Its
// lifetime equals its underlying wire.Channel's; closing cascades into
// Registry.UnregisterSession.
type Session struct {
	Role      SessionRole
	Principal string
	Roles     []Role
	remote    string

	channel *wire.Channel

	mu           sync.Mutex
	places       map[string]struct{}
	reservations map[int64]struct{}
}

func newSession(role SessionRole, principal string, roles []Role, remote string, ch *wire.Channel) *Session {
	return &Session{
		Role:         role,
		Principal:    principal,
		Roles:        roles,
		remote:       remote,
		channel:      ch,
		places:       make(map[string]struct{}),
		reservations: make(map[int64]struct{}),
	}
}

// RemoteHost is the peer address discovered from the control channel's
// transport (spec §4.1: "the socket's TLS peer address identifies the
// remote's IP").
func (s *Session) RemoteHost() string {
	host, _, err := net.SplitHostPort(s.remote)
	if err != nil {
		return s.remote
	}
	return host
}

func (s *Session) hasRole(r Role) bool { return hasRole(s.Roles, r) }

func (s *Session) addPlace(id string) {
	s.mu.Lock()
	s.places[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) addReservation(id int64) {
	s.mu.Lock()
	s.reservations[id] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) ownedPlaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.places))
	for id := range s.places {
		out = append(out, id)
	}
	return out
}

func (s *Session) ownedReservations() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.reservations))
	for id := range s.reservations {
		out = append(out, id)
	}
	return out
}

type placeAvailableParams struct {
	ReservationID int64                `json:"reservation_id"`
	PlaceID       string               `json:"place_id"`
	Host          string               `json:"host"`
	Port          int                  `json:"port"`
	Parts         []model.ExportedPart `json:"parts"`
	Token         string               `json:"token"`
}

type placeReservedParams struct {
	PlaceID string `json:"place_id"`
	PeerIP  string `json:"peer_ip"`
	Token   string `json:"token"`
}

type placeReturnedParams struct {
	PlaceID string `json:"place_id"`
}

type reservationLostParams struct {
	ReservationID int64  `json:"reservation_id"`
	Reason        string `json:"reason"`
}

func (s *Session) notifyPlaceAvailable(res *Reservation, pl model.Place) {
	_ = s.channel.Notify("place_available", placeAvailableParams{
		ReservationID: res.ID, PlaceID: pl.ID, Host: pl.Host, Port: pl.Port, Parts: pl.Parts, Token: res.Token,
	})
}

func (s *Session) notifyPlaceReserved(placeID, peerIP, token string) {
	_ = s.channel.Notify("place_reserved", placeReservedParams{PlaceID: placeID, PeerIP: peerIP, Token: token})
}

func (s *Session) notifyPlaceReturned(placeID string) {
	_ = s.channel.Notify("place_returned", placeReturnedParams{PlaceID: placeID})
}

func (s *Session) notifyReservationLost(resID int64, reason string) {
	_ = s.channel.Notify("reservation_lost", reservationLostParams{ReservationID: resID, Reason: reason})
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// BindSession authenticates one accepted control channel, wires up its
// request handlers, and starts the channel's Serve loop (governed by ctx)
// in its own goroutine, which calls Registry.UnregisterSession once Serve
// returns; the returned error channel receives Serve's result. If
// Authenticate fails, the channel is closed, no Session is created, the
// returned *Session is nil, and the error channel holds a KindAuth error.
func BindSession(ctx context.Context, logger blog.Logger, reg *Registry, role SessionRole, remote string, ch *wire.Channel, auth AuthPolicy) (*Session, <-chan error) {
	if auth == nil {
		auth = allowAllPolicy{}
	}
	principal, roles, err := auth.Authenticate(remote)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- wire.NewError(wire.KindAuth, "authentication failed: %s", err)
		_ = ch.Close()
		return nil, errCh
	}
	sess := newSession(role, principal, roles, remote, ch)

	ch.Handle("register_exporter", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		if !sess.hasRole(RoleExporter) {
			return nil, wire.NewError(wire.KindAuth, "session lacks exporter role")
		}
		var req struct {
			Desc model.ExportDesc `json:"place_desc"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad register_exporter params: %s", err)
		}
		id, err := reg.RegisterExporter(sess, &req.Desc)
		if err != nil {
			return nil, err
		}
		return map[string]string{"place_id": id}, nil
	})

	ch.Handle("reserve", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		if !sess.hasRole(RoleImporter) {
			return nil, wire.NewError(wire.KindAuth, "session lacks importer role")
		}
		var spec model.ImportSpec
		if err := json.Unmarshal(params, &spec); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad reserve params: %s", err)
		}
		id, err := reg.Reserve(sess, &spec)
		if err != nil {
			return nil, err
		}
		return map[string]int64{"reservation_id": id}, nil
	})

	ch.Handle("return_reservation", func(_ context.Context, params json.RawMessage) (interface{}, error) {
		if !sess.hasRole(RoleImporter) {
			return nil, wire.NewError(wire.KindAuth, "session lacks importer role")
		}
		var req struct {
			ReservationID int64 `json:"reservation_id"`
		}
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, wire.NewError(wire.KindProtocol, "bad return_reservation params: %s", err)
		}
		return nil, reg.ReturnReservation(req.ReservationID)
	})

	errCh := make(chan error, 1)
	go func() {
		err := ch.Serve(ctx)
		reg.UnregisterSession(sess)
		errCh <- err
	}()

	return sess, errCh
}
