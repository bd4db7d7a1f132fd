// Package hub implements the central coordinator: the registry of
// published places, the candidate matcher, the FIFO reservation
// scheduler, and the HTTP surface (control-channel WebSocket upgrade,
// place snapshot, login stubs, status page) that exporters and agents
// talk to.
package hub

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sammck-go/boardhub/internal/blog"
	"github.com/sammck-go/boardhub/internal/match"
	"github.com/sammck-go/boardhub/internal/model"
	"github.com/sammck-go/boardhub/internal/wire"
)

// ReservationState is one of the three states a Reservation may be in.
type ReservationState int

const (
	// Pending reservations are enqueued against a non-empty candidate set.
	Pending ReservationState = iota
	// Allocated reservations are bound to a Place, exclusively.
	Allocated
	// Returned is terminal; a Returned reservation never transitions again.
	Returned
)

func (s ReservationState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Allocated:
		return "allocated"
	case Returned:
		return "returned"
	default:
		return "unknown"
	}
}

// ReturnReason records why a Returned reservation ended, for status
// queries and reservation_lost notifications.
type ReturnReason string

const (
	ReasonClientReturn   ReturnReason = "client_return"
	ReasonExporterGone   ReturnReason = "exporter_gone"
	ReasonAgentGone      ReturnReason = "agent_gone"
	ReasonCandidatesGone ReturnReason = "candidates_gone"
)

// place is the hub's live view of one registered Place: the exporter
// session that owns it, and whether it currently has an Allocated
// reservation.
type place struct {
	model.Place
	session    *Session
	allocated  *Reservation // nil if free
}

// Reservation is a hub-owned record granting one agent session exclusive
// access to one place, per spec §3.
type Reservation struct {
	ID         int64
	Session    *Session
	Spec       *model.ImportSpec
	State      ReservationState
	PlaceID    string
	Token      string
	Assignment map[string]string // import part-name -> place part index (as string)
	Candidates []string          // place ids, in registration order, at enqueue time
	Reason     ReturnReason

	CreatedAt   time.Time
	AllocatedAt time.Time
	ReturnedAt  time.Time
}

// Registry owns the canonical hub state: places, reservations, and
// sessions, all mutated only while schedLock is held, matching the
// single-logical-critical-section rule of §5.
type Registry struct {
	logger blog.Logger
	auth   AuthPolicy

	schedLock sync.Mutex

	places       map[string]*place
	placeOrder   []string // registration order, for candidate walk order
	reservations map[int64]*Reservation
	nextPlaceID  int64
	nextResID    int64

	history *history
}

// NewRegistry creates an empty Registry. auth may be nil, in which case
// every session is granted every role (spec §4.1's "no policy configured"
// rule).
func NewRegistry(logger blog.Logger, auth AuthPolicy, historyCap int) *Registry {
	if auth == nil {
		auth = allowAllPolicy{}
	}
	return &Registry{
		logger:       logger.Fork("registry"),
		auth:         auth,
		places:       make(map[string]*place),
		reservations: make(map[int64]*Reservation),
		history:      newHistory(historyCap),
	}
}

// RegisterExporter validates desc, assigns a place id, and records it
// under sess. It triggers a scheduling pass since new candidates may now
// satisfy Pending reservations.
func (r *Registry) RegisterExporter(sess *Session, desc *model.ExportDesc) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", wire.NewError(wire.KindProtocol, "invalid export description: %s", err)
	}

	r.schedLock.Lock()
	r.nextPlaceID++
	id := fmt.Sprintf("p%d", r.nextPlaceID)
	parts := make([]model.ExportedPart, 0, len(desc.Parts))
	for _, p := range desc.Parts {
		parts = append(parts, p)
	}
	pl := &place{
		Place: model.Place{
			ID:    id,
			Host:  sess.RemoteHost(),
			Port:  desc.Port,
			Parts: parts,
		},
		session: sess,
	}
	r.places[id] = pl
	r.placeOrder = append(r.placeOrder, id)
	sess.addPlace(id)
	r.logger.ILogf("registered place %s from %s (%d parts)", id, sess.RemoteHost(), len(parts))
	r.schedLock.Unlock()

	r.runSchedulerPass()
	return id, nil
}

// UnregisterPlace removes id (an exporter session closing, per §3) and
// force-returns whatever reservation it held.
func (r *Registry) UnregisterPlace(id string, reason ReturnReason) {
	r.schedLock.Lock()
	pl, ok := r.places[id]
	if !ok {
		r.schedLock.Unlock()
		return
	}
	delete(r.places, id)
	for i, pid := range r.placeOrder {
		if pid == id {
			r.placeOrder = append(r.placeOrder[:i], r.placeOrder[i+1:]...)
			break
		}
	}
	var toReturn *Reservation
	if pl.allocated != nil {
		toReturn = pl.allocated
	}
	r.schedLock.Unlock()

	if toReturn != nil {
		r.forceReturn(toReturn, reason)
	}
	r.runSchedulerPass()
}

// Reserve computes the candidate set for spec among currently-registered
// places, enqueues a Pending reservation, and returns its id.
func (r *Registry) Reserve(sess *Session, spec *model.ImportSpec) (int64, error) {
	if err := spec.Validate(); err != nil {
		return 0, wire.NewError(wire.KindProtocol, "invalid import spec: %s", err)
	}

	r.schedLock.Lock()
	candidates := r.candidatesLocked(spec)
	if len(candidates) == 0 {
		r.schedLock.Unlock()
		return 0, wire.NewError(wire.KindNoMatch, "no place matches import spec %q", spec.Name)
	}

	r.nextResID++
	res := &Reservation{
		ID:         r.nextResID,
		Session:    sess,
		Spec:       spec,
		State:      Pending,
		Candidates: candidates,
		CreatedAt:  now(),
	}
	r.reservations[res.ID] = res
	sess.addReservation(res.ID)
	r.schedLock.Unlock()

	r.logger.ILogf("reservation %d enqueued for %q, %d candidates", res.ID, spec.Name, len(candidates))
	r.runSchedulerPass()
	return res.ID, nil
}

// ReturnReservation transitions res to Returned, releasing its place if
// Allocated, and notifying the owning exporter.
func (r *Registry) ReturnReservation(id int64) error {
	r.schedLock.Lock()
	res, ok := r.reservations[id]
	if !ok {
		r.schedLock.Unlock()
		return wire.NewError(wire.KindProtocol, "unknown reservation %d", id)
	}
	if res.State == Returned {
		r.schedLock.Unlock()
		return nil // idempotent, per §8
	}
	wasAllocated := res.State == Allocated
	placeID := res.PlaceID
	r.transitionReturnedLocked(res, ReasonClientReturn)
	var freedPlace *place
	if wasAllocated {
		if pl, ok := r.places[placeID]; ok {
			pl.allocated = nil
			freedPlace = pl
		}
	}
	r.schedLock.Unlock()

	if freedPlace != nil {
		r.notifyPlaceReturned(freedPlace)
	}
	r.runSchedulerPass()
	return nil
}

// transitionReturnedLocked must be called with schedLock held.
func (r *Registry) transitionReturnedLocked(res *Reservation, reason ReturnReason) {
	res.State = Returned
	res.Reason = reason
	res.ReturnedAt = now()
	r.history.push(res)
}

func (r *Registry) forceReturn(res *Reservation, reason ReturnReason) {
	r.schedLock.Lock()
	if res.State == Returned {
		r.schedLock.Unlock()
		return
	}
	r.transitionReturnedLocked(res, reason)
	r.schedLock.Unlock()

	r.logger.ILogf("reservation %d force-returned: %s", res.ID, reason)
	res.Session.notifyReservationLost(res.ID, string(reason))
}

// UnregisterSession returns every reservation owned by an agent session,
// or unregisters every place owned by an exporter session, per §3's
// session-close cascade rule.
func (r *Registry) UnregisterSession(sess *Session) {
	for _, placeID := range sess.ownedPlaces() {
		r.UnregisterPlace(placeID, ReasonExporterGone)
	}
	for _, resID := range sess.ownedReservations() {
		r.schedLock.Lock()
		res, ok := r.reservations[resID]
		r.schedLock.Unlock()
		if ok {
			r.forceReturn(res, ReasonAgentGone)
			r.schedLock.Lock()
			if res.State == Returned && res.PlaceID != "" {
				if pl, ok := r.places[res.PlaceID]; ok && pl.allocated == res {
					pl.allocated = nil
				}
			}
			r.schedLock.Unlock()
		}
	}
	r.runSchedulerPass()
}

// candidatesLocked returns the ids, in registration order, of every
// currently-registered place admitting a valid assignment for spec. Must
// be called with schedLock held.
func (r *Registry) candidatesLocked(spec *model.ImportSpec) []string {
	var out []string
	for _, id := range r.placeOrder {
		pl := r.places[id]
		if _, ok := AssignParts(spec, pl.Parts); ok {
			out = append(out, id)
		}
	}
	return out
}

// AssignParts computes a maximum bipartite matching of spec's part-names
// against parts, keyed by part index (as a string, since match.Graph
// vertices are strings), and reports whether every spec part-name got a
// distinct assignment.
func AssignParts(spec *model.ImportSpec, parts []model.ExportedPart) (map[string]string, bool) {
	g := make(match.Graph, len(spec.Parts))
	for name, wantPart := range spec.Parts {
		var edges []string
		for i, part := range parts {
			if partMatches(wantPart, part) {
				edges = append(edges, fmt.Sprintf("%d", i))
			}
		}
		g[name] = edges
	}
	m := match.MaxMatching(g)
	if len(m) != len(spec.Parts) {
		return nil, false
	}
	return m, true
}

func partMatches(want model.ImportedPart, have model.ExportedPart) bool {
	haveTags := make(map[string]struct{}, len(have.Compatible))
	for _, t := range have.Compatible {
		haveTags[t] = struct{}{}
	}
	for _, t := range want.Compatible {
		if _, ok := haveTags[t]; !ok {
			return false
		}
	}
	for ifaceName := range want.TCP {
		if _, ok := have.TCP[ifaceName]; !ok {
			return false
		}
	}
	for ifaceName := range want.USB {
		if _, ok := have.USB[ifaceName]; !ok {
			return false
		}
	}
	return true
}

// runSchedulerPass implements §4.1's matching policy: the Pending queue,
// in insertion (FIFO) order, is walked once; each Pending reservation's
// candidate list is walked in registration order and the first Free
// place is claimed.
func (r *Registry) runSchedulerPass() {
	r.schedLock.Lock()

	var pendingIDs []int64
	for id, res := range r.reservations {
		if res.State == Pending {
			pendingIDs = append(pendingIDs, id)
		}
	}
	sort.Slice(pendingIDs, func(i, j int) bool { return pendingIDs[i] < pendingIDs[j] })

	type allocation struct {
		res   *Reservation
		place *place
	}
	var allocations []allocation
	var goneCandidates []*Reservation

	for _, id := range pendingIDs {
		res := r.reservations[id]
		var stillLive []string
		for _, pid := range res.Candidates {
			if _, ok := r.places[pid]; ok {
				stillLive = append(stillLive, pid)
			}
		}
		res.Candidates = stillLive
		if len(stillLive) == 0 {
			goneCandidates = append(goneCandidates, res)
			continue
		}
		for _, pid := range stillLive {
			pl := r.places[pid]
			if pl.allocated == nil {
				assignment, ok := AssignParts(res.Spec, pl.Parts)
				if !ok {
					continue
				}
				res.State = Allocated
				res.PlaceID = pid
				res.Assignment = assignment
				res.Token = newToken()
				res.AllocatedAt = now()
				pl.allocated = res
				allocations = append(allocations, allocation{res: res, place: pl})
				break
			}
		}
	}

	for _, res := range goneCandidates {
		r.transitionReturnedLocked(res, ReasonCandidatesGone)
	}

	r.schedLock.Unlock()

	for _, res := range goneCandidates {
		r.logger.ILogf("reservation %d: candidates gone", res.ID)
		res.Session.notifyReservationLost(res.ID, string(ReasonCandidatesGone))
	}
	for _, a := range allocations {
		r.logger.ILogf("reservation %d allocated place %s", a.res.ID, a.place.ID)
		a.res.Session.notifyPlaceAvailable(a.res, a.place.Place)
		a.place.session.notifyPlaceReserved(a.place.ID, a.res.Session.RemoteHost(), a.res.Token)
	}
}

func (r *Registry) notifyPlaceReturned(pl *place) {
	pl.session.notifyPlaceReturned(pl.ID)
}

// Snapshot returns the current registered places, for GET /api/v1/places.
func (r *Registry) Snapshot() []model.Place {
	r.schedLock.Lock()
	defer r.schedLock.Unlock()
	out := make([]model.Place, 0, len(r.placeOrder))
	for _, id := range r.placeOrder {
		out = append(out, r.places[id].Place)
	}
	return out
}

// History returns a snapshot of recently Returned reservations, most
// recent first, per the bounded ring-buffer Open Question decision.
func (r *Registry) History() []*Reservation {
	return r.history.snapshot()
}
