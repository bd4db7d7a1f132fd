package hub

import "fmt"

// Role gates one control RPC, per spec §4.1: "exporter" gates
// register_exporter; "importer" gates reserve and return_reservation.
type Role string

const (
	RoleExporter Role = "exporter"
	RoleImporter Role = "importer"
)

// AuthPolicy is the injected policy oracle consulted once per control
// channel, when BindSession authenticates it; each control RPC is then
// gated on the roles granted at that point. The /login and /oidc-callback
// HTTP routes answer 501 Not Implemented and do not consult it. The OIDC
// authorization code flow itself is an external collaborator (spec §1 Non-goals); this
// interface is the whole of the hub's contract with it.
type AuthPolicy interface {
	// Authenticate inspects an incoming control-channel handshake (bearer
	// token, TLS client cert, or whatever the concrete policy wants; those
	// concerns live entirely in the request the caller passes) and returns
	// the principal name and granted roles. Returning an error rejects the
	// connection before any Session is created.
	Authenticate(credential string) (principal string, roles []Role, err error)
}

// allowAllPolicy is used when no AuthPolicy is configured: every peer is
// granted every role, per spec §4.1.
type allowAllPolicy struct{}

func (allowAllPolicy) Authenticate(credential string) (string, []Role, error) {
	return "anonymous", []Role{RoleExporter, RoleImporter}, nil
}

func hasRole(roles []Role, want Role) bool {
	for _, r := range roles {
		if r == want {
			return true
		}
	}
	return false
}

// TokenGrant is one entry of a StaticTokenPolicy's table: a bearer token,
// the principal it authenticates as, and the roles it is granted.
type TokenGrant struct {
	Token     string `toml:"token"`
	Principal string `toml:"principal"`
	Roles     []Role `toml:"roles"`
}

// StaticTokenPolicy is an AuthPolicy backed by a fixed, operator-supplied
// table of bearer tokens. It exists for deployments that don't delegate to
// an OIDC provider at all — the credential passed to Authenticate is
// expected to be a bare "Bearer <token>" header value.
type StaticTokenPolicy struct {
	grants map[string]TokenGrant
}

// NewStaticTokenPolicy indexes grants by token for O(1) lookup.
func NewStaticTokenPolicy(grants []TokenGrant) *StaticTokenPolicy {
	p := &StaticTokenPolicy{grants: make(map[string]TokenGrant, len(grants))}
	for _, g := range grants {
		p.grants[g.Token] = g
	}
	return p
}

func (p *StaticTokenPolicy) Authenticate(credential string) (string, []Role, error) {
	const prefix = "Bearer "
	token := credential
	if len(credential) > len(prefix) && credential[:len(prefix)] == prefix {
		token = credential[len(prefix):]
	}
	g, ok := p.grants[token]
	if !ok {
		return "", nil, fmt.Errorf("unrecognized bearer token")
	}
	return g.Principal, g.Roles, nil
}
