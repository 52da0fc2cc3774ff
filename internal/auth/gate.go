package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"workerhub/internal/store"

	"go.uber.org/zap"
)

// ConnectionKind distinguishes worker sockets from observer sockets.
type ConnectionKind string

const (
	KindWorker    ConnectionKind = "worker"
	KindDashboard ConnectionKind = "dashboard"
)

// Rejection reasons sent back to the peer.
const (
	ReasonMissingCredentials = "missing credentials"
	ReasonWrongSecret        = "wrong secret"
	ReasonUnknownMachine     = "unknown machine"
	ReasonServerError        = "server error"
)

// Credentials are presented once per connection attempt.
type Credentials struct {
	MachineID  string
	SecretKey  string
	RemoteAddr string
	Kind       ConnectionKind
}

// Decision records which branch of the gate authorized a connection.
type Decision int

const (
	// DecisionAuthorize matched an existing node.
	DecisionAuthorize Decision = iota
	// DecisionCreate provisioned a new node on first contact.
	DecisionCreate
	// DecisionObserver is a dashboard connection; no node is bound.
	DecisionObserver
)

func (d Decision) String() string {
	switch d {
	case DecisionAuthorize:
		return "authorize"
	case DecisionCreate:
		return "create"
	case DecisionObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// Rejection is returned when a connection attempt is refused.
type Rejection struct {
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("auth rejected: %s: %v", r.Reason, r.Err)
	}
	return "auth rejected: " + r.Reason
}

func (r *Rejection) Unwrap() error { return r.Err }

// IsRejection reports whether err is an auth rejection and returns its reason.
func IsRejection(err error) (string, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}

// Result is the outcome of a successful Authorize call.
type Result struct {
	Decision Decision
	// Node is nil for observer connections.
	Node *store.Node
}

// Gate authorizes worker connections against the node registry, provisioning
// unseen machine ids on first contact unless Strict is set.
type Gate struct {
	nodes  store.NodeStore
	strict bool
	logger *zap.Logger
	now    func() time.Time
}

func NewGate(nodes store.NodeStore, strict bool, logger *zap.Logger) *Gate {
	return &Gate{
		nodes:  nodes,
		strict: strict,
		logger: logger,
		now:    time.Now,
	}
}

// Authorize validates creds. The only persistent write is on the create path.
func (g *Gate) Authorize(ctx context.Context, creds Credentials) (*Result, error) {
	if creds.Kind == KindDashboard {
		return &Result{Decision: DecisionObserver}, nil
	}

	if creds.MachineID == "" || creds.SecretKey == "" {
		return nil, &Rejection{Reason: ReasonMissingCredentials}
	}

	node, err := g.nodes.GetNode(ctx, creds.MachineID)
	switch {
	case err == nil:
		return g.match(node, creds)
	case errors.Is(err, store.ErrNotFound):
		// fall through to provisioning
	default:
		g.logger.Error("node lookup failed", zap.String("machine_id", creds.MachineID), zap.Error(err))
		return nil, &Rejection{Reason: ReasonServerError, Err: err}
	}

	if g.strict {
		return nil, &Rejection{Reason: ReasonUnknownMachine}
	}

	node = &store.Node{
		MachineID: creds.MachineID,
		SecretKey: creds.SecretKey,
		Name:      creds.MachineID,
		Status:    store.NodeOnline,
		LastSeen:  g.now().UTC(),
		IPAddress: creds.RemoteAddr,
	}

	err = g.nodes.CreateNode(ctx, node)
	if errors.Is(err, store.ErrNodeExists) {
		// Another connection claimed the id between our read and write.
		existing, getErr := g.nodes.GetNode(ctx, creds.MachineID)
		if getErr != nil {
			return nil, &Rejection{Reason: ReasonServerError, Err: getErr}
		}
		return g.match(existing, creds)
	}
	if err != nil {
		g.logger.Error("node provisioning failed", zap.String("machine_id", creds.MachineID), zap.Error(err))
		return nil, &Rejection{Reason: ReasonServerError, Err: err}
	}

	g.logger.Info("provisioned new node",
		zap.String("machine_id", node.MachineID),
		zap.String("ip_address", node.IPAddress),
	)
	return &Result{Decision: DecisionCreate, Node: node}, nil
}

func (g *Gate) match(node *store.Node, creds Credentials) (*Result, error) {
	if subtle.ConstantTimeCompare([]byte(node.SecretKey), []byte(creds.SecretKey)) != 1 {
		g.logger.Warn("secret mismatch", zap.String("machine_id", creds.MachineID), zap.String("remote_addr", creds.RemoteAddr))
		return nil, &Rejection{Reason: ReasonWrongSecret}
	}
	return &Result{Decision: DecisionAuthorize, Node: node}, nil
}
