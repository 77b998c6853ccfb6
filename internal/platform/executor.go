package platform

import (
	"context"

	"github.com/pkg/errors"

	"github.com/modwarden/warden/internal/db"
)

// Executor carries sanctions out against the chat platform. Implementations
// talk to a real platform API; the engine only ever sees this interface.
type Executor interface {
	Apply(ctx context.Context, sanction *db.Sanction) error
	Lift(ctx context.Context, sanction *db.Sanction) error
}

var (
	// ErrPermissionDenied means the engine lacks the platform privilege for
	// the action. Retrying cannot help.
	ErrPermissionDenied = errors.New("platform permission denied")

	// ErrTargetNotFound means the sanction target no longer exists on the
	// platform (user left, channel deleted). The sanction record still
	// resolves normally.
	ErrTargetNotFound = errors.New("platform target not found")

	// ErrEnforcementPending is returned once transient retries are
	// exhausted; the sanction stays recorded and a later reconcile pass
	// picks it up.
	ErrEnforcementPending = errors.New("enforcement pending")
)

func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrTargetNotFound)
}
