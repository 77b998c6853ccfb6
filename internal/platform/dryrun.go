package platform

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/modwarden/warden/internal/db"
)

// DryRunExecutor logs what would have been done instead of calling the
// platform. Useful for shadow deployments and local runs.
type DryRunExecutor struct{}

func NewDryRunExecutor() *DryRunExecutor { return &DryRunExecutor{} }

func (e *DryRunExecutor) Apply(_ context.Context, sanction *db.Sanction) error {
	e.entry(sanction).Info("dry run: would apply sanction")
	return nil
}

func (e *DryRunExecutor) Lift(_ context.Context, sanction *db.Sanction) error {
	e.entry(sanction).Info("dry run: would lift sanction")
	return nil
}

func (e *DryRunExecutor) entry(sanction *db.Sanction) *log.Entry {
	fields := log.Fields{
		"context":      "platform",
		"sanction":     sanction.ID,
		"kind":         sanction.Kind,
		"community_id": sanction.CommunityID,
		"user_id":      sanction.UserID,
	}
	if sanction.ExpiresAt != nil {
		fields["expires_at"] = sanction.ExpiresAt
	}
	return log.WithFields(fields)
}
