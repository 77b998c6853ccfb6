package db

import (
	"context"
	"time"
)

type Client interface {
	Close() error

	GetCommunityConfig(ctx context.Context, communityID int64) (*CommunityConfig, error)
	SetCommunityConfig(ctx context.Context, cfg *CommunityConfig) error

	AppendInfraction(ctx context.Context, infraction *Infraction) error
	ListInfractions(ctx context.Context, subject Subject) ([]*Infraction, error)
	SumInfractionWeightSince(ctx context.Context, subject Subject, category string, since time.Time) (int, error)
	LinkInfractionSanction(ctx context.Context, infractionID, sanctionID string) error
	PurgeResolvedInfractionsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	InsertSanction(ctx context.Context, sanction *Sanction) error
	GetSanction(ctx context.Context, id string) (*Sanction, error)
	GetActiveSanction(ctx context.Context, subject Subject, kind string) (*Sanction, error)
	ListActiveTimedSanctions(ctx context.Context) ([]*Sanction, error)
	// ExtendSanction rewrites the expiry of an active sanction; a nil
	// expiresAt makes it permanent. Reports whether the row was still active.
	ExtendSanction(ctx context.Context, id string, expiresAt *time.Time) (bool, error)
	// TransitionSanctionStatus flips status from->to and reports whether the
	// row was in the expected status. This is the guard both the expiry path
	// and manual revoke rely on.
	TransitionSanctionStatus(ctx context.Context, id, from, to string, at time.Time) (bool, error)
}
