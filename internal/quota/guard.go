package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/tdeslauriers/derma/internal/util"
	"github.com/tdeslauriers/derma/pkg/api"
)

// Counter counts an owner's uploads since a point in time.
// photo.Repository satisfies it.
type Counter interface {
	SelectCountSince(ctx context.Context, ownerId string, since time.Time) (int, error)
}

// Entitlements reports whether an owner holds the premium entitlement.
type Entitlements interface {
	IsPremium(ctx context.Context, ownerId string) (bool, error)
}

// FreeTier is the Entitlements of a deployment without a billing collaborator:
// nobody is premium.
type FreeTier struct{}

// IsPremium is the concrete implementation of the interface method.
func (FreeTier) IsPremium(ctx context.Context, ownerId string) (bool, error) {
	return false, nil
}

// Guard enforces the daily upload ceiling for non-premium owners.
type Guard interface {

	// CheckDailyQuota returns how many photos the owner uploaded during the local day of asOf.
	// A failed count is logged and reported as 0: the guard fails open.
	CheckDailyQuota(ctx context.Context, ownerId string, asOf time.Time) int

	// Allow returns the current day's count plus inFlight, uploads admitted but not yet
	// committed, and an error wrapping api.ErrQuotaExceeded when the owner is not
	// premium and that total has reached the ceiling.
	Allow(ctx context.Context, ownerId string, asOf time.Time, inFlight int) (int, error)
}

// NewGuard creates a new quota Guard. The day boundary is midnight in loc;
// a nil loc is time.Local. timeout bounds each collaborator call.
func NewGuard(counter Counter, ent Entitlements, ceiling int, loc *time.Location, timeout time.Duration) Guard {

	if loc == nil {
		loc = time.Local
	}

	if ent == nil {
		ent = FreeTier{}
	}

	return &guard{
		counter: counter,
		ent:     ent,
		ceiling: ceiling,
		loc:     loc,
		timeout: timeout,

		logger: slog.Default().
			With(slog.String(util.PackageKey, util.PackageQuota)).
			With(slog.String(util.ComponentKey, util.ComponentQuotaGuard)),
	}
}

var _ Guard = (*guard)(nil)

type guard struct {
	counter Counter
	ent     Entitlements
	ceiling int
	loc     *time.Location
	timeout time.Duration

	logger *slog.Logger
}

// StartOfDay returns local midnight of the day containing t.
func StartOfDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

// CheckDailyQuota is the concrete implementation of the interface method.
func (g *guard) CheckDailyQuota(ctx context.Context, ownerId string, asOf time.Time) int {

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	since := StartOfDay(asOf, g.loc)
	count, err := g.counter.SelectCountSince(callCtx, ownerId, since)
	if err != nil {
		g.logger.Warn(fmt.Sprintf("failed to count uploads of owner %s since %s, allowing upload", ownerId, since.Format(time.RFC3339)),
			"err", err.Error())
		return 0
	}

	return count
}

// Allow is the concrete implementation of the interface method.
func (g *guard) Allow(ctx context.Context, ownerId string, asOf time.Time, inFlight int) (int, error) {

	count := g.CheckDailyQuota(ctx, ownerId, asOf) + inFlight
	if count < g.ceiling {
		return count, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	premium, err := g.ent.IsPremium(callCtx, ownerId)
	if err != nil {
		g.logger.Warn(fmt.Sprintf("failed to look up entitlements of owner %s, allowing upload", ownerId), "err", err.Error())
		return count, nil
	}

	if premium {
		return count, nil
	}

	return count, fmt.Errorf("%w: %d of %d uploads used today", api.ErrQuotaExceeded, count, g.ceiling)
}
