package worker

import (
	"context"
	"time"
)

type reservationSweeper interface {
	SweepIdleReservations(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

type orderTimeouter interface {
	TimeoutPendingOrders(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

type outcomePoller interface {
	Sweep(ctx context.Context, olderThan time.Time) (int, error)
}

const sweepBatchLimit = 200

// ReservationExpiry releases stock held by carts idle past the reservation
// TTL. The carts stay usable; a later checkout re-reserves at live stock.
func ReservationExpiry(repo reservationSweeper, ttl, interval time.Duration) Job {
	return Job{
		Name:     "reservation-expiry",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return repo.SweepIdleReservations(ctx, time.Now().Add(-ttl), sweepBatchLimit)
		},
	}
}

// OrderTimeout fails orders that never received a payment outcome and
// returns their reservations to the pool.
func OrderTimeout(repo orderTimeouter, ttl, interval time.Duration) Job {
	return Job{
		Name:     "order-timeout",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return repo.TimeoutPendingOrders(ctx, time.Now().Add(-ttl), sweepBatchLimit)
		},
	}
}

// ReconcilePoll asks the gateways directly about transactions whose webhook
// never arrived, once they are older than the grace window.
func ReconcilePoll(rec outcomePoller, grace, interval time.Duration) Job {
	return Job{
		Name:     "reconcile-poll",
		Interval: interval,
		Run: func(ctx context.Context) (int, error) {
			return rec.Sweep(ctx, time.Now().Add(-grace))
		},
	}
}
