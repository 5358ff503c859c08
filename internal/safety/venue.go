package safety

import (
	"context"
	"errors"

	"xt-connector/internal/exchange"
)

// GuardedVenue refuses order calls while the matching circuit is open and
// feeds every outcome back into the breaker.
type GuardedVenue struct {
	exchange.Venue
	breaker *Breaker
}

var _ exchange.Venue = (*GuardedVenue)(nil)

func NewGuardedVenue(inner exchange.Venue, breaker *Breaker) *GuardedVenue {
	return &GuardedVenue{Venue: inner, breaker: breaker}
}

func (v *GuardedVenue) PlaceOrder(ctx context.Context, req exchange.PlaceRequest) (exchange.PlaceResult, error) {
	if err := v.breaker.AllowPlace(); err != nil {
		return exchange.PlaceResult{}, err
	}
	res, err := v.Venue.PlaceOrder(ctx, req)
	return res, joinTrip(err, v.breaker.RecordPlace(err))
}

func (v *GuardedVenue) CancelOrder(ctx context.Context, pair, exchangeOrderID string) error {
	if err := v.breaker.AllowCancel(); err != nil {
		return err
	}
	err := v.Venue.CancelOrder(ctx, pair, exchangeOrderID)
	return joinTrip(err, v.breaker.RecordCancel(err))
}

// joinTrip keeps the venue error classifiable when the call also tripped
// the circuit. A 503 on create must still read as ErrServerOverloaded.
func joinTrip(err, trip error) error {
	if trip == nil {
		return err
	}
	if err == nil {
		return trip
	}
	return errors.Join(err, trip)
}
