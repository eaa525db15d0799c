package domain

import "math"

// Magnitude bounds accepted by the catalog.
const (
	MinMagnitude = -2.0
	MaxMagnitude = 10.0
)

// Validate rejects malformed queries before any I/O. Start and End are
// inclusive, so a single-day query has Start equal to End.
func (q CacheQuery) Validate() error {
	if q.Start.IsZero() || q.End.IsZero() {
		return Validationf("start and end dates are required")
	}
	if StartOfDay(q.Start).After(StartOfDay(q.End)) {
		return Validationf("start date %s is after end date %s", FormatDay(q.Start), FormatDay(q.End))
	}
	if err := q.Magnitude.Validate(); err != nil {
		return err
	}
	if _, err := LookupRegion(q.Region); err != nil {
		return err
	}
	return nil
}

// Validate rejects NaN, out-of-range and inverted magnitude intervals.
func (r MagnitudeRange) Validate() error {
	if math.IsNaN(r.Min) || math.IsNaN(r.Max) {
		return Validationf("magnitude bounds must be numbers")
	}
	if r.Min < MinMagnitude || r.Max > MaxMagnitude {
		return Validationf("magnitude range must lie within [%g, %g]", MinMagnitude, MaxMagnitude)
	}
	if r.Min > r.Max {
		return Validationf("minimum magnitude %g exceeds maximum %g", r.Min, r.Max)
	}
	return nil
}
