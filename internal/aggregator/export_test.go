package aggregator

// SweepStale runs one stale sweep synchronously.
func (a *Aggregator) SweepStale() {
	a.sweepStale()
}
