package poller

import "time"

// Levers are the tuning values currently in effect.
type Levers struct {
	MaxConcurrency       int     `json:"maxConcurrency"`
	KeysPerCycle         int     `json:"keysPerCycle"`
	DelayBetweenRequests float64 `json:"delayBetweenRequests"`
	DelayBetweenCycles   float64 `json:"delayBetweenCycles"`
	MinRefreshInterval   float64 `json:"minRefreshIntervalPerKey"`
	ForceCooldown        float64 `json:"forceCycleCooldown"`
	RequestTimeout       float64 `json:"requestTimeout"`
	PollingEnabled       bool    `json:"pollingEnabled"`
}

type Health struct {
	KeysCached   int        `json:"keysCached"`
	KeySpace     int        `json:"keySpace"`
	LastCycleEnd *time.Time `json:"lastCycleEnd"`
	Cycles       int64      `json:"cycles"`
	Levers       Levers     `json:"levers"`
}

// Health summarizes poller progress. Durations are reported in seconds.
func (p *Poller) Health() Health {
	p.mu.Lock()
	last := p.lastCycleEnd
	cycles := p.cycles
	p.mu.Unlock()

	h := Health{
		KeysCached: p.store.Len(),
		KeySpace:   p.iter.Len(),
		Cycles:     cycles,
		Levers: Levers{
			MaxConcurrency:       p.opts.MaxConcurrency,
			KeysPerCycle:         p.opts.KeysPerCycle,
			DelayBetweenRequests: p.opts.DelayBetweenRequests.Seconds(),
			DelayBetweenCycles:   p.opts.DelayBetweenCycles.Seconds(),
			MinRefreshInterval:   p.opts.MinRefreshInterval.Seconds(),
			ForceCooldown:        p.opts.ForceCooldown.Seconds(),
			RequestTimeout:       p.opts.RequestTimeout.Seconds(),
			PollingEnabled:       p.opts.PollingEnabled,
		},
	}
	if !last.IsZero() {
		utc := last.UTC()
		h.LastCycleEnd = &utc
	}
	return h
}
