package history

// AttributionChain is the read-time reconstruction of a delegation chain:
// an ordered sequence of aggregated events sharing one chain ID, from the
// receiver (originator) to the accessor (terminator). It is never
// persisted.
type AttributionChain struct {
	events      []AggregatedEvent
	exemptPkgs  map[string]struct{}
	lastVisible *AggregatedEvent
}

// NewAttributionChain creates an empty chain. Packages in exemptPkgs are
// skipped when resolving the last visible member.
func NewAttributionChain(exemptPkgs map[string]struct{}) *AttributionChain {
	return &AttributionChain{exemptPkgs: exemptPkgs}
}

// BuildAttributionChains groups a result set into chains, one per distinct
// non-zero chain ID, considering only events carrying the trusted flag.
func BuildAttributionChains(events []AggregatedEvent, exemptPkgs map[string]struct{}) map[int64]*AttributionChain {
	chains := make(map[int64]*AttributionChain)
	for _, ev := range events {
		if ev.ChainID == ChainNone || ev.AttributionFlags&AttributionFlagTrusted == 0 {
			continue
		}
		chain, ok := chains[ev.ChainID]
		if !ok {
			chain = NewAttributionChain(exemptPkgs)
			chains[ev.ChainID] = chain
		}
		chain.AddEvent(ev)
	}
	return chains
}

// Events returns the chain members in order.
func (c *AttributionChain) Events() []AggregatedEvent {
	return c.events
}

// IsComplete reports whether the chain begins with a receiver and ends
// with an accessor.
func (c *AttributionChain) IsComplete() bool {
	return len(c.events) > 0 && c.Start() != nil && isChainEnd(c.events[len(c.events)-1])
}

// Start returns the chain's originator, or nil if the first member is not
// a receiver.
func (c *AttributionChain) Start() *AggregatedEvent {
	if len(c.events) == 0 || !isChainStart(c.events[0]) {
		return nil
	}
	return &c.events[0]
}

// IsStart reports whether ev is a chain originator.
func (c *AttributionChain) IsStart(ev AggregatedEvent) bool {
	return isChainStart(ev)
}

// LastVisible returns the proxy shown to the user: the last member whose
// package is not exempt, excluding the start node. Nil while the chain is
// incomplete.
func (c *AttributionChain) LastVisible() *AggregatedEvent {
	return c.lastVisible
}

// AddEvent inserts an aggregated event into the chain. A near-duplicate
// differing only in duration keeps whichever observation ran longer.
// Ordering: accessors append, receivers prepend, everything else slots in
// by exact access time before the first later non-receiver or a trailing
// accessor. Start and last-visible are recomputed after every insertion;
// chains are a handful of hops, so the O(n) rescan is acceptable.
func (c *AttributionChain) AddEvent(ev AggregatedEvent) {
	matchIdx := -1
	for i, item := range c.events {
		if equalsExceptDuration(item, ev) {
			matchIdx = i
			break
		}
	}
	if matchIdx >= 0 {
		if c.events[matchIdx].Duration >= ev.Duration {
			return
		}
		c.events = append(c.events[:matchIdx], c.events[matchIdx+1:]...)
	}

	switch {
	case len(c.events) == 0 || isChainEnd(ev):
		c.events = append(c.events, ev)
	case isChainStart(ev):
		c.events = append([]AggregatedEvent{ev}, c.events...)
	default:
		for i := 0; i < len(c.events); i++ {
			curr := c.events[i]
			if (!isChainStart(curr) && curr.AccessTime > ev.AccessTime) ||
				(i == len(c.events)-1 && isChainEnd(curr)) {
				c.events = append(c.events[:i], append([]AggregatedEvent{ev}, c.events[i:]...)...)
				break
			} else if i == len(c.events)-1 {
				c.events = append(c.events, ev)
				break
			}
		}
	}

	if c.IsComplete() {
		c.lastVisible = c.computeLastVisible()
	} else {
		c.lastVisible = nil
	}
}

func (c *AttributionChain) computeLastVisible() *AggregatedEvent {
	// Search all nodes but the first one, which is the start node.
	for i := len(c.events) - 1; i > 0; i-- {
		if _, exempt := c.exemptPkgs[c.events[i].PackageName]; !exempt {
			return &c.events[i]
		}
	}
	return nil
}

func isChainEnd(ev AggregatedEvent) bool {
	return ev.AttributionFlags&AttributionFlagAccessor != 0
}

func isChainStart(ev AggregatedEvent) bool {
	return ev.AttributionFlags&AttributionFlagReceiver != 0
}

// equalsExceptDuration matches on every identity field plus the exact
// access time, ignoring only the duration fields.
func equalsExceptDuration(a, b AggregatedEvent) bool {
	return a.SubjectID == b.SubjectID &&
		a.OpCode == b.OpCode &&
		a.OpFlags == b.OpFlags &&
		a.AttributionFlags == b.AttributionFlags &&
		a.SubjectState == b.SubjectState &&
		a.ChainID == b.ChainID &&
		a.PackageName == b.PackageName &&
		a.AttributionTag == b.AttributionTag &&
		a.DeviceID == b.DeviceID &&
		a.AccessTime == b.AccessTime
}
