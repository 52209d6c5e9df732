package metrics

// NoopCollector is a no-op implementation of the Collector interface, used
// wherever a Collector is required but metrics are disabled (tests, or a
// deployment with metrics.enabled = false).
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened()                        {}
func (n *NoopCollector) ConnectionClosed()                        {}
func (n *NoopCollector) AuthAttempt(mechanism string, success bool) {}
func (n *NoopCollector) CommandProcessed(command string)          {}
func (n *NoopCollector) MessageAccepted(sizeBytes int64)          {}
func (n *NoopCollector) MessageRejected(stage string)             {}
func (n *NoopCollector) MessageDiscarded()                        {}
func (n *NoopCollector) MilterInvoked(peer string, action string) {}
func (n *NoopCollector) SieveOutcome(outcome string)              {}

var _ Collector = (*NoopCollector)(nil)
