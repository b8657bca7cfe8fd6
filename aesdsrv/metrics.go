package aesdsrv

import (
	"github.com/One-com/gone/metric"
)

// Metrics holds the counters the server maintains when a metric client
// is configured. All methods are nil-receiver safe, so the hot path pays
// nothing when metrics are disabled.
type Metrics struct {
	connections *metric.Counter
	closed      *metric.Counter
	lines       *metric.Counter
	bytesIn     *metric.Counter
	bytesOut    *metric.Counter
}

// NewMetrics registers the server counters with the given metric client.
func NewMetrics(c *metric.Client) *Metrics {
	return &Metrics{
		connections: c.RegisterCounter("connections.accepted"),
		closed:      c.RegisterCounter("connections.closed"),
		lines:       c.RegisterCounter("lines.appended"),
		bytesIn:     c.RegisterCounter("bytes.received"),
		bytesOut:    c.RegisterCounter("bytes.sent"),
	}
}

func (m *Metrics) connAccepted() {
	if m != nil {
		m.connections.Inc(1)
	}
}

func (m *Metrics) connClosed() {
	if m != nil {
		m.closed.Inc(1)
	}
}

func (m *Metrics) lineAppended() {
	if m != nil {
		m.lines.Inc(1)
	}
}

func (m *Metrics) addBytesIn(n int) {
	if m != nil {
		m.bytesIn.Inc(int64(n))
	}
}

func (m *Metrics) addBytesOut(n int64) {
	if m != nil {
		m.bytesOut.Inc(n)
	}
}
