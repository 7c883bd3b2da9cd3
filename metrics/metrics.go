// Package metrics defines the optional counters reported by the connection
// security layer. A nil collector is valid everywhere and costs nothing.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives security layer counters.
type Collector interface {
	HandshakeSucceeded()
	HandshakeFailed()
	PacketEncrypted()
	PacketDecrypted()
	DecryptFailed()
}

// Noop discards every counter.
type Noop struct{}

func (Noop) HandshakeSucceeded() {}
func (Noop) HandshakeFailed()    {}
func (Noop) PacketEncrypted()    {}
func (Noop) PacketDecrypted()    {}
func (Noop) DecryptFailed()      {}

// OrNoop returns c, or a Noop collector when c is nil.
func OrNoop(c Collector) Collector {
	if c == nil {
		return Noop{}
	}
	return c
}

// Prometheus exports the counters through a Prometheus registry.
type Prometheus struct {
	handshakeSuccesses prometheus.Counter
	handshakeFailures  prometheus.Counter
	encryptedPackets   prometheus.Counter
	decryptedPackets   prometheus.Counter
	decryptErrors      prometheus.Counter
}

// NewPrometheus creates the counters under namespace and registers them with reg.
func NewPrometheus(reg prometheus.Registerer, namespace string) (*Prometheus, error) {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "noise",
			Name:      name,
			Help:      help,
		})
	}

	p := &Prometheus{
		handshakeSuccesses: counter("handshake_successes_total", "Completed Noise handshakes."),
		handshakeFailures:  counter("handshake_failures_total", "Failed Noise handshakes."),
		encryptedPackets:   counter("encrypted_packets_total", "Encrypted records written."),
		decryptedPackets:   counter("decrypted_packets_total", "Encrypted records read and authenticated."),
		decryptErrors:      counter("decrypt_errors_total", "Encrypted records that failed authentication."),
	}

	for _, c := range []prometheus.Collector{
		p.handshakeSuccesses, p.handshakeFailures, p.encryptedPackets, p.decryptedPackets, p.decryptErrors,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register noise metrics: %w", err)
		}
	}
	return p, nil
}

func (p *Prometheus) HandshakeSucceeded() { p.handshakeSuccesses.Inc() }
func (p *Prometheus) HandshakeFailed()    { p.handshakeFailures.Inc() }
func (p *Prometheus) PacketEncrypted()    { p.encryptedPackets.Inc() }
func (p *Prometheus) PacketDecrypted()    { p.decryptedPackets.Inc() }
func (p *Prometheus) DecryptFailed()      { p.decryptErrors.Inc() }
