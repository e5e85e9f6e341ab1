/*
Copyright 2024 Google LLC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    https://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package dhcp4c

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the optional counters the error-handling design allows
// (but does not require) for tier-1 packet drops and retransmits. A nil
// *Metrics is always safe to use: every increment method is a no-op on a
// nil receiver.
type Metrics struct {
	packetsDropped *prometheus.CounterVec
	retransmits    prometheus.Counter
	leasesAcquired prometheus.Counter
}

// NewMetrics constructs a Metrics registered under the given Prometheus
// registerer. A nil registerer leaves the counters unregistered but
// functional, for callers that scrape a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		packetsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dhcp4c_packets_dropped_total",
			Help: "DHCP packets dropped at the wire/packet-framing level, by reason.",
		}, []string{"reason"}),
		retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dhcp4c_retransmits_total",
			Help: "DHCP message retransmissions sent.",
		}),
		leasesAcquired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dhcp4c_leases_acquired_total",
			Help: "DHCP leases successfully acquired (ACKed).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.packetsDropped, m.retransmits, m.leasesAcquired)
	}
	return m
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.packetsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) retransmit() {
	if m == nil {
		return
	}
	m.retransmits.Inc()
}

func (m *Metrics) leaseAcquired() {
	if m == nil {
		return
	}
	m.leasesAcquired.Inc()
}
