/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package netstat exposes Prometheus metrics for the networking core:
// fixed-pool occupancy (TCP connections, UDP associations, CoAP
// transactions, CoAP observers), CoAP retransmit counts and settings
// backend compaction counts, following ptp/sptp/stats.PrometheusExporter.
package netstat

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Sources is every collaborator netstat scrapes on each tick. Fields left
// nil are simply skipped, so a binary can wire only the subsystems it
// runs.
type Sources struct {
	TCPConnsInUse       func() int
	UDPAssocsInUse       func() int
	CoAPTransInUse       func() int
	CoAPRetransmitsTotal func() int
	CoAPObserversInUse   func() int
	// SettingsCompactions maps a backend label (e.g. "log", "eeprom")
	// to its lifetime compaction count.
	SettingsCompactions map[string]func() int
}

// Exporter holds the registered collectors and the collaborators it
// scrapes.
type Exporter struct {
	registry *prometheus.Registry
	sources  Sources
	interval time.Duration

	tcpConnsInUse     prometheus.Gauge
	udpAssocsInUse    prometheus.Gauge
	coapTransInUse    prometheus.Gauge
	coapObserversInUse prometheus.Gauge
	coapRetransmits   prometheus.Gauge
	settingsCompactions *prometheus.GaugeVec
}

// register installs c into e's registry, tolerating (and reusing) an
// already-registered collector the way prom_exporter.go does.
func register[C prometheus.Collector](registry *prometheus.Registry, c C) C {
	if err := registry.Register(c); err != nil {
		are := &prometheus.AlreadyRegisteredError{}
		if errors.As(err, are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		log.Errorf("netstat: failed to register collector: %v", err)
	}
	return c
}

// NewExporter builds an Exporter scraping sources every interval.
func NewExporter(sources Sources, interval time.Duration) *Exporter {
	registry := prometheus.NewRegistry()
	e := &Exporter{registry: registry, sources: sources, interval: interval}

	e.tcpConnsInUse = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotcore_tcp_conns_in_use", Help: "TCP connection table slots currently occupied",
	}))
	e.udpAssocsInUse = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotcore_udp_assocs_in_use", Help: "UDP association table slots currently occupied",
	}))
	e.coapTransInUse = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotcore_coap_transactions_in_use", Help: "CoAP transaction pool slots currently occupied",
	}))
	e.coapObserversInUse = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotcore_coap_observers_in_use", Help: "CoAP server-side observer table slots currently occupied",
	}))
	e.coapRetransmits = register(registry, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "iotcore_coap_retransmits_total", Help: "Lifetime count of CoAP CON retransmissions",
	}))
	e.settingsCompactions = register(registry, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "iotcore_settings_compactions_total", Help: "Lifetime count of settings backend compaction passes",
	}, []string{"backend"}))

	return e
}

// Handler returns the /metrics HTTP handler for this exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// scrapeOnce pulls every wired source into its gauge.
func (e *Exporter) scrapeOnce() {
	if f := e.sources.TCPConnsInUse; f != nil {
		e.tcpConnsInUse.Set(float64(f()))
	}
	if f := e.sources.UDPAssocsInUse; f != nil {
		e.udpAssocsInUse.Set(float64(f()))
	}
	if f := e.sources.CoAPTransInUse; f != nil {
		e.coapTransInUse.Set(float64(f()))
	}
	if f := e.sources.CoAPObserversInUse; f != nil {
		e.coapObserversInUse.Set(float64(f()))
	}
	if f := e.sources.CoAPRetransmitsTotal; f != nil {
		e.coapRetransmits.Set(float64(f()))
	}
	for backend, f := range e.sources.SettingsCompactions {
		e.settingsCompactions.WithLabelValues(backend).Set(float64(f()))
	}
}

// Run scrapes every interval until stop is closed.
func (e *Exporter) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	e.scrapeOnce()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.scrapeOnce()
		}
	}
}

// Serve mounts the exporter's handler and blocks, matching
// PrometheusExporter.Start's fatal-on-listen-error behavior.
func (e *Exporter) Serve(listenPort int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	log.Fatal(http.ListenAndServe(fmt.Sprintf(":%d", listenPort), mux))
}
