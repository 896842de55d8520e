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

package netstat

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestScrapeOnceSetsGaugesFromSources(t *testing.T) {
	e := NewExporter(Sources{
		TCPConnsInUse:        func() int { return 3 },
		UDPAssocsInUse:       func() int { return 2 },
		CoAPTransInUse:       func() int { return 1 },
		CoAPObserversInUse:   func() int { return 4 },
		CoAPRetransmitsTotal: func() int { return 9 },
		SettingsCompactions: map[string]func() int{
			"logbackend": func() int { return 5 },
		},
	}, time.Second)

	e.scrapeOnce()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	e.Handler().ServeHTTP(rec, req)
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "iotcore_tcp_conns_in_use 3")
	require.Contains(t, body, "iotcore_udp_assocs_in_use 2")
	require.Contains(t, body, "iotcore_coap_transactions_in_use 1")
	require.Contains(t, body, "iotcore_coap_observers_in_use 4")
	require.Contains(t, body, "iotcore_coap_retransmits_total 9")
	require.Contains(t, body, `iotcore_settings_compactions_total{backend="logbackend"} 5`)
}

func TestNilSourcesAreSkipped(t *testing.T) {
	e := NewExporter(Sources{}, time.Second)
	require.NotPanics(t, func() { e.scrapeOnce() })
}

func TestRunStopsOnSignal(t *testing.T) {
	e := NewExporter(Sources{}, 5*time.Millisecond)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		e.Run(stop)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after signal")
	}
}
