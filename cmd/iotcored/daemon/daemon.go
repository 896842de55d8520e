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

package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/facebookincubator/iotcore/netcore"
	"github.com/facebookincubator/iotcore/netstat"
	"github.com/facebookincubator/iotcore/settings"
	"github.com/facebookincubator/iotcore/settings/eeprombackend"
	"github.com/facebookincubator/iotcore/settings/logbackend"
	"github.com/facebookincubator/iotcore/settings/memorybackend"
	"github.com/facebookincubator/iotcore/settings/retentionbackend"
	"github.com/facebookincubator/iotcore/settings/zms"
	"github.com/facebookincubator/iotcore/udpio"
	log "github.com/sirupsen/logrus"
)

// NewBackend builds the settings.Backend the config selects.
func NewBackend(c *Config) settings.Backend {
	switch c.Backend {
	case BackendLog:
		return logbackend.New(c.BackendCapacity)
	case BackendEEPROM:
		return eeprombackend.New(c.BackendCapacity)
	case BackendRetention:
		return retentionbackend.New(c.BackendCapacity)
	case BackendZMS:
		return zms.New()
	default:
		return memorybackend.New()
	}
}

// Daemon is one running iotcored process: the networking core plus its
// bound CoAP socket and metrics exporter.
type Daemon struct {
	cfg     *Config
	core    *netcore.NetCore
	conn    *net.UDPConn
	exporter *netstat.Exporter
}

// New builds a Daemon without binding any socket yet.
func New(cfg *Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backend := NewBackend(cfg)

	addr := &net.UDPAddr{IP: net.ParseIP(cfg.BindIP), Port: cfg.CoAPPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding CoAP socket on %s: %w", addr, err)
	}
	if err := tuneSocket(conn, cfg.DSCP); err != nil {
		log.Warnf("daemon: failed to tune CoAP socket options: %v", err)
	}
	if err := joinMulticast(conn, cfg.Interface); err != nil {
		log.Warnf("daemon: failed to join CoAP multicast group on %s: %v", cfg.Interface, err)
	}
	tx := newUDPEmitter(conn)

	ncCfg := netcore.Config{
		TCPConns: cfg.TCPConns, TCPListeners: cfg.TCPListeners, UDPAssocs: cfg.UDPAssocs,
		Transactions: cfg.Transactions, Observers: cfg.Observers, Observees: cfg.Observees,
		TickInterval: cfg.TickInterval,
	}
	core := netcore.New(ncCfg, tx, noopTCPApp{}, backend)
	if _, err := core.UDP.Table.New(uint16(cfg.CoAPPort), 0, nil, 0); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering CoAP association: %w", err)
	}

	sources := netstat.Sources{
		TCPConnsInUse:        core.TCP.ConnsInUse,
		UDPAssocsInUse:       core.UDP.Table.InUse,
		CoAPTransInUse:       core.Trans.InUse,
		CoAPRetransmitsTotal: core.Trans.TotalRetransmits,
		CoAPObserversInUse:   core.Observe.InUse,
	}
	if cc, ok := backend.(interface{ CompactionCount() int }); ok {
		sources.SettingsCompactions = map[string]func() int{string(cfg.Backend): cc.CompactionCount}
	}
	exporter := netstat.NewExporter(sources, cfg.TickInterval)

	return &Daemon{cfg: cfg, core: core, conn: conn, exporter: exporter}, nil
}

// Core exposes the wired networking core, e.g. for a CLI subcommand that
// wants direct settings.Store access.
func (d *Daemon) Core() *netcore.NetCore { return d.core }

// Run drives the daemon until ctx is canceled: a reader goroutine feeds
// ingress UDP datagrams to the core, a ticker drives retransmission, and
// the metrics exporter serves /metrics, all while the single core
// goroutine owns every pool.
func (d *Daemon) Run(ctx context.Context) error {
	if err := writePidFile(d.cfg.PidFile); err != nil {
		log.Warnf("daemon: failed to write pid file: %v", err)
	}

	go d.exporter.Run(ctx.Done())
	go d.exporter.Serve(d.cfg.MonitoringPort)
	go d.readLoop(ctx)
	go d.tickLoop(ctx)

	d.core.Run(ctx)
	return d.conn.Close()
}

func (d *Daemon) readLoop(ctx context.Context) {
	buf := make([]byte, 2048)
	for {
		n, raddr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log.Warnf("daemon: udp read: %v", err)
				continue
			}
		}
		payload := append([]byte(nil), buf[:n]...)
		dg := udpio.Datagram{
			SrcIP: raddr.IP, SrcPort: uint16(raddr.Port), DstPort: uint16(d.cfg.CoAPPort),
			Payload: payload, ChecksumOK: true,
		}
		d.core.Post(netcore.Event{UDPDatagram: &dg})
	}
}

func (d *Daemon) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.core.Post(netcore.Event{Tick: d.cfg.TickInterval})
		}
	}
}

func writePidFile(path string) error {
	if path == "" {
		return nil
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
