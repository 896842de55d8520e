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

package cmd

import (
	"context"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"

	"github.com/facebookincubator/iotcore/cmd/iotcored/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	serveBackendFlag  string
	serveCoAPPortFlag int
	serveDebugAddr    string
)

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveBackendFlag, "backend", "", "override the configured settings backend (log, eeprom, retention, zms, memory)")
	serveCmd.Flags().IntVar(&serveCoAPPortFlag, "coap-port", 0, "override the configured CoAP port")
	serveCmd.Flags().StringVar(&serveDebugAddr, "pprof-addr", "", "host:port for the pprof profiler to bind")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the networking core: TCP state machine, CoAP engine, settings store",
	RunE: func(c *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if serveBackendFlag != "" {
			cfg.Backend = daemon.BackendKind(serveBackendFlag)
		}
		if serveCoAPPortFlag != 0 {
			cfg.CoAPPort = serveCoAPPortFlag
		}
		if serveDebugAddr != "" {
			cfg.DebugAddr = serveDebugAddr
		}
		configureLogLevel(cfg.LogLevel)

		if cfg.DebugAddr != "" {
			log.Warnf("starting profiler on %s", cfg.DebugAddr)
			go func() {
				log.Println(http.ListenAndServe(cfg.DebugAddr, nil))
			}()
		}

		d, err := daemon.New(cfg)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Infof("iotcored serving CoAP on %s:%d with %s settings backend", cfg.BindIP, cfg.CoAPPort, cfg.Backend)
		return d.Run(ctx)
	},
}
