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

// Package cmd implements iotcored's cobra CLI: serve runs the networking
// core, settings dump/compact inspect and maintain a settings backend
// offline, matching the ptpcheck cmd package's RootCmd/AddCommand shape.
package cmd

import (
	"fmt"
	"os"

	"github.com/facebookincubator/iotcore/cmd/iotcored/daemon"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootCmd is iotcored's entry point, exported so it can be extended
// without touching core functionality.
var RootCmd = &cobra.Command{
	Use:   "iotcored",
	Short: "Embedded TCP/CoAP/settings networking core daemon",
}

var configFileFlag string

func init() {
	RootCmd.PersistentFlags().StringVarP(&configFileFlag, "config", "c", "", "path to a YAML config file")
}

// loadConfig reads configFileFlag if set, else returns the defaults.
func loadConfig() (*daemon.Config, error) {
	if configFileFlag == "" {
		return daemon.DefaultConfig(), nil
	}
	return daemon.ReadConfig(configFileFlag)
}

func configureLogLevel(level string) {
	switch level {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning", "":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", level)
	}
}

// Execute is the main entry point for the CLI.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
