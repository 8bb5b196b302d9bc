// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/packetd/rdx/confengine"
	"github.com/packetd/rdx/internal/sigs"
	"github.com/packetd/rdx/logger"
	"github.com/packetd/rdx/router"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Run a standalone rdx router, relaying datagrams between peers that cannot reach each other directly",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := confengine.LoadConfigPath(routerConfigPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}

		var rcfg router.Config
		if err := cfg.UnpackChild("router", &rcfg); err != nil {
			fmt.Fprintf(os.Stderr, "failed to unpack router config: %v\n", err)
			os.Exit(1)
		}

		r, err := router.New(rcfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create router: %v\n", err)
			os.Exit(1)
		}

		go func() {
			if err := r.Run(); err != nil {
				logger.Errorf("router stopped: %v", err)
			}
		}()

		logger.Infof("router listening on %s", r.Addr())
		<-sigs.Terminate()
		r.Close()
	},
	Example: "# rdx router --config rdx.yaml",
}

var routerConfigPath string

func init() {
	routerCmd.Flags().StringVar(&routerConfigPath, "config", "rdx.yaml", "Configuration file path")
	rootCmd.AddCommand(routerCmd)
}
