/*
 * Copyright 2025 The Perch Authors. All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/perchdb/perch/pkg/db"
)

var configFile string

// cliConfig is the optional YAML configuration of the inspection
// commands.
type cliConfig struct {
	Collections []string `yaml:"collections"`
}

func loadCLIConfig() (cliConfig, error) {
	cfg := cliConfig{}
	if configFile == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", configFile, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", configFile, err)
	}
	return cfg, nil
}

func openReadOnly(path string) (*db.Database, error) {
	cfg := db.DefaultConfig()
	cfg.ReadOnly = true
	return db.Open(path, cfg)
}

func newInfoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info [path]",
		Short: "Print information about a database bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cliCfg, err := loadCLIConfig()
			if err != nil {
				return err
			}

			database, err := openReadOnly(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			fmt.Printf("Name:        %s\n", database.Name())
			fmt.Printf("Public UUID: %s\n", database.UUIDs().Public)
			fmt.Printf("Peer ID:     %s\n", database.PeerID())

			ctx := context.Background()
			collections := cliCfg.Collections
			if len(collections) == 0 {
				collections = []string{db.DefaultCollectionName}
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"COLLECTION", "DOCUMENTS", "LAST SEQUENCE"})
			for _, name := range collections {
				coll, err := database.Collection(name)
				if err != nil {
					return err
				}
				count, err := coll.DocumentCount(ctx)
				if err != nil {
					return err
				}
				lastSeq, err := coll.LastSequence(ctx)
				if err != nil {
					return err
				}
				tw.AppendRow(table.Row{name, count, lastSeq})
			}
			tw.Render()
			return nil
		},
	}
}

func newIndexesCmd() *cobra.Command {
	var collection string

	cmd := &cobra.Command{
		Use:   "indexes [path]",
		Short: "List the indexes of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openReadOnly(args[0])
			if err != nil {
				return err
			}
			defer func() { _ = database.Close() }()

			coll, err := database.Collection(collection)
			if err != nil {
				return err
			}
			infos, err := coll.IndexesInfo(context.Background())
			if err != nil {
				return err
			}

			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"NAME", "TYPE", "EXPRESSION", "TABLE"})
			for _, info := range infos {
				tw.AppendRow(table.Row{
					info.Spec.Name, info.Spec.Type.String(), info.Spec.Expression, info.Table,
				})
			}
			tw.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&collection, "collection", db.DefaultCollectionName,
		"collection to list indexes for")
	return cmd
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to a YAML config file")
	rootCmd.AddCommand(newInfoCmd())
	rootCmd.AddCommand(newIndexesCmd())
}
