// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/tombee/cascade/internal/log"
	"github.com/tombee/cascade/pkg/dag"
	"github.com/tombee/cascade/pkg/runner"
	"github.com/tombee/cascade/pkg/scheduler"
	"github.com/tombee/cascade/pkg/state/sqlite"
)

func newRunCmd() *cobra.Command {
	var (
		inputs    []string
		logLevel  string
		logFormat string
		statePath string
		traceOut  bool
	)

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Execute a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := log.FromEnv()
			if logLevel != "" {
				cfg.Level = logLevel
			}
			if logFormat != "" {
				cfg.Format = log.Format(logFormat)
			}
			logger := log.New(cfg)

			def, err := dag.LoadFile(args[0])
			if err != nil {
				return err
			}
			graph, err := def.Compile()
			if err != nil {
				return err
			}

			runInputs, err := parseInputs(inputs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if traceOut {
				exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
				if err != nil {
					return err
				}
				provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
				otel.SetTracerProvider(provider)
				defer provider.Shutdown(context.Background())
			}

			runID := uuid.NewString()
			opts := []runner.Option{
				runner.WithLogger(logger),
				runner.WithContextOptions(scheduler.WithRunID(runID)),
			}
			if statePath != "" {
				store, err := sqlite.New(sqlite.Config{Path: statePath}, runID, logger)
				if err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, runner.WithState(store))
			}

			result, err := runner.New(opts...).Run(ctx, graph, runInputs)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"runId":    result.RunID,
				"halted":   result.Halted,
				"response": result.Response,
			})
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "run input as key=value (repeatable; values parsed as JSON when possible)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "", "log format (json, text)")
	cmd.Flags().StringVar(&statePath, "state", "", "sqlite database path for persisted run state")
	cmd.Flags().BoolVar(&traceOut, "trace", false, "emit OpenTelemetry spans to stdout")
	return cmd
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <workflow.yaml>",
		Short: "Compile a workflow definition without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := dag.LoadFile(args[0])
			if err != nil {
				return err
			}
			graph, err := def.Compile()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d nodes, %d loops OK\n",
				graph.Name(), len(graph.Nodes()), len(graph.Loops()))
			return nil
		},
	}
}

// parseInputs turns repeated key=value flags into a run input map. Values
// that parse as JSON keep their type; anything else stays a string.
func parseInputs(pairs []string) (map[string]any, error) {
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q: expected key=value", pair)
		}
		var parsed any
		if err := json.Unmarshal([]byte(value), &parsed); err != nil {
			parsed = value
		}
		inputs[key] = parsed
	}
	return inputs, nil
}
