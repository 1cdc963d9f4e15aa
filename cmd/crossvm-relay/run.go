package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pkg.world.dev/world-engine/crossvm/relay"
	"pkg.world.dev/world-engine/crossvm/telemetry"
)

func newRunCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "run [scenario...]",
		Short: "Run scenarios, all of them when none is named",
		Long: "Run scenarios in the given order. Without arguments the value scenarios run in order and the " +
			"multisig vote runs next to them when multisig.enabled is set.\n\nScenarios: " +
			strings.Join(relay.Scenarios(), ", "),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			shutdown, err := telemetry.Init(ctx, cfg.Telemetry, log.Logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := shutdown(ctx); err != nil {
					log.Warn().Err(err).Msg("failed to shut down telemetry")
				}
			}()

			n, err := newNode(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := n.close(); err != nil {
					log.Warn().Err(err).Msg("failed to close clients")
				}
			}()
			r, err := n.relay()
			if err != nil {
				return err
			}

			var results []*relay.Result
			if len(args) == 0 {
				results, err = r.RunAll(ctx)
			} else {
				results, err = r.Run(ctx, args...)
			}
			printResults(cmd.OutOrStdout(), results)
			return err
		},
	}
}

func printResults(w io.Writer, results []*relay.Result) {
	for _, res := range results {
		fmt.Fprintf(w, "%s:", res.Scenario)
		if res.Registry != (common.Address{}) {
			fmt.Fprintf(w, " registry=%s", res.Registry.Hex())
		}
		if res.Number != nil {
			fmt.Fprintf(w, " number=%s", res.Number)
		}
		if res.Scenario == relay.ScenarioAccountOriginated || res.Scenario == relay.ScenarioContractOriginated {
			fmt.Fprintf(w, " nonce_before=%d nonce_used=%d", res.NonceBefore, res.NonceUsed)
		}
		if res.Vote != nil {
			fmt.Fprintf(w, " vote=%s safe=%s multisig=%s sequence=%d", res.Vote.Kind, res.Vote.Safe.Hex(),
				res.Vote.Multisig, res.Vote.Sequence)
		}
		for _, exec := range res.Executions {
			fmt.Fprintf(w, "\n  %s %s %s", exec.Chain, exec.State(), exec.TxID)
		}
		fmt.Fprintln(w)
	}
}
