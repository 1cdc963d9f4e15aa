package main

import (
	"fmt"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"pkg.world.dev/world-engine/crossvm/address"
	"pkg.world.dev/world-engine/crossvm/chain/movevm"
	"pkg.world.dev/world-engine/crossvm/nonce"
)

func newNonceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "nonce <evm-address>",
		Short: "Print the next cross-VM nonce of an EVM account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			account, err := address.ParseEVM(args[0])
			if err != nil {
				return err
			}
			cfg, err := c.load()
			if err != nil {
				return err
			}
			adapter := movevm.New(movevm.NewClient(cfg.Move.RPCURL), movevm.WithLogger(log.Logger))
			n, err := nonce.NewResolver(adapter, nonce.WithLogger(log.Logger)).Resolve(cmd.Context(), account)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
}

func newTranscodeCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "transcode <address>",
		Short: "Convert an address between the EVM and Move address spaces",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := address.ParseKind(target)
			if err != nil {
				return err
			}
			addr, err := address.Parse(args[0])
			if err != nil {
				return err
			}
			out, err := address.Transcode(addr, kind)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "to", "", "target address space: evm or move")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func newVoteStateCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "vote-state <multisig> <sequence> <voter>",
		Short: "Print whether voter voted on a pending Move multisig transaction",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			multisigAddr, err := address.ParseMove(args[0])
			if err != nil {
				return err
			}
			sequence, err := strconv.ParseUint(args[1], 10, 64)
			if err != nil {
				return eris.Wrapf(err, "invalid sequence %q", args[1])
			}
			voter, err := address.Parse(args[2])
			if err != nil {
				return err
			}
			// A Safe is given by its EVM address and votes as its Move twin.
			voterMove, err := address.Transcode(voter, address.KindMove)
			if err != nil {
				return err
			}
			m, _ := voterMove.Move()

			cfg, err := c.load()
			if err != nil {
				return err
			}
			if !cfg.Multisig.Enabled {
				return eris.New("vote-state needs multisig.enabled")
			}
			n, err := newNode(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := n.close(); err != nil {
					log.Warn().Err(err).Msg("failed to close clients")
				}
			}()
			state, err := n.coordinator.VoteState(cmd.Context(), multisigAddr, sequence, m)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voted=%t approved=%t\n", state.Voted, state.Approved)
			return nil
		},
	}
}
