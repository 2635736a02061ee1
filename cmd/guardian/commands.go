package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	xerrors "guardian-bootstrap/internal/errors"
	"guardian-bootstrap/internal/faucet"
	"guardian-bootstrap/internal/pipeline"
	"guardian-bootstrap/internal/tokens"
	"guardian-bootstrap/internal/web3"
)

func newRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "guardian",
		Short:         "Bootstrap a guardian worker: fund, mint, launch, discover the burner and delegate",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.load()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "configuration file path (default $GUARDIAN_CONFIG or config.yaml)")

	root.AddCommand(
		newPipelineCommand(a, "bootstrap", "Run the whole pipeline from owner funding to delegation", variant{mint: true}),
		newPipelineCommand(a, "delegate", "Launch the worker, fund the burner and delegate existing tokens", variant{skipOwnerFunding: true}),
		newFaucetCommand(a),
		newMintCommand(a),
		newTokensCommand(a),
		newRunsCommand(a),
	)
	return root
}

func newPipelineCommand(a *app, use, short string, v variant) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long: short + ".\n\n" +
			"A burner recorded in the checkpoint is reused, skipping the worker launch and log discovery,\n" +
			"only when pipeline.reuse_worker is true. Otherwise the worker is relaunched and its new\n" +
			"burner is discovered from the logs.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			orchestrator, owner, err := a.pipeline(cmd.Context(), v)
			if err != nil {
				return failed(err)
			}
			res, err := orchestrator.Run(cmd.Context(), owner)
			printResult(cmd, res)
			if err != nil {
				return &exitError{code: exitFailed, err: fmt.Errorf("aborted: %s: %w", res.Stage, err)}
			}
			return nil
		},
	}
}

func newFaucetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "faucet <address>",
		Short: "Request test funds for an address (exit 0 ok, 2 failed, 3 disabled)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := web3.IdentityFromAddress(args[0])
			if err != nil {
				return &exitError{code: exitUsage, err: err}
			}
			client, err := a.faucet()
			if err != nil {
				return failed(err)
			}
			if !client.Enabled() {
				fmt.Fprintln(cmd.OutOrStdout(), "faucet disabled")
				return failed(faucet.ErrDisabled)
			}
			if err := client.Claim(cmd.Context(), id.Address); err != nil {
				return failed(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "funding requested for %s\n", id.Address.Hex())
			return nil
		},
	}
}

func newMintCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mint",
		Short: "Mint ownership tokens and record their ids",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()
			if err := a.cfg.Validate(); err != nil {
				return failed(err)
			}
			owner, err := a.owner()
			if err != nil {
				return failed(err)
			}
			amounts, err := a.cfg.Amounts()
			if err != nil {
				return failed(xerrors.Wrap(xerrors.CodeConfiguration, err, "解析金额失败"))
			}
			client, chainID, err := a.chain(ctx)
			if err != nil {
				return failed(err)
			}
			nft, _, err := a.contracts(client)
			if err != nil {
				return failed(err)
			}
			store, err := a.checkpoint(ctx)
			if err != nil {
				return failed(err)
			}
			minter, err := a.minter(web3.NewTransactor(client, chainID), nft, store, amounts.PricePerNFT)
			if err != nil {
				return failed(err)
			}
			ids, err := minter.Mint(ctx, owner)
			if err != nil {
				return failed(err)
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no token ids found in the receipt; set discovery.token_ids manually")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "minted: %s\n", joinIDs(ids))
			return nil
		},
	}
}

func newTokensCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tokens",
		Short: "Print the token ids delegation would use",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			ctx := cmd.Context()
			if err := a.cfg.Validate(); err != nil {
				return failed(err)
			}
			owner, err := a.owner()
			if err != nil {
				return failed(err)
			}
			opts, err := a.tokenOptions()
			if err != nil {
				return failed(err)
			}
			client, _, err := a.chain(ctx)
			if err != nil {
				return failed(err)
			}
			nft, _, err := a.contracts(client)
			if err != nil {
				return failed(err)
			}
			store, err := a.checkpoint(ctx)
			if err != nil {
				return failed(err)
			}
			res, err := tokens.NewDiscoverer(store, nft, opts).Discover(ctx, owner.Address)
			if err != nil {
				return failed(err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", joinIDs(res.Tokens), res.Source)
			return nil
		},
	}
}

func newRunsCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent pipeline runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			defer a.close()
			repo, err := a.history(cmd.Context())
			if err != nil {
				return failed(err)
			}
			if repo == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "run history disabled")
				return nil
			}
			records, err := repo.ListLatest(cmd.Context(), limit)
			if err != nil {
				return failed(err)
			}
			out := cmd.OutOrStdout()
			for _, r := range records {
				line := fmt.Sprintf("%s  %s  %-8s owner=%s", time.Unix(r.StartedAt, 0).Format(time.RFC3339), r.ID, r.State, r.Owner)
				if r.Burner != "" {
					line += " burner=" + r.Burner
				}
				if r.Stage != "" {
					line += fmt.Sprintf(" stage=%s reason=%q", r.Stage, r.Reason)
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to show")
	return cmd
}

func printResult(cmd *cobra.Command, res pipeline.Result) {
	out := cmd.OutOrStdout()
	if res.State == pipeline.StateDone {
		fmt.Fprintln(out, "done")
	} else {
		fmt.Fprintf(out, "aborted: %s: %s\n", res.Stage, res.Reason)
	}
	if res.Burner != (common.Address{}) {
		fmt.Fprintf(out, "burner: %s\n", res.Burner.Hex())
	}
	if len(res.Tokens) > 0 {
		fmt.Fprintf(out, "tokens: %s (%s)\n", joinIDs(res.Tokens), res.TokenSource)
	}
	for _, sub := range res.Submissions {
		fmt.Fprintf(out, "%s token=%s nonce=%d tx=%s\n", sub.Label, sub.TokenID, sub.Nonce, sub.Hash.Hex())
	}
}

func joinIDs[T fmt.Stringer](ids []T) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.String()
	}
	return strings.Join(parts, ",")
}

func web3Address(hex string) common.Address {
	return common.HexToAddress(strings.TrimSpace(hex))
}

// envList 将 worker.env 转为按键排序的 KEY=VALUE 列表。
func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
