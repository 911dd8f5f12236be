package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atmx/interest-engine/internal/model"
	"github.com/atmx/interest-engine/internal/settlement"
)

var accrualCmd = &cobra.Command{
	Use:   "accrual <market-id> <user-id>",
	Short: "Preview the interest a user could claim now",
	Args:  cobra.ExactArgs(2),
	RunE:  runAccrual,
}

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Run interest settlements",
}

var settleResolutionCmd = &cobra.Command{
	Use:   "resolution <market-id>",
	Short: "Resolve a market and pay resolution interest to every holder",
	Args:  cobra.ExactArgs(1),
	RunE:  runSettleResolution,
}

var settleSellCmd = &cobra.Command{
	Use:   "sell <market-id> <user-id>",
	Short: "Pay a user's accrued interest at the live probability",
	Args:  cobra.ExactArgs(2),
	RunE:  runSettleSell,
}

var (
	flagAnswer string
	flagAt     string
	flagProb   string
	flagKind   string
	flagDryRun bool
)

func init() {
	for _, c := range []*cobra.Command{accrualCmd, settleResolutionCmd, settleSellCmd} {
		c.Flags().StringVar(&flagAnswer, "answer", "", "Sub-answer ID (empty for binary markets)")
		c.Flags().StringVar(&flagAt, "at", "", "Settlement time, RFC3339 (default now)")
		c.Flags().StringVar(&flagProb, "prob", "", "YES probability (live for sells, required for MKT)")
	}
	settleResolutionCmd.Flags().StringVar(&flagKind, "kind", "", "Resolution: YES, NO, MKT or CANCEL")
	settleResolutionCmd.Flags().BoolVar(&flagDryRun, "dry-run", false, "List what would be paid without paying it")
	_ = settleResolutionCmd.MarkFlagRequired("kind")

	settleCmd.AddCommand(settleResolutionCmd)
	settleCmd.AddCommand(settleSellCmd)
}

// AccrualCommand returns the accrual command
func AccrualCommand() *cobra.Command {
	return accrualCmd
}

// SettleCommand returns the settle command
func SettleCommand() *cobra.Command {
	return settleCmd
}

func (e *env) service() *settlement.Service {
	return settlement.NewService(e.store, e.cfg.Gate(), e.cfg.SettlementPolicy(), nil)
}

func sellRequest(marketID, userID string) (settlement.SellRequest, error) {
	at, err := parseAt(flagAt)
	if err != nil {
		return settlement.SellRequest{}, err
	}
	prob, err := parseProb(flagProb)
	if err != nil {
		return settlement.SellRequest{}, err
	}
	return settlement.SellRequest{
		MarketID: marketID,
		AnswerID: flagAnswer,
		UserID:   userID,
		Time:     at,
		Prob:     prob,
	}, nil
}

func runAccrual(c *cobra.Command, args []string) error {
	req, err := sellRequest(args[0], args[1])
	if err != nil {
		return err
	}
	ctx := c.Context()
	e, err := openEnv(ctx, c)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.service().Accrual(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(c.OutOrStdout(), res)
}

func runSettleSell(c *cobra.Command, args []string) error {
	req, err := sellRequest(args[0], args[1])
	if err != nil {
		return err
	}
	ctx := c.Context()
	e, err := openEnv(ctx, c)
	if err != nil {
		return err
	}
	defer e.close()

	res, err := e.service().SettleOnSell(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(c.OutOrStdout(), res)
}

func runSettleResolution(c *cobra.Command, args []string) error {
	switch flagKind {
	case model.ResolutionYes, model.ResolutionNo, model.ResolutionMkt, model.ResolutionCancel:
	default:
		return fmt.Errorf("--kind must be YES, NO, MKT or CANCEL, got %q", flagKind)
	}
	at, err := parseAt(flagAt)
	if err != nil {
		return err
	}
	prob, err := parseProb(flagProb)
	if err != nil {
		return err
	}
	if flagKind == model.ResolutionMkt && prob == nil {
		return fmt.Errorf("--prob is required for MKT resolutions")
	}
	req := settlement.ResolutionRequest{
		MarketID: args[0],
		AnswerID: flagAnswer,
		Time:     at,
		Kind:     flagKind,
		Prob:     prob,
	}

	ctx := c.Context()
	e, err := openEnv(ctx, c)
	if err != nil {
		return err
	}
	defer e.close()

	if flagDryRun {
		owed, err := e.service().SettleResolution(ctx, req)
		if err != nil {
			return err
		}
		return printJSON(c.OutOrStdout(), owed)
	}

	payouts, err := e.service().Resolve(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.ErrOrStderr(), "Paid %d holders.\n", len(payouts))
	return printJSON(c.OutOrStdout(), payouts)
}
