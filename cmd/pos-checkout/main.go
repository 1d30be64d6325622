package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ms-mpesa/internal/auth"
	"ms-mpesa/internal/checkout"
	"ms-mpesa/internal/checkout/client"
	"ms-mpesa/internal/config"
	"ms-mpesa/internal/logger"
	"ms-mpesa/internal/models"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
)

var verbose bool

func main() {
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:          "pos-checkout",
		Short:        "Validate point-of-sale orders paid with M-Pesa",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log every poll and service call")

	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(statusCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer) *logger.Logger {
	log := logger.New(w)
	if !verbose {
		log.SetLevel(logger.WARN)
	}
	return log
}

// newBackend connects to the payment service with an M2M token when client
// credentials are configured.
func newBackend(cfg config.ClientConfig, log *logger.Logger) *client.Client {
	if cfg.TokenURL == "" {
		return client.New(cfg.ServiceURL, cfg.Timeout, nil, log)
	}

	var cache *auth.RedisTokenCache
	if cfg.RedisAddr != "" {
		rdb, err := auth.InitializeTokenCache(cfg.RedisAddr, log)
		if err != nil {
			log.Warn("AUTH", fmt.Sprintf("Shared token cache unavailable, continuing without it: %v", err))
		} else {
			cache = auth.NewRedisTokenCache(rdb, cfg.ClientID)
		}
	}

	tokens := auth.NewTokenSource(auth.M2MConfig{
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
	}, &http.Client{Timeout: 10 * time.Second}, cache, log)
	return client.New(cfg.ServiceURL, cfg.Timeout, tokens, log)
}

func validateCmd() *cobra.Command {
	var (
		reference string
		amount    string
		mpesaPart string
		push      bool
		phoneArg  string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Finalize an order, matching or requesting its M-Pesa payment",
		Long: `Finalize an order the way the till does.

Without --push the cashier picks the customer's payment from recent
unreconciled M-Pesa payments of the same amount. With --push the customer
gets an STK prompt and the command waits for the confirmation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			total, line, err := parseAmounts(amount, mpesaPart)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg := config.LoadClient()
			log := newLogger(cmd.ErrOrStderr())
			backend := newBackend(cfg, log)

			prompter := NewTerminalPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
			orch := checkout.NewOrchestrator(backend, prompter, cfg.Poll, log)

			if sessionID == "" {
				sessionID = reference
			}
			s := checkout.NewSession(sessionID, reference, backend.Finalizer(models.OrderRequest{
				Reference:     reference,
				Amount:        total,
				PaymentMethod: paymentMethod(line),
			}))
			if line.IsPositive() {
				s.MpesaLine = &checkout.PaymentLine{Amount: line}
			}
			s.PushEnabled = push

			var res checkout.FlowResult
			if push && phoneArg != "" && s.MpesaLine != nil {
				res = orch.PushAndWait(ctx, s, phoneArg)
			} else {
				res = orch.Validate(ctx, s)
			}
			return report(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVarP(&reference, "ref", "r", "", "order reference")
	cmd.Flags().StringVarP(&amount, "amount", "a", "", "order total in KES")
	cmd.Flags().StringVar(&mpesaPart, "mpesa-amount", "", "part of the total paid with M-Pesa (default: the whole total; 0 for none)")
	cmd.Flags().BoolVarP(&push, "push", "p", false, "send an STK push instead of matching a received payment")
	cmd.Flags().StringVar(&phoneArg, "phone", "", "customer phone for --push; prompted when omitted")
	cmd.Flags().StringVar(&sessionID, "session", "", "checkout session id (default: the order reference)")
	_ = cmd.MarkFlagRequired("ref")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

// parseAmounts reads the order total and the part of it paid with M-Pesa.
// An empty M-Pesa part means the whole total.
func parseAmounts(amount, mpesaPart string) (total, line decimal.Decimal, err error) {
	total, err = decimal.NewFromString(amount)
	if err != nil || !total.IsPositive() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid amount %q", amount)
	}
	if mpesaPart == "" {
		return total, total, nil
	}
	line, err = decimal.NewFromString(mpesaPart)
	if err != nil || line.IsNegative() {
		return decimal.Zero, decimal.Zero, fmt.Errorf("invalid M-Pesa amount %q", mpesaPart)
	}
	if line.GreaterThan(total) {
		return decimal.Zero, decimal.Zero, fmt.Errorf("M-Pesa amount %s exceeds the order total %s", line.StringFixed(2), total.StringFixed(2))
	}
	return total, line, nil
}

func paymentMethod(mpesaLine decimal.Decimal) string {
	if mpesaLine.IsPositive() {
		return "mpesa"
	}
	return "cash"
}

// report prints the flow result and turns an aborted checkout into a
// non-zero exit.
func report(w io.Writer, res checkout.FlowResult) error {
	if !res.Finalized() {
		color.New(color.FgRed, color.Bold).Fprintf(w, "Order not validated: %s\n", res.Message)
		if res.Err != nil {
			return res.Err
		}
		return errors.New("checkout aborted")
	}

	color.New(color.FgGreen, color.Bold).Fprintf(w, "Order %s validated (%s)\n", res.OrderID, res.Decision)
	if res.Reconciliation != nil {
		fmt.Fprintln(w, res.Message)
	}
	if res.Outcome != nil && res.Outcome.ReceiptNumber != "" {
		fmt.Fprintf(w, "M-Pesa receipt: %s\n", res.Outcome.ReceiptNumber)
	}
	return nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [checkoutRequestId]",
		Short: "Show what is known about an STK push",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadClient()
			backend := newBackend(cfg, newLogger(cmd.ErrOrStderr()))
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			local, err := backend.CheckCallbackReceived(ctx, args[0])
			if err != nil {
				return fmt.Errorf("callback lookup: %w", err)
			}
			if local.CallbackReceived {
				fmt.Fprintf(out, "Callback: %s (receipt %s, KES %s) %s\n",
					local.Status, local.ReceiptNumber, local.Amount.StringFixed(2), local.ResultDesc)
			} else {
				fmt.Fprintln(out, "Callback: not received")
			}

			remote, err := backend.CheckStatus(ctx, args[0])
			if err != nil {
				return fmt.Errorf("status query: %w", err)
			}
			fmt.Fprintf(out, "M-Pesa:   %s %s%s\n", remote.Status, remote.Message, remote.Error)
			return nil
		},
	}
}
