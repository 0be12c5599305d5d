package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/veritrail/veritrail/pkg/client"
)

// version is overridden by goreleaser via -ldflags "-X main.version=...".
var version = "dev"

var (
	serverURL string
	token     string
	cfgFile   string
	insecure  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "vtctl",
	Short: "veritrail operator CLI",
	Long: `vtctl is the operator command-line interface for veritrail.

It appends fiscal events, verifies tenant chains, manages signing
certificate usages, and runs retention sweeps against a running
veritrail service.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(home + "/.vtctl")
			viper.SetConfigName("config")
			viper.SetConfigType("yaml")
		}
		viper.AutomaticEnv()
		_ = viper.ReadInConfig()

		if serverURL == "" {
			serverURL = viper.GetString("server_url")
		}
		if serverURL == "" {
			serverURL = "http://localhost:8080"
		}
		if token == "" {
			token = viper.GetString("token")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.vtctl/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "veritrail service URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "operator bearer token")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "Skip TLS certificate verification (development only)")

	rootCmd.AddCommand(appendCmd)
	rootCmd.AddCommand(chainCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(certsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(resubmitCmd)
	rootCmd.AddCommand(versionCmd)
}

func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if insecure {
		opts = append(opts, client.WithInsecureSkipVerify())
	}
	return client.New(serverURL, opts...)
}

// ── append ───────────────────────────────────────────────────────────────────

var (
	appendTenant  string
	appendDocType string
	appendNumber  string
	appendSeries  string
	appendTaxable string
	appendTax     string
	appendTotal   string
	appendRegime  string
)

var appendCmd = &cobra.Command{
	Use:   "append",
	Short: "Append a fiscal event to a tenant's chain",
	Long: `Append chains a new fiscal event. With --regime the signed envelope
is also built and submitted to that regime's authority:

  vtctl append --tenant shop-1 --type invoice --number F-042 \
      --taxable 100.00 --tax 21.00 --total 121.00 --regime regime_a`,
	RunE: runAppend,
}

func init() {
	appendCmd.Flags().StringVar(&appendTenant, "tenant", "", "tenant id (required)")
	appendCmd.Flags().StringVar(&appendDocType, "type", "invoice", "document type: invoice, ticket, credit_note, refund")
	appendCmd.Flags().StringVar(&appendNumber, "number", "", "document number (required)")
	appendCmd.Flags().StringVar(&appendSeries, "series", "", "document series")
	appendCmd.Flags().StringVar(&appendTaxable, "taxable", "", "taxable amount")
	appendCmd.Flags().StringVar(&appendTax, "tax", "", "tax amount")
	appendCmd.Flags().StringVar(&appendTotal, "total", "", "total amount")
	appendCmd.Flags().StringVar(&appendRegime, "regime", "", "submit to regime: regime_a or regime_b")
	_ = appendCmd.MarkFlagRequired("tenant")
	_ = appendCmd.MarkFlagRequired("number")
}

func runAppend(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	result, err := c.AppendEvent(context.Background(), client.AppendRequest{
		TenantID:      appendTenant,
		DocType:       appendDocType,
		Number:        appendNumber,
		Series:        appendSeries,
		TaxableAmount: appendTaxable,
		TaxAmount:     appendTax,
		Total:         appendTotal,
		Regime:        appendRegime,
	})
	if err != nil {
		return err
	}

	fmt.Printf("appended %s (hash %s)\n", result.Entry.ID, short(result.Entry.Hash))
	if result.Envelope != nil {
		fmt.Printf("envelope %s: %s", result.Envelope.ID, result.Envelope.Status)
		if result.Envelope.AuthorityRef != "" {
			fmt.Printf(" (ref %s)", result.Envelope.AuthorityRef)
		}
		fmt.Println()
		fmt.Printf("qr: %s\n", result.Envelope.QRPayload)
	}
	if result.SubmissionError != "" {
		fmt.Printf("submission failed: %s", result.SubmissionError)
		if result.Retryable {
			fmt.Print(" (retryable)")
		}
		fmt.Println()
	}
	return nil
}

// ── chain ────────────────────────────────────────────────────────────────────

var chainCmd = &cobra.Command{
	Use:   "chain <tenant>",
	Short: "Print a tenant's fiscal chain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		entries, err := c.Chain(context.Background(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TIMESTAMP\tTYPE\tNUMBER\tTOTAL\tHASH\tARCHIVED")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%v\n",
				e.Timestamp.Format(time.RFC3339), e.DocType, e.Number, e.Total,
				short(e.Hash), e.Archived)
		}
		return w.Flush()
	},
}

// ── verify ───────────────────────────────────────────────────────────────────

var verifyCmd = &cobra.Command{
	Use:   "verify <tenant>",
	Short: "Verify a tenant's chain integrity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		report, err := c.VerifyChain(context.Background(), args[0])
		if err != nil {
			return err
		}
		if report.Valid {
			fmt.Println("chain OK")
			return nil
		}
		fmt.Printf("chain BROKEN at index %d: %s\n", report.BrokenAt, report.Reason)
		os.Exit(1)
		return nil
	},
}

// ── certs ────────────────────────────────────────────────────────────────────

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Manage signing certificates",
}

var certsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List signing certificates and their usages",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		certs, err := c.ListCertificates(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "THUMBPRINT\tHOLDER\tTAX ID\tEXPIRES\tUSAGES")
		for _, cert := range certs {
			usages := ""
			for i, u := range cert.Usages {
				if i > 0 {
					usages += ","
				}
				usages += u
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				short(cert.Thumbprint), cert.Holder, cert.TaxID,
				cert.NotAfter.Format("2006-01-02"), usages)
		}
		return w.Flush()
	},
}

var certsAssignCmd = &cobra.Command{
	Use:   "assign <thumbprint> <usage>",
	Short: "Register a certificate for a regime usage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.AssignUsage(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("assigned %s to %s\n", args[1], short(args[0]))
		return nil
	},
}

var certsRevokeCmd = &cobra.Command{
	Use:   "revoke <thumbprint> <usage>",
	Short: "Remove a certificate's regime usage",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		if err := c.RevokeUsage(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("revoked %s from %s\n", args[1], short(args[0]))
		return nil
	},
}

func init() {
	certsCmd.AddCommand(certsListCmd)
	certsCmd.AddCommand(certsAssignCmd)
	certsCmd.AddCommand(certsRevokeCmd)
}

// ── sweep ────────────────────────────────────────────────────────────────────

var sweepApply bool

var sweepCmd = &cobra.Command{
	Use:   "sweep <tenant> [tenant...]",
	Short: "Run a retention sweep",
	Long: `Sweep evaluates retention policies over the given tenants and reports
what would be archived. With --apply the eligible entries are archived.
Fiscal entries are never deleted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx := context.Background()

		if sweepApply {
			result, err := c.ApplyRetention(ctx, args)
			if err != nil {
				return err
			}
			fmt.Printf("evaluated %d entries, archived %d\n", result.Evaluated, result.Archived)
			return nil
		}

		report, err := c.Sweep(ctx, args)
		if err != nil {
			return err
		}
		fmt.Printf("evaluated %d entries, %d archivable\n", report.Evaluated, len(report.Archivable))
		for _, d := range report.Archivable {
			fmt.Printf("  %s  %s  eligible since %s\n",
				d.EntryID, d.TenantID, d.EligibleAt.Format("2006-01-02"))
		}
		return nil
	},
}

func init() {
	sweepCmd.Flags().BoolVar(&sweepApply, "apply", false, "archive the eligible entries")
}

// ── resubmit ─────────────────────────────────────────────────────────────────

var resubmitCmd = &cobra.Command{
	Use:   "resubmit <envelope-id>",
	Short: "Retry submission of a persisted envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		env, err := c.Resubmit(context.Background(), args[0])
		if err != nil {
			return err
		}
		out, _ := json.MarshalIndent(env, "", "  ")
		fmt.Println(string(out))
		return nil
	},
}

// ── version ──────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vtctl version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("vtctl", version)
	},
}

// short truncates a hash or thumbprint for table display.
func short(s string) string {
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
