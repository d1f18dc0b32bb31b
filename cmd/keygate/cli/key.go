package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tattty/keygate/internal/credential"
	"github.com/tattty/keygate/internal/fingerprint"
	"github.com/tattty/keygate/internal/license"
	"github.com/tattty/keygate/internal/store"
)

func newKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage license keys",
		Long:  "Issue and inspect license keys directly against the local store, without going through the HTTP API.",
	}

	cmd.AddCommand(newKeyIssueCmd())
	cmd.AddCommand(newKeyInspectCmd())
	cmd.AddCommand(newKeyAuditCmd())

	return cmd
}

// buildManager wires the same license manager the server uses, against the
// configured store. Callers must Close the returned store.
func buildManager() (*license.Manager, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	fp, err := fingerprint.New(cfg.License.EmailFingerprintSalt)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("initializing email fingerprinter: %w", err)
	}

	manager, err := license.NewManager(license.Config{
		KeyPrefix: cfg.License.KeyPrefix,
		Caps: license.Caps{
			ImagesPerDay:  cfg.License.ImagesPerDay,
			ARViewsPerDay: cfg.License.ARViewsPerDay,
		},
	}, st, fp, credential.NewHasher(credential.DefaultParams()), quietLogger())
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return manager, st, nil
}

// ---------- key issue ----------

func newKeyIssueCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a new license key",
		Long:  "Generate a license key bound to a customer email. The plaintext key is shown once and cannot be retrieved again.",
		Example: `  keygate key issue --email customer@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyIssue(email)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Customer email to bind the key to (required)")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runKeyIssue(email string) error {
	if !strings.Contains(email, "@") {
		return fmt.Errorf("invalid email address: %q", email)
	}

	manager, st, err := buildManager()
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := manager.Issue(context.Background(), email)
	if err != nil {
		return fmt.Errorf("issuing key: %w", err)
	}

	fmt.Println("License key issued:")
	fmt.Println()
	fmt.Printf("  Key:    %s\n", res.Plaintext)
	fmt.Printf("  Key ID: %s\n", res.KeyID)
	fmt.Println()
	fmt.Println("  Save this key now - it cannot be retrieved again.")
	return nil
}

// ---------- key inspect ----------

func newKeyInspectCmd() *cobra.Command {
	var email string

	cmd := &cobra.Command{
		Use:   "inspect KEY",
		Short: "Inspect a license key's status and today's usage",
		Args:  cobra.ExactArgs(1),
		Example: `  keygate key inspect TZY-XXXX-XXXX-XXXX-XXXX-XXXX-CC --email customer@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyInspect(args[0], email)
		},
	}

	cmd.Flags().StringVar(&email, "email", "", "Email the key was issued to (required)")
	cmd.MarkFlagRequired("email")

	return cmd
}

func runKeyInspect(rawKey, email string) error {
	manager, st, err := buildManager()
	if err != nil {
		return err
	}
	defer st.Close()

	res, err := manager.Validate(context.Background(), rawKey, email)
	if err != nil {
		return fmt.Errorf("validating key: %w", err)
	}

	caps := manager.Caps()
	fmt.Printf("  Valid:    %v\n", res.Valid)
	fmt.Printf("  Status:   %s\n", res.Status)
	if res.Valid {
		fmt.Printf("  Images:   %d / %d today\n", res.ImagesUsed, caps.ImagesPerDay)
		fmt.Printf("  AR views: %d / %d today\n", res.ARViewsUsed, caps.ARViewsPerDay)
	}
	return nil
}

// ---------- key audit ----------

func newKeyAuditCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "audit KEY_ID",
		Short: "Show the activation audit trail for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyAudit(args[0], jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runKeyAudit(keyID string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	entries, err := st.ListAuditEntries(context.Background(), keyID)
	if err != nil {
		return fmt.Errorf("listing audit entries: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No audit entries for this key.")
		return nil
	}

	fmt.Printf("%-22s %-10s %s\n", "TIME", "OUTCOME", "EMAIL (fingerprint)")
	for _, e := range entries {
		fmt.Printf("%-22s %-10s %s\n",
			e.CreatedAt.UTC().Format("2006-01-02 15:04:05"), e.Outcome, e.EmailFingerprint)
	}
	return nil
}
