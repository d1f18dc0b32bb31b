package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tattty/keygate/internal/openapi"
)

func newOpenAPICmd() *cobra.Command {
	var baseURL string

	cmd := &cobra.Command{
		Use:   "openapi",
		Short: "Print the OpenAPI document for the HTTP API",
		Long:  "Generate the OpenAPI 3.1 document the server exposes at /openapi.json and write it to stdout.",
		RunE: func(cmd *cobra.Command, args []string) error {
			doc := openapi.GenerateSpec(baseURL, appVersion)
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(doc); err != nil {
				return fmt.Errorf("encoding document: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080", "Server URL to embed in the document")

	return cmd
}
