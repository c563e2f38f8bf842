package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/tachi-protocol/gateway/internal/safety"
)

var scanContentFile string

var scanCmd = &cobra.Command{
	Use:   "scan <url>",
	Short: "Run the safety gate against a URL offline",
	Long:  "Scans a URL the way the request path would, without fetching or charging. With --content, also sanitizes a local file as if it were the fetched body.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		scanner, err := safety.New(cfg.Safety)
		if err != nil {
			return eris.Wrap(err, "load safety patterns")
		}

		out := struct {
			URL     safety.URLScanResult      `json:"url"`
			Content *safety.ContentScanResult `json:"content,omitempty"`
		}{
			URL: scanner.ScanURL(args[0]),
		}

		if scanContentFile != "" {
			body, err := os.ReadFile(scanContentFile)
			if err != nil {
				return eris.Wrap(err, "read content file")
			}
			res := scanner.SanitizeContent(body, safety.SanitizeOptions{})
			out.Content = &res
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	scanCmd.Flags().StringVar(&scanContentFile, "content", "", "file to sanitize as fetched content")
	rootCmd.AddCommand(scanCmd)
}
