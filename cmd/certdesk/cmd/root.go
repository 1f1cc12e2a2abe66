package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "certdesk",
	Short: "CertDesk is a certificate issuance service",
	Long: `A certificate issuance desk: manage certificate authorities, review
certificate requests, and issue X.509 certificates signed by the active CA.`,
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
