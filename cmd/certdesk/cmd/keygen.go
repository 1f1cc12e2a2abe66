package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/certdesk/certdesk/keyprotect"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate a master key for sealing stored private keys",
	Long: `Generates a random master key, printed base64-encoded. Export it as
` + keyprotect.MasterKeyEnv + ` before starting the server. Losing the key
makes every stored private key unrecoverable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := keyprotect.NewMasterKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
