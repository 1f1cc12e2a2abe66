package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/certdesk/certdesk/api"
	"github.com/certdesk/certdesk/internal/uuid"
	"github.com/certdesk/certdesk/request"
)

var (
	tokenUserID   string
	tokenUsername string
	tokenAdmin    bool
	tokenTTL      time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an API bearer token",
	Long: `Mints a signed bearer token for the API. The signing secret is read
from the ` + AuthSecretEnv + ` environment variable and must match the one
the server was started with.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret := os.Getenv(AuthSecretEnv)
		if secret == "" {
			return fmt.Errorf("%s must be set", AuthSecretEnv)
		}
		if tokenUsername == "" {
			return fmt.Errorf("--username is required")
		}
		if tokenUserID == "" {
			tokenUserID = uuid.New()
		}

		token, err := api.MintToken([]byte(secret), request.User{
			ID:       tokenUserID,
			Username: tokenUsername,
			Admin:    tokenAdmin,
		}, tokenTTL)
		if err != nil {
			return fmt.Errorf("minting token: %w", err)
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().StringVar(&tokenUserID, "user-id", "", "User ID claim (random when omitted)")
	tokenCmd.Flags().StringVarP(&tokenUsername, "username", "u", "", "Username claim")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant admin rights")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
