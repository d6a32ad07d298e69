package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"paidagent/orchestrator/internal/model"
)

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage GitHub tokens accounts authenticate with",
}

var tokensAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register a GitHub token for an account",
	RunE:  addToken,
}

func init() {
	rootCmd.AddCommand(tokensCmd)
	tokensCmd.AddCommand(tokensAddCmd)

	tokensAddCmd.Flags().Int64("account", 0, "Owning account id")
	tokensAddCmd.Flags().String("name", "", "Human-readable token name")
	tokensAddCmd.Flags().String("value", "", "Token value (already encrypted at rest by the deployment's secret store)")
	tokensAddCmd.Flags().StringSlice("scopes", nil, "OAuth scopes granted to this token")
}

func addToken(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	accountID, _ := cmd.Flags().GetInt64("account")
	name, _ := cmd.Flags().GetString("name")
	value, _ := cmd.Flags().GetString("value")
	scopes, _ := cmd.Flags().GetStringSlice("scopes")

	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("--value is required")
	}

	token, err := st.CreateGithubToken(context.Background(), model.GithubToken{
		AccountID:   accountID,
		Name:        name,
		TokenCipher: value,
		Scopes:      scopes,
	})
	if err != nil {
		return fmt.Errorf("create token: %w", err)
	}

	fmt.Printf("created token %d (%s)\n", token.ID, token.Name)
	return nil
}
