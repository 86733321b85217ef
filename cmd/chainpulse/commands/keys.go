package commands

import (
	"context"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/admission"
	"github.com/teranos/chainpulse/errors"
	"github.com/teranos/chainpulse/sym"
)

// KeysCmd manages API keys
var KeysCmd = &cobra.Command{
	Use:   "keys",
	Short: sym.Gate + " Manage API keys",
	Long: sym.Gate + ` keys - API key lifecycle.

Keys authenticate execution requests for one organization. Only the sha256
hash is stored; the plaintext is printed once at creation.

Examples:
  chainpulse keys create --org acme --name ci
  chainpulse keys ls --org acme
  chainpulse keys revoke <key-id>`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		name, _ := cmd.Flags().GetString("name")
		if org == "" {
			return errors.New("--org is required")
		}

		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		plaintext, key, err := admission.NewKeyStore(conn).Create(context.Background(), org, name)
		if err != nil {
			return err
		}
		pterm.Success.Printf("Created key %s for %s\n", key.ID, key.OrganizationID)
		pterm.Warning.Println("Store this key now, it will not be shown again:")
		pterm.Println(plaintext)
		return nil
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <key-id>",
	Short: "Revoke an API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := admission.NewKeyStore(conn).Revoke(context.Background(), args[0]); err != nil {
			return err
		}
		pterm.Success.Printf("Revoked key %s\n", args[0])
		return nil
	},
}

var keysLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List API keys for an organization",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		org, _ := cmd.Flags().GetString("org")
		if org == "" {
			return errors.New("--org is required")
		}

		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()

		keys, err := admission.NewKeyStore(conn).List(context.Background(), org)
		if err != nil {
			return err
		}
		if len(keys) == 0 {
			pterm.Info.Printf("No keys for %s\n", org)
			return nil
		}

		data := pterm.TableData{{"ID", "NAME", "PREFIX", "CREATED", "LAST USED", "REVOKED"}}
		for _, k := range keys {
			data = append(data, []string{
				k.ID, k.Name, k.Prefix,
				k.CreatedAt.Format("2006-01-02 15:04"),
				formatOptionalTime(k.LastUsedAt),
				formatOptionalTime(k.RevokedAt),
			})
		}
		return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	},
}

func init() {
	keysCreateCmd.Flags().String("org", "", "Organization id")
	keysCreateCmd.Flags().String("name", "", "Key name")
	keysLsCmd.Flags().String("org", "", "Organization id")

	KeysCmd.AddCommand(keysCreateCmd)
	KeysCmd.AddCommand(keysRevokeCmd)
	KeysCmd.AddCommand(keysLsCmd)
}
