package cmd

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/epcalc/epcalc/server"
)

var (
	keyOwner string // owner label for a new key
	keyAdmin bool   // mark the new key as admin
)

// withApp runs fn against a fully built (but not serving) application
// and releases its resources afterwards.
func withApp(fn func(app *server.App) error) {
	cfg, err := loadConfig()
	if err != nil {
		logrus.Fatalf("configuration: %v", err)
	}
	app, err := server.NewApp(cfg)
	if err != nil {
		logrus.Fatalf("startup: %v", err)
	}
	defer app.Close()
	if err := fn(app); err != nil {
		logrus.Fatalf("%v", err)
	}
}

// keysCmd groups API key management
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage API keys",
}

var keysCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Issue a new API key",
	Run: func(cmd *cobra.Command, args []string) {
		withApp(func(app *server.App) error {
			key, raw, err := app.Keys().Create(keyOwner, keyAdmin)
			if err != nil {
				return err
			}
			fmt.Printf("id:      %s\n", key.ID)
			fmt.Printf("owner:   %s\n", key.Owner)
			fmt.Printf("admin:   %v\n", key.IsAdmin)
			fmt.Printf("raw key: %s\n", raw)
			fmt.Println("The raw key is shown once and cannot be recovered.")
			return nil
		})
	},
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued keys",
	Run: func(cmd *cobra.Command, args []string) {
		withApp(func(app *server.App) error {
			keys, err := app.Keys().List()
			if err != nil {
				return err
			}
			for _, k := range keys {
				status := "active"
				if k.Revoked() {
					status = "revoked"
				}
				fmt.Printf("%s  %-8s  admin=%-5v  %s  %s\n",
					k.ID, status, k.IsAdmin, k.CreatedAt.Format(time.RFC3339), k.Owner)
			}
			return nil
		})
	},
}

var keysRevokeCmd = &cobra.Command{
	Use:   "revoke <id>",
	Short: "Revoke a key by id",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		withApp(func(app *server.App) error {
			if err := app.Keys().Revoke(args[0]); err != nil {
				return err
			}
			fmt.Println("revoked")
			return nil
		})
	},
}

func init() {
	keysCreateCmd.Flags().StringVar(&keyOwner, "owner", "", "Owner label for the new key")
	keysCreateCmd.Flags().BoolVar(&keyAdmin, "admin", false, "Grant admin rights to the new key")

	keysCmd.AddCommand(keysCreateCmd, keysListCmd, keysRevokeCmd)
	rootCmd.AddCommand(keysCmd)
}
