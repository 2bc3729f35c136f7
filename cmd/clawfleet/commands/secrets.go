package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jholhewres/clawfleet/pkg/clawfleet/secrets"
)

func newSecretsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage agent tokens",
		Long: `Store and retrieve the tokens agents reference via token_env. Secrets
go to the OS keyring when one is available, otherwise to an encrypted
vault file next to the fleet file.`,
	}
	cmd.AddCommand(
		newSecretsSetCmd(),
		newSecretsGetCmd(),
		newSecretsRmCmd(),
		newSecretsListCmd(),
	)
	return cmd
}

// vaultPath places the vault next to the fleet file when one can be
// found, falling back to the working directory.
func vaultPath(cmd *cobra.Command) string {
	if cfg, err := loadFleet(cmd); err == nil {
		return filepath.Join(cfg.ConfigDir, secrets.VaultFile)
	}
	return secrets.VaultFile
}

func openVault(cmd *cobra.Command, createIfMissing bool) (*secrets.Vault, error) {
	vault := secrets.NewVault(vaultPath(cmd))

	if !vault.Exists() {
		if !createIfMissing {
			return nil, fmt.Errorf("no vault at %s", vault.Path())
		}
		fmt.Printf("Creating vault at %s\n", vault.Path())
		password, err := secrets.ReadPassword("New vault password: ")
		if err != nil {
			return nil, err
		}
		confirm, err := secrets.ReadPassword("Confirm password: ")
		if err != nil {
			return nil, err
		}
		if password != confirm {
			return nil, fmt.Errorf("passwords do not match")
		}
		if err := vault.Create(password); err != nil {
			return nil, err
		}
		return vault, nil
	}

	password := os.Getenv(secrets.VaultPasswordEnv)
	if password == "" {
		var err error
		password, err = secrets.ReadPassword("Vault password: ")
		if err != nil {
			return nil, err
		}
	}
	if err := vault.Unlock(password); err != nil {
		return nil, err
	}
	return vault, nil
}

func newSecretsSetCmd() *cobra.Command {
	var useVault bool

	cmd := &cobra.Command{
		Use:   "set <name>",
		Short: "Store a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			value, err := secrets.ReadPassword(fmt.Sprintf("Value for %s: ", name))
			if err != nil {
				return err
			}
			if value == "" {
				return fmt.Errorf("empty value")
			}

			if !useVault && secrets.KeyringAvailable() {
				if err := secrets.StoreKeyring(name, value); err != nil {
					return err
				}
				fmt.Printf("Stored %s in the OS keyring.\n", name)
				return nil
			}

			vault, err := openVault(cmd, true)
			if err != nil {
				return err
			}
			if err := vault.Set(name, value); err != nil {
				return err
			}
			fmt.Printf("Stored %s in the vault.\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&useVault, "vault", false, "store in the vault even when a keyring is available")

	return cmd
}

func newSecretsGetCmd() *cobra.Command {
	var reveal bool

	cmd := &cobra.Command{
		Use:   "get <name>",
		Short: "Look a secret up through the resolution chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			resolver := secrets.NewResolver(vaultPath(cmd), quietLogger(cmd))
			value, source, ok := resolver.Resolve(name)
			if !ok {
				return fmt.Errorf("%s not found in environment, keyring or vault", name)
			}
			if reveal {
				fmt.Printf("%s (%s)\n", value, source)
			} else {
				fmt.Printf("%s is set (%s, %d chars)\n", name, source, len(value))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&reveal, "reveal", false, "print the secret value")

	return cmd
}

func newSecretsRmCmd() *cobra.Command {
	var fromVault bool

	cmd := &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if fromVault {
				vault, err := openVault(cmd, false)
				if err != nil {
					return err
				}
				if err := vault.Delete(name); err != nil {
					return err
				}
				fmt.Printf("Removed %s from the vault.\n", name)
				return nil
			}
			if err := secrets.DeleteKeyring(name); err != nil {
				return fmt.Errorf("removing %s from keyring: %w", name, err)
			}
			fmt.Printf("Removed %s from the OS keyring.\n", name)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fromVault, "vault", false, "remove from the vault instead of the keyring")

	return cmd
}

func newSecretsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List secrets stored in the vault",
		Long: `List vault entries. OS keyrings cannot be enumerated per service, so
keyring-stored secrets do not appear here; check them with "get".`,
		RunE: func(cmd *cobra.Command, args []string) error {
			vault, err := openVault(cmd, false)
			if err != nil {
				return err
			}
			keys, err := vault.Keys()
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				fmt.Println("Vault is empty.")
				return nil
			}
			for _, key := range keys {
				fmt.Println(key)
			}
			return nil
		},
	}
}
