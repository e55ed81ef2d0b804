package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/agenthq/agenthq/internal/auth"
	"github.com/agenthq/agenthq/internal/config"
)

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage server accounts",
	}
	cmd.AddCommand(userAddCmd())
	return cmd
}

func userAddCmd() *cobra.Command {
	var settingsFlag string
	var passwordFlag string

	cmd := &cobra.Command{
		Use:   "add <username>",
		Short: "Create an account, prompting for the password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings(settingsFlag)
			if err != nil {
				return err
			}
			store, err := auth.Open(settings.AuthDB)
			if err != nil {
				return fmt.Errorf("open auth db: %w", err)
			}
			defer store.Close()

			password := passwordFlag
			if password == "" {
				password, err = promptPassword()
				if err != nil {
					return err
				}
			}

			if err := store.SeedUser(args[0], password); err != nil {
				return err
			}
			fmt.Printf("user %s ready\n", strings.ToLower(strings.TrimSpace(args[0])))
			return nil
		},
	}

	cmd.Flags().StringVar(&settingsFlag, "config", "agenthq.yaml", "path to the settings file")
	cmd.Flags().StringVar(&passwordFlag, "password", "", "password (prompted when omitted)")

	return cmd
}

func promptPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("stdin is not a terminal; pass --password")
	}
	fmt.Print("Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	fmt.Print("Confirm: ")
	second, err := term.ReadPassword(fd)
	fmt.Println()
	if err != nil {
		return "", err
	}
	if string(first) != string(second) {
		return "", fmt.Errorf("passwords do not match")
	}
	if len(first) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(first), nil
}
