package main

import (
	"fmt"

	"github.com/alecgard/outpost/internal/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an encryption key for agent secrets",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := crypto.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var hashAdminKeyCmd = &cobra.Command{
	Use:   "hash-admin-key <key>",
	Short: "Print a bcrypt hash to use as auth.admin_key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), bcrypt.DefaultCost)
		if err != nil {
			return fmt.Errorf("hashing admin key: %w", err)
		}
		fmt.Println(string(hash))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	rootCmd.AddCommand(hashAdminKeyCmd)
}
