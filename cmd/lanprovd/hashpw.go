package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"
)

// newHashpwCmd generates the bcrypt hash for api.auth_token_hash.
//
//	lanprovd hashpw
//	lanprovd hashpw --cost 12
//	echo 'mytoken' | lanprovd hashpw
func newHashpwCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:          "hashpw [token]",
		Short:        "Print the bcrypt hash of an API bearer token",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
				return fmt.Errorf("cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
			}
			token, err := readToken(args)
			if err != nil {
				return err
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(token), cost)
			if err != nil {
				return fmt.Errorf("hashing token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost factor")
	return cmd
}

func readToken(args []string) (string, error) {
	var token string
	switch {
	case len(args) > 0:
		token = args[0]
	case !term.IsTerminal(int(os.Stdin.Fd())):
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			token = strings.TrimSpace(scanner.Text())
		}
		if token == "" {
			return "", errors.New("empty token from stdin")
		}
	default:
		fmt.Fprint(os.Stderr, "Token: ")
		pw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading token: %w", err)
		}
		token = string(pw)

		fmt.Fprint(os.Stderr, "Confirm: ")
		pw2, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading confirmation: %w", err)
		}
		if string(pw2) != token {
			return "", errors.New("tokens do not match")
		}
	}

	if token == "" {
		return "", errors.New("token must not be empty")
	}
	return token, nil
}
