package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/justinmoon/pocketide/internal/config"
	"github.com/justinmoon/pocketide/internal/db"
	"github.com/justinmoon/pocketide/internal/gitcred"
	"github.com/justinmoon/pocketide/internal/identity"
	"github.com/spf13/cobra"
)

func openDatabase(cfg *config.Config) (*db.DB, error) {
	if cfg.Server.DatabaseURL == "" {
		return nil, fmt.Errorf("POCKETIDE_SERVER_DATABASE_URL is required")
	}
	return db.Open(cfg.Server.DatabaseURL)
}

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Manage stored git credentials",
	}

	cmd.AddCommand(newCredentialsSetCmd())
	cmd.AddCommand(newCredentialsDeleteCmd())

	return cmd
}

func newCredentialsSetCmd() *cobra.Command {
	var userID, username, email, token string

	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a GitHub credential for a user",
		Long:  "Store a GitHub username and token for a user. The token is read from stdin when --token is omitted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := identity.ValidateID(userID); err != nil {
				return fmt.Errorf("--user: %w", err)
			}
			if username == "" {
				return errors.New("--username is required")
			}
			if token == "" {
				t, err := readToken(cmd.InOrStdin())
				if err != nil {
					return err
				}
				token = t
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			store := gitcred.NewPostgresStore(database)
			if err := store.Put(context.Background(), userID, gitcred.Credential{
				Username: username,
				Token:    token,
				Email:    email,
			}); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Stored git credential for %s (%s)\n", userID, username)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&username, "username", "", "GitHub username (required)")
	cmd.Flags().StringVar(&email, "email", "", "commit email (default <username>@users.noreply.github.com)")
	cmd.Flags().StringVar(&token, "token", "", "GitHub token (default: read from stdin)")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("username")

	return cmd
}

func newCredentialsDeleteCmd() *cobra.Command {
	var userID string

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a user's stored git credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			database, err := openDatabase(cfg)
			if err != nil {
				return err
			}
			defer database.Close()

			err = gitcred.NewPostgresStore(database).Delete(context.Background(), userID)
			if errors.Is(err, gitcred.ErrNoCredential) {
				return fmt.Errorf("no credential stored for %s", userID)
			}
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Deleted git credential for %s\n", userID)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id (required)")
	cmd.MarkFlagRequired("user")

	return cmd
}

// readToken reads a single line from r. Interactive terminals get a prompt.
func readToken(r io.Reader) (string, error) {
	if f, ok := r.(*os.File); ok {
		if info, err := f.Stat(); err == nil && info.Mode()&os.ModeCharDevice != 0 {
			fmt.Fprint(os.Stderr, "GitHub token: ")
		}
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("failed to read token: %w", err)
	}
	token := strings.TrimSpace(line)
	if token == "" {
		return "", errors.New("token is required")
	}
	return token, nil
}
