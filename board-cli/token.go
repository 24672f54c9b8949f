package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bytedance/sonic"
	"github.com/golang-jwt/jwt/v4"
	"github.com/spf13/cobra"
)

// signToken returns an HS256 token accepted by a board API running with
// AUTH_MODE=hs256 and the same shared secret.
func signToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("shared secret must be set")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userID,
		"exp": time.Now().Add(ttl).Unix(),
	})
	return token.SignedString(secret)
}

func generateTokens(secret []byte, ttl time.Duration, count int, prefix string, start int, args []string) ([]string, error) {
	if count < 1 {
		return nil, errors.New("count must be at least 1")
	}
	if start < 1 {
		return nil, errors.New("start index must be at least 1")
	}
	if len(args) > 0 && count > 1 {
		return nil, errors.New("explicit user ID cannot be provided when generating multiple tokens")
	}

	tokens := make([]string, count)
	for i := 0; i < count; i++ {
		var userID string
		switch {
		case len(args) > 0:
			userID = args[0]
		case count == 1:
			userID = prefix
		default:
			userID = fmt.Sprintf("%s-%d", prefix, start+i)
		}
		tok, err := signToken(secret, userID, ttl)
		if err != nil {
			return nil, err
		}
		tokens[i] = tok
	}
	return tokens, nil
}

func writeTokens(path string, tokens []string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	data, err := sonic.Marshal(tokens)
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func tokenCmd() *cobra.Command {
	var (
		secret string
		ttl    time.Duration
		count  int
		prefix string
		start  int
		output string
	)
	cmd := &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint development tokens for a board API using hs256 auth",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if secret == "" {
				secret = os.Getenv("LOCAL_AUTH_SHARED_SECRET")
			}
			tokens, err := generateTokens([]byte(secret), ttl, count, prefix, start, args)
			if err != nil {
				return err
			}
			if output != "" {
				if err := writeTokens(output, tokens); err != nil {
					return fmt.Errorf("write tokens: %w", err)
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), tokens[0])
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "Shared secret (default $LOCAL_AUTH_SHARED_SECRET)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")
	cmd.Flags().IntVar(&count, "count", 1, "Number of tokens to generate")
	cmd.Flags().StringVar(&prefix, "prefix", "dev-user", "Prefix for generated user IDs when count > 1")
	cmd.Flags().IntVar(&start, "start", 1, "Starting index for generated user IDs when count > 1")
	cmd.Flags().StringVar(&output, "output", "", "File to write generated tokens as a JSON array")
	return cmd
}
