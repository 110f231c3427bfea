package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"github.com/agentry-io/agentry/internal/config"
	"github.com/agentry-io/agentry/internal/service"
)

// runAdmin dispatches admin subcommands (token, hash-api-key).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "token":
		return runAdminToken(args[1:])
	case "hash-api-key":
		return runAdminHashAPIKey(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: agentry admin <command> [options]

Commands:
  token          Mint an access token signed with the configured secret
  hash-api-key   Print the bcrypt hash of an API key for the config file
  help           Show this help message

Examples:
  agentry admin token --subject ops@localhost --role admin --ttl 24h
  agentry admin hash-api-key --key sk-local-dev
`)
}

func runAdminToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "token subject (required)")
	email := fs.String("email", "", "email claim")
	role := fs.String("role", "user", "role claim (user or admin)")
	ttl := fs.Duration("ttl", 24*time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *subject == "" {
		return fmt.Errorf("--subject is required")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not configured")
	}

	now := time.Now()
	token, err := service.SignToken([]byte(cfg.Auth.JWTSecret), service.Claims{
		Subject:  *subject,
		Email:    *email,
		Role:     *role,
		IssuedAt: now.Unix(),
		Expiry:   now.Add(*ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runAdminHashAPIKey(args []string) error {
	fs := flag.NewFlagSet("hash-api-key", flag.ExitOnError)
	key := fs.String("key", "", "API key to hash (prompted without echo when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	apiKey := *key
	if apiKey == "" {
		// Prompt instead of requiring the key on the command line,
		// where it would land in shell history.
		fmt.Fprint(os.Stderr, "API key: ")
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		apiKey = string(raw)
	}
	if apiKey == "" {
		return fmt.Errorf("no API key provided")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash key: %w", err)
	}

	fmt.Println(string(hash))
	return nil
}
