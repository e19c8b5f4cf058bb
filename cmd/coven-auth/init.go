// ABOUTME: Interactive config file generator for coven-auth
// ABOUTME: Prompts for database, policy and provider settings and writes a YAML config with a fresh session secret

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-auth/internal/authn"
	"github.com/2389/coven-auth/internal/config"
)

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}
	return filepath.Join(dataDir, "coven")
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-auth configuration setup")
	fmt.Println("==============================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !yes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Database ---")
	dbPath := prompt(reader, "SQLite database path", filepath.Join(getDataPath(), "auth.db"))

	fmt.Println("\n--- Login Policy ---")
	rule := prompt(reader, "Policy rule", config.DefaultPolicy)
	if _, err := authn.ParsePolicy(rule, 0); err != nil {
		return err
	}

	fmt.Println("\n--- Passkeys ---")
	baseURL := prompt(reader, "External base URL", "http://localhost:8080")

	fmt.Println("\n--- OpenID Connect ---")
	oidcEnabled := yes(prompt(reader, "Enable OIDC login?", "no"))
	var issuer, clientID, redirect string
	if oidcEnabled {
		issuer = prompt(reader, "Issuer URL", "")
		clientID = prompt(reader, "Client ID", "")
		redirect = prompt(reader, "Redirect URL", strings.TrimRight(baseURL, "/")+"/oidc/callback")
	}

	fmt.Println("\n--- Logging ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating session secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	var cfg strings.Builder
	cfg.WriteString("# coven-auth configuration\n")
	cfg.WriteString("# Generated by coven-auth init\n\n")

	cfg.WriteString("database:\n")
	cfg.WriteString("  driver: sqlite\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n\n", dbPath))

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n\n", logFormat))

	cfg.WriteString("policy:\n")
	cfg.WriteString(fmt.Sprintf("  rule: %q\n\n", rule))

	cfg.WriteString("webauthn:\n")
	cfg.WriteString(fmt.Sprintf("  base_url: %q\n\n", baseURL))

	cfg.WriteString("oidc:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", oidcEnabled))
	if oidcEnabled {
		cfg.WriteString(fmt.Sprintf("  issuer_url: %q\n", issuer))
		cfg.WriteString(fmt.Sprintf("  client_id: %q\n", clientID))
		cfg.WriteString("  client_secret: \"${COVEN_OIDC_CLIENT_SECRET}\"\n")
		cfg.WriteString(fmt.Sprintf("  redirect_url: %q\n", redirect))
	}
	cfg.WriteString("\n")

	cfg.WriteString("ceremony:\n")
	cfg.WriteString("  ttl: \"5m\"\n")
	cfg.WriteString("  sweep_interval: \"1m\"\n\n")

	cfg.WriteString("session:\n")
	cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", secret))
	cfg.WriteString("  ttl: \"12h\"\n")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	// The file holds the session secret
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nNext steps:")
	fmt.Println("  coven-auth migrate")
	fmt.Println("  coven-auth password set IDENTITY")
	return nil
}

func yes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
