// Package main provides a tool to mint broker credentials: a JWT for the API and
// dashboard, and optionally an agent token and a starting deposit for the same user.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/auth"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	pgstore "github.com/narvanalabs/gpuconnect/internal/store/postgres"
	"github.com/shopspring/decimal"
)

func main() {
	userID := flag.String("user", "admin", "User ID for the token")
	email := flag.String("email", "admin@localhost", "Email for the token")
	secret := flag.String("secret", "", "JWT secret (or set JWT_SECRET env var)")
	expiry := flag.Duration("expiry", 24*365*time.Hour, "Token expiry duration (default: 1 year)")
	agentLabel := flag.String("agent-token", "", "Also mint an agent token with this label (needs a database)")
	deposit := flag.String("deposit", "", "Also credit this amount to the user's wallet (needs a database)")
	dsn := flag.String("dsn", "", "Database URL (or set DATABASE_URL env var)")
	flag.Parse()

	jwtSecret := *secret
	if jwtSecret == "" {
		jwtSecret = os.Getenv("JWT_SECRET")
	}
	if jwtSecret == "" {
		fmt.Fprintln(os.Stderr, "Error: JWT secret required. Use -secret flag or set JWT_SECRET env var")
		fmt.Fprintln(os.Stderr, "Example: go run ./cmd/gentoken -secret 'your-secret-at-least-32-chars-long'")
		os.Exit(1)
	}
	if len(jwtSecret) < 32 {
		fmt.Fprintln(os.Stderr, "Error: JWT secret must be at least 32 characters")
		os.Exit(1)
	}

	cfg := &auth.Config{
		JWTSecret:   []byte(jwtSecret),
		TokenExpiry: *expiry,
	}

	if *agentLabel == "" && *deposit == "" {
		svc := auth.NewService(cfg, nil, nil)
		token, err := svc.GenerateToken(*userID, *email)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	databaseURL := *dsn
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		fmt.Fprintln(os.Stderr, "Error: -agent-token and -deposit need -dsn or DATABASE_URL")
		os.Exit(1)
	}

	var amount decimal.Decimal
	if *deposit != "" {
		var err error
		amount, err = decimal.NewFromString(*deposit)
		if err != nil || !amount.IsPositive() {
			fmt.Fprintf(os.Stderr, "Error: invalid deposit amount %q\n", *deposit)
			os.Exit(1)
		}
	}

	st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(databaseURL), nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	svc := auth.NewService(cfg, st.AgentTokens(), nil)
	token, err := svc.GenerateToken(*userID, *email)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("JWT_TOKEN=%s\n", token)

	if *agentLabel != "" {
		raw, info, err := svc.IssueAgentToken(ctx, *userID, *agentLabel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error issuing agent token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("AGENT_AUTH_TOKEN=%s\n", raw)
		fmt.Printf("AGENT_TOKEN_ID=%s\n", info.ID)
	}

	if !amount.IsZero() {
		if err := ledger.New(st, nil, nil).Deposit(ctx, *userID, amount); err != nil {
			fmt.Fprintf(os.Stderr, "Error crediting wallet: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("DEPOSIT=%s\n", amount.StringFixed(2))
	}
}
