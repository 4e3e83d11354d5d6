package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"genjobs/internal/infra"
	"genjobs/internal/infra/credentials"
	"genjobs/internal/providers/motion"
)

func main() {
	_ = godotenv.Load()

	var (
		emailFlag    string
		passwordFlag string
		verify       bool
	)
	flag.StringVar(&emailFlag, "email", "", "Provider service account email (fallbacks to PROVIDER_EMAIL)")
	flag.StringVar(&passwordFlag, "password", "", "Provider service account password (fallbacks to PROVIDER_PASSWORD)")
	flag.BoolVar(&verify, "verify", false, "Log in against PROVIDER_BASE_URL before storing")
	flag.Parse()

	email := strings.TrimSpace(emailFlag)
	if email == "" {
		email = strings.TrimSpace(os.Getenv("PROVIDER_EMAIL"))
	}
	password := passwordFlag
	if password == "" {
		password = os.Getenv("PROVIDER_PASSWORD")
	}
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "provider email and password are required via flags or environment")
		os.Exit(1)
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	logger := infra.NewLogger("cli").With().Str("cmd", "providercreds").Str("provider", credentials.ProviderMotion).Logger()

	if verify {
		client, err := motion.NewClient(motion.Options{
			BaseURL:      strings.TrimRight(strings.TrimSpace(os.Getenv("PROVIDER_BASE_URL")), "/"),
			LoginTimeout: 10 * time.Second,
			Logger:       &logger,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid provider configuration: %v\n", err)
			os.Exit(1)
		}
		if _, err := client.Login(context.Background(), email, password); err != nil {
			fmt.Fprintf(os.Stderr, "provider rejected credentials: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create pool: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)
	if err := infra.EnsureSchema(ctx, runner); err != nil {
		fmt.Fprintf(os.Stderr, "failed to prepare schema: %v\n", err)
		os.Exit(1)
	}

	store := credentials.NewStore(runner)
	if err := store.SetProviderLogin(ctx, email, password); err != nil {
		fmt.Fprintf(os.Stderr, "failed to persist provider login: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s login for %s stored successfully\n", strings.ToUpper(credentials.ProviderMotion), email)
}
