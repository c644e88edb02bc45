package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"genforge/internal/ledger"
)

// creditctl grants credits and inspects balances directly against the
// ledger tables. It is an operator tool; the API never grants credits.
func main() {
	var (
		userFlag   string
		grantFlag  int64
		showFlag   bool
		timeoutSec int
	)

	flag.StringVar(&userFlag, "user", "", "user ID to operate on")
	flag.Int64Var(&grantFlag, "grant", 0, "credits to add to the user's balance")
	flag.BoolVar(&showFlag, "show", false, "print the user's balance and outstanding reservations")
	flag.IntVar(&timeoutSec, "timeout", 10, "operation timeout in seconds")
	flag.Parse()

	userID := strings.TrimSpace(userFlag)
	if userID == "" {
		exitWithError(errors.New("-user is required"))
	}
	if grantFlag < 0 {
		exitWithError(errors.New("-grant must be positive"))
	}
	if grantFlag == 0 && !showFlag {
		exitWithError(errors.New("nothing to do: pass -grant or -show"))
	}

	_ = godotenv.Load()
	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	led := ledger.NewPostgres(pool)

	if grantFlag > 0 {
		if err := led.Grant(ctx, userID, grantFlag); err != nil {
			exitWithError(fmt.Errorf("grant: %w", err))
		}
		fmt.Printf("granted %d credits to %s\n", grantFlag, userID)
	}

	balance, reserved, err := led.Balance(ctx, userID)
	if err != nil {
		exitWithError(fmt.Errorf("balance: %w", err))
	}
	fmt.Printf("user=%s balance=%d reserved=%d spendable=%d\n", userID, balance, reserved, balance-reserved)
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
