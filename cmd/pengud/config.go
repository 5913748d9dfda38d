package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/marcus-the-worm/ClubPengu-sub013/server"
)

// loadConfig merges, in increasing precedence: built-in defaults, a .env
// file, real environment variables, and flags.
func loadConfig() (server.Config, error) {
	// Missing .env is fine; env vars and flags still apply.
	_ = godotenv.Load()

	cfg := server.Config{
		Address:         envStr("PENGU_ADDR", ":8090"),
		DBPath:          envStr("PENGU_DB", "pengud.db"),
		Debug:           envStr("PENGU_DEBUG", "info"),
		PaymentURL:      envStr("PENGU_PAYMENT_URL", ""),
		StartingBalance: envInt64("PENGU_STARTING_BALANCE", 500),
	}

	var (
		ttl   = envDur("PENGU_CHALLENGE_TTL", 5*time.Minute)
		grace = envDur("PENGU_SPECTATE_GRACE", 10*time.Second)
		depos = envDur("PENGU_DEPOSIT_TIMEOUT", 2*time.Minute)
	)

	flag.StringVar(&cfg.Address, "addr", cfg.Address, "listen address")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to the bolt database")
	flag.StringVar(&cfg.Debug, "debug", cfg.Debug, "log level (trace|debug|info|warn|error)")
	flag.StringVar(&cfg.PaymentURL, "paymenturl", cfg.PaymentURL, "payment verifier base URL (empty disables token wagers)")
	flag.Int64Var(&cfg.StartingBalance, "startingbalance", cfg.StartingBalance, "coins granted to a first-time player")
	flag.DurationVar(&ttl, "challengettl", ttl, "pending challenge lifetime")
	flag.DurationVar(&grace, "spectategrace", grace, "how long a finished board stays visible")
	flag.DurationVar(&depos, "deposittimeout", depos, "max wait for a token deposit to confirm")
	flag.Float64Var(&cfg.ChallengeRadius, "challengeradius", 15, "max challenge distance in world units")
	flag.Parse()

	cfg.ChallengeTTL = ttl
	cfg.SpectateGrace = grace
	cfg.DepositTimeout = depos

	if cfg.Address == "" {
		return cfg, fmt.Errorf("listen address must not be empty")
	}
	return cfg, nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDur(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
