package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tternquist/hotboard/internal/bucket"
	"github.com/tternquist/hotboard/internal/logging"
	"github.com/tternquist/hotboard/internal/metrics"
	"golang.org/x/crypto/bcrypt"
)

func main() {
	metrics.Init()

	// Subcommands must run before flag.Parse
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "hash-token":
			if err := runHashToken(os.Args[2:]); err != nil {
				log.Fatalf("hash-token: %v", err)
			}
			os.Exit(0)
		case "seed":
			if err := runSeed(os.Args[2:]); err != nil {
				log.Fatalf("seed: %v", err)
			}
			os.Exit(0)
		case "simulate":
			if err := runSimulate(os.Args[2:]); err != nil {
				log.Fatalf("simulate: %v", err)
			}
			os.Exit(0)
		}
	}

	configPath := flag.String("config", defaultConfigPath(), "Path to YAML config")
	flag.Parse()

	if err := runServer(*configPath); err != nil {
		logging.Fatal(slog.Default(), "hotboard stopped", "err", err)
	}
}

func defaultConfigPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/config.yaml"
}

// runHashToken prints a bcrypt hash suitable for control.token_hash. The token
// is taken from the first argument or read from stdin.
func runHashToken(args []string) error {
	var token string
	if len(args) >= 1 && args[0] != "" {
		token = strings.TrimSpace(args[0])
	}
	if token == "" {
		fmt.Fprint(os.Stderr, "Enter control token: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no token provided")
		}
		token = strings.TrimSpace(scanner.Text())
		if token == "" {
			return fmt.Errorf("token cannot be empty")
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Println(string(hash))
	return nil
}

// runSeed adds every published article to the current buckets with score 0.
// With -reset the buckets are recreated first, discarding existing scores.
func runSeed(args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	configPath := fs.String("config", defaultConfigPath(), "Path to YAML config")
	reset := fs.Bool("reset", false, "Recreate the current day and week buckets before seeding")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	eng, err := openEngine(ctx, *configPath)
	if err != nil {
		return err
	}
	defer eng.Close(context.Background())

	if *reset {
		for _, p := range []bucket.Period{bucket.Day, bucket.Week} {
			n, err := eng.rankings.ResetPeriod(ctx, p)
			if err != nil {
				return fmt.Errorf("reset %s: %w", p, err)
			}
			fmt.Printf("reset %s bucket %s with %d articles\n", p, eng.keys.CurrentKey(p), n)
		}
		return nil
	}
	n, err := eng.rankings.Seed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("seeded %d articles into %s and %s\n", n, eng.keys.CurrentDayKey(), eng.keys.CurrentWeekKey())
	return nil
}
