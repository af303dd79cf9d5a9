package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/dvloznov/argos/internal/app"
	"github.com/dvloznov/argos/internal/config"
	"github.com/dvloznov/argos/internal/domain"
	"github.com/dvloznov/argos/internal/logger"
	"github.com/rs/zerolog"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "register":
		runRegister(log)
	case "credentials":
		runCredentials(log)
	case "owners":
		runOwners(log)
	case "transactions":
		runTransactions(log)
	case "watch":
		runWatch(log)
	case "pending":
		runPending(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("argos admin CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  register      Register a mailbox owner")
	fmt.Println("  credentials   Store OAuth tokens for an owner")
	fmt.Println("  owners        List owners with stored credentials")
	fmt.Println("  transactions  List an owner's transactions")
	fmt.Println("  watch         Register the push watch for an owner's mailbox")
	fmt.Println("  pending       List messages waiting to be retried for an owner")
	fmt.Println("  help          Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// open loads configuration and connects to the configured store.
func open(ctx context.Context, log zerolog.Logger) *app.Runtime {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.StoreBackend == config.StoreBackendMemory {
		log.Warn().Msg("STORE_BACKEND=memory: changes made by this command are not visible to other processes")
	}

	rt, err := app.Open(ctx, cfg, app.Options{Migrate: true}, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize backends")
	}
	return rt
}

func ownerByEmail(ctx context.Context, rt *app.Runtime, email string, log zerolog.Logger) *domain.Owner {
	owner, err := rt.Store.FindOwnerByMailbox(ctx, email)
	if err != nil {
		log.Fatal().Err(err).Str("email", email).Msg("Failed to resolve owner")
	}
	return owner
}

func runRegister(log zerolog.Logger) {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	email := fs.String("email", "", "Mailbox address")
	fs.Parse(os.Args[2:])

	if *email == "" {
		log.Fatal().Msg("Error: --email is required")
	}

	ctx := logger.WithContext(context.Background(), log)
	rt := open(ctx, log)
	defer rt.Close()

	owner, err := rt.Store.CreateOwner(ctx, *email)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to register owner")
	}

	fmt.Printf("Owner %s registered for %s\n", owner.ID, owner.Email)
}

func runCredentials(log zerolog.Logger) {
	fs := flag.NewFlagSet("credentials", flag.ExitOnError)
	email := fs.String("email", "", "Mailbox address of a registered owner")
	refreshToken := fs.String("refresh-token", "", "OAuth refresh token")
	fs.Parse(os.Args[2:])

	if *email == "" || *refreshToken == "" {
		log.Fatal().Msg("Usage: cli credentials -email ADDRESS -refresh-token TOKEN")
	}

	ctx := logger.WithContext(context.Background(), log)
	rt := open(ctx, log)
	defer rt.Close()

	owner := ownerByEmail(ctx, rt, *email, log)

	// With no access token the first gateway call refreshes one.
	err := rt.Store.SaveMailCredentials(ctx, owner.ID, &domain.MailCredentials{
		RefreshToken: *refreshToken,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to store credentials")
	}

	fmt.Printf("Credentials stored for %s\n", owner.Email)
}

func runOwners(log zerolog.Logger) {
	ctx := logger.WithContext(context.Background(), log)
	rt := open(ctx, log)
	defer rt.Close()

	owners, err := rt.Store.ListOwners(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list owners")
	}

	fmt.Printf("\n=== Owners (%d) ===\n", len(owners))
	for _, o := range owners {
		fmt.Printf("  %s  %s\n", o.ID, o.Email)
	}
	fmt.Println()
}

func runTransactions(log zerolog.Logger) {
	fs := flag.NewFlagSet("transactions", flag.ExitOnError)
	email := fs.String("email", "", "Mailbox address of a registered owner")
	limit := fs.Int("limit", 20, "Maximum number of transactions")
	fs.Parse(os.Args[2:])

	if *email == "" {
		log.Fatal().Msg("Error: --email is required")
	}

	ctx := logger.WithContext(context.Background(), log)
	rt := open(ctx, log)
	defer rt.Close()

	owner := ownerByEmail(ctx, rt, *email, log)
	txs, err := rt.Store.ListTransactions(ctx, domain.TransactionFilter{OwnerID: owner.ID, Limit: *limit})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list transactions")
	}

	fmt.Printf("\n=== Transactions (%d) ===\n", len(txs))
	for i, tx := range txs {
		fmt.Printf("\n%d. %s\n", i+1, tx.Merchant)
		fmt.Printf("   Date:     %s\n", tx.Date.Format("2006-01-02"))
		fmt.Printf("   Amount:   %s %s\n", tx.Amount.StringFixed(2), tx.Currency)
		fmt.Printf("   Category: %s\n", tx.Category)
		fmt.Printf("   Source:   %s\n", tx.Source)
		if tx.ProviderMessageID != nil {
			fmt.Printf("   Message:  %s\n", *tx.ProviderMessageID)
		}
	}
	fmt.Println()
}

func runPending(log zerolog.Logger) {
	fs := flag.NewFlagSet("pending", flag.ExitOnError)
	email := fs.String("email", "", "Mailbox address of a registered owner")
	fs.Parse(os.Args[2:])

	if *email == "" {
		log.Fatal().Msg("Error: --email is required")
	}

	ctx := logger.WithContext(context.Background(), log)
	rt := open(ctx, log)
	defer rt.Close()

	owner := ownerByEmail(ctx, rt, *email, log)
	pending, err := rt.Store.PendingMessages(ctx, owner.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list pending messages")
	}

	fmt.Printf("\n=== Pending messages for %s (%d) ===\n", owner.Email, len(pending))
	for _, p := range pending {
		fmt.Printf("  %-20s attempts=%d  %s\n", p.Ref.ID, p.Attempts, p.LastError)
	}
	fmt.Println()
}

func runWatch(log zerolog.Logger) {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	email := fs.String("email", "", "Mailbox address of a registered owner")
	fs.Parse(os.Args[2:])

	if *email == "" {
		log.Fatal().Msg("Error: --email is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	rt := open(ctx, log)
	defer rt.Close()

	owner := ownerByEmail(ctx, rt, *email, log)
	res, err := rt.Gateway.Watch(ctx, owner.ID)
	if err != nil {
		log.Fatal().Err(err).Msg("Watch registration failed")
	}

	fmt.Printf("Watching %s from history %s until %s\n", owner.Email, res.HistoryID, res.Expiration.Format(time.RFC3339))
}
