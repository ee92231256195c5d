package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"errbridge/internal/capture"
	"errbridge/internal/config"
	"errbridge/internal/shell"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your errbridge installation",
		Long: `Verifies that errbridge's configuration, database, capture rules, and
bridge daemon are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("errbridge doctor v%s\n\n", version)

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'errbridge init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				failed++
				fmt.Printf("\n%d passed, %d failed\n", passed, failed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Database writable
			if err := checkDatabase(cfg.Store.DBPath); err != nil {
				printFail("Record store", err.Error())
				failed++
			} else {
				printPass("Record store", cfg.Store.DBPath)
				passed++
			}

			// 4. Capture rules parse
			if _, err := capture.Load(cfg.Capture.RulesPath, logger); err != nil {
				printFail("Capture rules", err.Error())
				failed++
			} else {
				printPass("Capture rules", cfg.Capture.RulesPath)
				passed++
			}

			// 5. Telegram notifier config sanity
			if cfg.Notify.Telegram.Enabled {
				if cfg.Notify.Telegram.Token == "" || cfg.Notify.Telegram.ChatID == "" {
					printFail("Telegram notify", "enabled but token or chatId missing")
					failed++
				} else {
					printPass("Telegram notify", "configured")
					passed++
				}
			} else {
				printWarn("Telegram notify", "disabled")
				warned++
			}

			// 6. Bridge daemon reachable
			if active, err := probeDaemon(cfg); err != nil {
				printWarn("Bridge daemon", err.Error())
				warned++
			} else {
				printPass("Bridge daemon", fmt.Sprintf("active: %v", active))
				passed++
			}

			// 7. System info (via the privileged shell helper)
			runner := shell.NewRunner(shell.Config{Timeout: 5 * time.Second})
			if out, err := runner.Run(context.Background(), "uname -sr"); err != nil {
				printWarn("System", err.Error())
				warned++
			} else {
				printPass("System", strings.TrimSpace(out))
				passed++
			}

			fmt.Printf("\n%d passed, %d failed, %d warnings\n", passed, failed, warned)
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("cannot open: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %v", err)
	}
	return nil
}

// probeDaemon sends one activation check and waits briefly for the answer.
func probeDaemon(cfg *config.Config) (bool, error) {
	client, cleanup, err := newClient(cfg)
	if err != nil {
		return false, err
	}
	defer cleanup()

	done := make(chan bool, 1)
	client.CheckActive(func(active bool) {
		select {
		case done <- active:
		default:
		}
	})

	select {
	case active := <-done:
		return active, nil
	case <-time.After(2 * time.Second):
		return false, fmt.Errorf("no reply (run 'errbridge serve')")
	}
}

func printPass(name, detail string) { fmt.Printf("  [ok]   %-16s %s\n", name, detail) }
func printWarn(name, detail string) { fmt.Printf("  [warn] %-16s %s\n", name, detail) }
func printFail(name, detail string) { fmt.Printf("  [fail] %-16s %s\n", name, detail) }
