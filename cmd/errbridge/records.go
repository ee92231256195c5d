package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"errbridge/internal/bus"
	"errbridge/internal/capture"
	"errbridge/internal/domain"

	"github.com/spf13/cobra"
)

const maxMessageCol = 60

func recordsCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "records",
		Short: "Inspect and manage captured error records",
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 3*time.Second, "how long to wait for a reply")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List captured error records",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			client, cleanup, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			done := make(chan []domain.ErrorRecord, 1)
			client.FetchRecords(func(records []domain.ErrorRecord) {
				select {
				case done <- records:
				default:
				}
			})

			select {
			case records := <-done:
				printRecords(records)
				return nil
			case <-time.After(timeout):
				return fmt.Errorf("no reply within %s (is 'errbridge serve' running?)", timeout)
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [id]",
		Short: "Remove one record by its ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			client, cleanup, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			done := make(chan struct{}, 1)
			client.RemoveRecord(domain.ErrorRecord{ID: args[0]}, func() {
				select {
				case done <- struct{}{}:
				default:
				}
			})

			if err := waitAck(done, timeout); err != nil {
				return err
			}
			fmt.Println("record removed")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every stored record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			client, cleanup, err := newClient(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			done := make(chan struct{}, 1)
			client.ClearRecords(func() {
				select {
				case done <- struct{}{}:
				default:
				}
			})

			if err := waitAck(done, timeout); err != nil {
				return err
			}
			fmt.Println("records cleared")
			return nil
		},
	})

	return cmd
}

func waitAck(done <-chan struct{}, timeout time.Duration) error {
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("no reply within %s (is 'errbridge serve' running?)", timeout)
	}
}

func printRecords(records []domain.ErrorRecord) {
	if len(records) == 0 {
		fmt.Println("no records captured")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP\tTAG\tCOUNT\tCAPTURED\tMESSAGE")
	for _, rec := range records {
		id := rec.ID
		if len(id) > 10 {
			id = id[:10]
		}
		msg := strings.ReplaceAll(rec.Message, "\n", " ")
		if len(msg) > maxMessageCol {
			msg = msg[:maxMessageCol] + "..."
		}
		count := rec.Count
		if count < 1 {
			count = 1
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			id, rec.App, rec.Tag, count, rec.CapturedAt.Format("2006-01-02 15:04:05"), msg)
	}
	w.Flush()
}

func reportCmd() *cobra.Command {
	var (
		app       string
		tag       string
		message   string
		stackFile string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Publish a synthetic error record (for testing an installation)",
		Long: "Publishes one error record toward the bridge daemon exactly the way an\n" +
			"instrumented host process would. Fire-and-forget: check the result with\n" +
			"'errbridge records list'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()

			rules, err := capture.Load(cfg.Capture.RulesPath, logger)
			if err != nil {
				return err
			}

			var stack string
			if stackFile != "" {
				data, err := os.ReadFile(stackFile)
				if err != nil {
					return fmt.Errorf("read stack file: %w", err)
				}
				stack = string(data)
			}

			tr := newTransport(cfg)
			defer tr.Close()

			reporter := bus.NewReporter(tr, rules, logger)
			reporter.Report(domain.ErrorRecord{
				App:     app,
				Tag:     tag,
				Message: message,
				Stack:   stack,
			})
			fmt.Println("record reported (fire-and-forget)")
			return nil
		},
	}

	cmd.Flags().StringVar(&app, "app", "errbridge-test", "host app identifier")
	cmd.Flags().StringVar(&tag, "tag", "", "subsystem tag")
	cmd.Flags().StringVar(&message, "message", "synthetic test error", "error message")
	cmd.Flags().StringVar(&stackFile, "stack-file", "", "file holding a stack trace to attach")
	return cmd
}
