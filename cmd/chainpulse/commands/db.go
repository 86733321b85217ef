package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/chainpulse/ledger"
	"github.com/teranos/chainpulse/logger"
	"github.com/teranos/chainpulse/pulse/queue"
	"github.com/teranos/chainpulse/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the chainpulse datastore",
	Long: sym.DB + ` db - Manage the datastore

The datastore is sqlite by default; set database.url (or DATABASE_URL) to a
postgres:// URL to use postgres.

Examples:
  chainpulse db migrate    # Apply pending migrations
  chainpulse db stats      # Show execution and queue counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()
		logger.AddDBSymbol(logger.Logger).Infow("Datastore is up to date")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show execution and queue counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		conn, err := openDatabase("")
		if err != nil {
			return err
		}
		defer conn.Close()
		ctx := context.Background()

		fmt.Printf("%s Datastore Statistics\n", sym.DB)
		fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

		rows, err := conn.QueryContext(ctx, `SELECT status, COUNT(*) FROM executions GROUP BY status ORDER BY status`)
		if err != nil {
			return fmt.Errorf("failed to count executions: %w", err)
		}
		defer rows.Close()

		fmt.Printf("Executions:\n")
		total := 0
		for rows.Next() {
			var (
				status ledger.Status
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				return fmt.Errorf("failed to scan execution count: %w", err)
			}
			total += n
			fmt.Printf("  %-10s %d\n", status, n)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if total == 0 {
			fmt.Println("  No executions recorded yet")
		}
		fmt.Println()

		queued, running, err := queue.NewQueue(conn).Counts(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Trigger queue:\n")
		fmt.Printf("  queued     %d\n", queued)
		fmt.Printf("  running    %d\n", running)
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
