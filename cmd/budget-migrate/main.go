// Command budget-migrate runs the startup migration once against a database
// file and prints the report.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"budget/internal/cli"
	"budget/internal/config"
	"budget/internal/migration"
)

func main() {
	cli.LoadEnvFile()
	cfg := config.Load()

	dbPath := flag.String("db", cfg.SQLiteDBPath, "path to the SQLite database file")
	asJSON := flag.Bool("json", false, "print the report as JSON")
	noAssign := flag.Bool("no-assign-orphans", !cfg.AssignOrphans, "delete rows without an owner instead of assigning them to the system account")
	ensure := flag.Bool("ensure-schema", true, "create missing tables of the latest schema after migrating")
	logLevel := flag.String("log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	flag.Parse()

	logger := cli.SetupLogger(*logLevel)
	cfg.SQLiteDBPath = *dbPath
	cfg.LogLevel = *logLevel
	cli.ValidateConfig(logger, cfg)

	db := cli.OpenStorage(logger, *dbPath)
	_, report := cli.RunStartupMigration(context.Background(), logger, db, !*noAssign)
	var version uint
	if *ensure {
		version = cli.EnsureSchema(logger, db)
	}
	db.Close()

	var err error
	if *asJSON {
		err = printJSON(os.Stdout, report)
	} else {
		err = printTable(os.Stdout, report, version)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "write report:", err)
		os.Exit(1)
	}
	if report.State != migration.StateCompleted {
		os.Exit(1)
	}
}

func printJSON(w io.Writer, report migration.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func printTable(w io.Writer, report migration.Report, version uint) error {
	fmt.Fprintf(w, "run %s: %s (fresh=%v, schema version %d)\n", report.RunID, report.State, report.Fresh, version)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STEP\tSTATUS\tCHANGES\tDURATION\tERROR")
	for _, s := range report.Steps {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", s.Name, s.Status, s.Changes, s.Duration.Round(time.Microsecond), s.Error)
	}
	if report.Panic != "" {
		fmt.Fprintf(tw, "panic\t\t\t\t%s\n", report.Panic)
	}
	return tw.Flush()
}
