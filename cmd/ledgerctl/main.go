/*
main.go - ledgerctl command-line client

PURPOSE:
  Operates on the same SQLite database as the server without going through
  HTTP: period administration, SIE import/export and reports. Useful for
  migrations and for scripting year-end work.

COMMANDS:
  period create|list|lock|unlock
  entry list
  sie preview|import|export
  report balances|balance-sheet|income-statement|vat

GLOBAL FLAGS:
  --db         SQLite database path (default ledger.db)
  --config     YAML config (currency, report layout)
  --workspace  Workspace id (default "default")
  --actor      Actor recorded in the audit log (default $USER)

EXAMPLES:
  ledgerctl period create --label 2024 --start 2024-01-01 --end 2024-12-31
  ledgerctl sie import bok.se --period 2024 --upsert-accounts --opening-balance
  ledgerctl report balance-sheet --period 2024

SEE ALSO:
  - cmd/server/main.go: HTTP server over the same services
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
