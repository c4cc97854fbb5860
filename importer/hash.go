package importer

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/exp/slices"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/sie"
)

// =============================================================================
// TRANSACTION HASH - Deterministic fingerprint for duplicate detection
// =============================================================================
//
// The fingerprint covers the economically identifying fields only: date,
// normalized reference text and the lines. Lines are sorted by account, then
// debit, then credit before hashing, so two files that list the same lines
// in a different order produce the same hash.

const (
	unitSep   = "\x1f"
	recordSep = "\x1e"
)

// HashLine is the hashed view of one line.
type HashLine struct {
	Account ledger.AccountNumber
	Debit   decimal.Decimal
	Credit  decimal.Decimal
}

// VerificationHash returns the hex SHA-256 fingerprint of a multi-line
// transaction.
func VerificationHash(date ledger.Date, reference string, lines []HashLine) string {
	sorted := slices.Clone(lines)
	slices.SortFunc(sorted, compareHashLines)

	parts := make([]string, 0, len(sorted))
	for _, l := range sorted {
		parts = append(parts, strings.Join([]string{l.Account.String(), l.Debit.StringFixed(2), l.Credit.StringFixed(2)}, unitSep))
	}
	return fingerprint("ver", date, reference, parts)
}

// BankTransactionHash fingerprints a single bank statement row.
func BankTransactionHash(date ledger.Date, amount decimal.Decimal, reference string) string {
	return fingerprint("bank", date, reference, []string{amount.StringFixed(2)})
}

// HashVerification fingerprints a parsed SIE verification.
func HashVerification(v sie.Verification) string {
	lines := make([]HashLine, len(v.Lines))
	for i, l := range v.Lines {
		lines[i] = HashLine{Account: l.AccountNumber, Debit: ledger.ValueOf(l.Debit), Credit: ledger.ValueOf(l.Credit)}
	}
	return VerificationHash(v.Date, v.Description, lines)
}

// HashEntry fingerprints a journal entry with the same canonical form.
func HashEntry(e ledger.JournalEntry) string {
	lines := make([]HashLine, len(e.Lines))
	for i, l := range e.Lines {
		lines[i] = HashLine{Account: l.AccountNumber, Debit: ledger.ValueOf(l.Debit), Credit: ledger.ValueOf(l.Credit)}
	}
	return VerificationHash(e.EntryDate, e.Description, lines)
}

func compareHashLines(a, b HashLine) int {
	if a.Account != b.Account {
		if a.Account < b.Account {
			return -1
		}
		return 1
	}
	if c := a.Debit.Cmp(b.Debit); c != 0 {
		return c
	}
	return a.Credit.Cmp(b.Credit)
}

func fingerprint(kind string, date ledger.Date, reference string, parts []string) string {
	h := sha256.New()
	h.Write([]byte(kind + unitSep + date.String() + unitSep + normalizeReference(reference) + recordSep))
	for _, p := range parts {
		h.Write([]byte(p + recordSep))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeReference folds case and collapses whitespace.
func normalizeReference(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
