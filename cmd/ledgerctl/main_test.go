package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleFile = `#FLAGGA 0
#FORMAT PC8
#SIETYP 4
#FNAMN "Test AB"
#RAR 0 20240101 20241231
#KONTO 1930 "Företagskonto"
#KONTO 2081 "Aktiekapital"
#KONTO 3001 "Försäljning"
#IB 0 1930 5000.00
#IB 0 2081 -5000.00
#VER A 1 20240115 "Faktura 1"
{
#TRANS 1930 {} 1000.00
#TRANS 3001 {} -1000.00
}
`

type cli struct {
	db  string
	dir string
}

func newCLI(t *testing.T) *cli {
	dir := t.TempDir()
	return &cli{db: filepath.Join(dir, "ledger.db"), dir: dir}
}

func (c *cli) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(append([]string{"--db", c.db, "--actor", "test"}, args...))
	err := cmd.Execute()
	return out.String() + errOut.String(), err
}

func (c *cli) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := c.run(t, args...)
	require.NoError(t, err, out)
	return out
}

func (c *cli) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(c.dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPeriodCommands(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun(t, "period", "create", "--label", "Räkenskapsår 2024", "--start", "2024-01-01", "--end", "2024-12-31")
	assert.Contains(t, out, "created rakenskapsar-2024")

	out = c.mustRun(t, "period", "list")
	assert.Contains(t, out, "rakenskapsar-2024")
	assert.Contains(t, out, "open")

	c.mustRun(t, "period", "lock", "rakenskapsar-2024")
	assert.Contains(t, c.mustRun(t, "period", "list"), "locked")

	_, err := c.run(t, "period", "lock", "rakenskapsar-2024")
	assert.Error(t, err)

	assert.Contains(t, c.mustRun(t, "period", "unlock", "rakenskapsar-2024"), "unlocked")

	_, err = c.run(t, "period", "lock", "nope")
	assert.Error(t, err)
}

func TestPeriodCreate_RequiresFlags(t *testing.T) {
	c := newCLI(t)
	_, err := c.run(t, "period", "create", "--label", "2024")
	assert.Error(t, err)
}

func TestSIEImportExportAndReports(t *testing.T) {
	c := newCLI(t)
	c.mustRun(t, "period", "create", "--label", "2024", "--start", "2024-01-01", "--end", "2024-12-31")
	file := c.writeFile(t, "bok.se", sampleFile)

	out := c.mustRun(t, "sie", "preview", file)
	assert.Contains(t, out, "Test AB")
	assert.Contains(t, out, "Faktura 1")
	assert.Contains(t, out, "1000.00")

	out = c.mustRun(t, "sie", "import", file, "--period", "2024", "--upsert-accounts", "--opening-balance")
	assert.Contains(t, out, "imported 1")

	out = c.mustRun(t, "sie", "import", file, "--period", "2024")
	assert.Contains(t, out, "skipped A1")

	out = c.mustRun(t, "entry", "list", "--period", "2024")
	assert.Contains(t, out, "Ingående balans")
	assert.Contains(t, out, "Faktura 1")

	out = c.mustRun(t, "report", "balances", "--period", "2024")
	assert.Contains(t, out, "Företagskonto")
	assert.Contains(t, out, "6000.00")

	out = c.mustRun(t, "report", "balance-sheet", "--period", "2024")
	assert.NotContains(t, out, "does not balance")

	out = c.mustRun(t, "report", "income-statement", "--period", "2024")
	assert.Contains(t, out, "3001 Försäljning")

	out = c.mustRun(t, "report", "vat", "--period", "2024")
	assert.Contains(t, out, "BOX")

	exported := filepath.Join(c.dir, "out.se")
	c.mustRun(t, "sie", "export", "--period", "2024", "-o", exported, "--company", "Test AB")
	raw, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "#IB 0 1930 5000.00")
	assert.Contains(t, string(raw), `#VER "A" "1" 20240115`)
}

func TestSIEImport_Only(t *testing.T) {
	c := newCLI(t)
	c.mustRun(t, "period", "create", "--label", "2024", "--start", "2024-01-01", "--end", "2024-12-31")
	file := c.writeFile(t, "bok.se", sampleFile+`#VER A 2 20240120 "Faktura 2"
{
#TRANS 1930 {} 200.00
#TRANS 3001 {} -200.00
}
`)

	out := c.mustRun(t, "sie", "import", file, "--period", "2024", "--only", "A2")
	assert.Contains(t, out, "imported 1")

	out = c.mustRun(t, "entry", "list", "--period", "2024")
	assert.Contains(t, out, "Faktura 2")
	assert.NotContains(t, out, "Faktura 1")

	_, err := c.run(t, "sie", "import", file, "--period", "2024", "--only", "B7")
	assert.Error(t, err)
}

func TestSIEImport_Unbalanced(t *testing.T) {
	c := newCLI(t)
	c.mustRun(t, "period", "create", "--label", "2024", "--start", "2024-01-01", "--end", "2024-12-31")
	file := c.writeFile(t, "bad.se", strings.Replace(sampleFile, "-1000.00", "-900.00", 1))

	out, err := c.run(t, "sie", "import", file, "--period", "2024")
	require.Error(t, err)
	assert.Contains(t, out, "rejected A1")
}

func TestTableAlignsWideRunes(t *testing.T) {
	tbl := newTable("KONTO", "NAMN", "BELOPP").alignRight(2)
	tbl.add("1930", "Företagskonto", "5000.00")
	tbl.add("2081", "Aktiekapital", "-5000.00")

	var buf bytes.Buffer
	require.NoError(t, tbl.render(&buf))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)

	// Amounts end in the same terminal column even though "ö" is two bytes.
	assert.Equal(t, len([]rune(lines[1])), len([]rune(lines[2])))
	assert.True(t, strings.HasSuffix(lines[1], " 5000.00"))
	assert.True(t, strings.HasPrefix(lines[0], "KONTO  NAMN"))
}
