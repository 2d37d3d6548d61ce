// Command relite is the terminal REPL spec.md §6 describes: `relite
// <dbfile>` opens (or creates) a database and accepts ';'-terminated SQL
// statements until '.exit'. Grounded on the teacher's cmd/repl/main.go
// (buffered stdin scanner, statement accumulation, bordered table printer,
// meta-command dispatch, exit-code convention) but rebuilt against
// internal/conn instead of database/sql, since this engine has no driver
// registered with that package.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relitedb/relite/internal/catalog"
	"github.com/relitedb/relite/internal/conn"
	"github.com/relitedb/relite/internal/errs"
)

var (
	flagDSN    = flag.String("dsn", "", "path to the database file (positional argument also accepted)")
	flagConfig = flag.String("config", "", "optional YAML config file (page_size, busy_deadline_ms, format)")
)

// config is the shape of --config's YAML file (spec.md §9's "configurable"
// busy-retry deadline, surfaced here rather than hardcoded).
type config struct {
	PageSize       int    `yaml:"page_size"`
	BusyDeadlineMS int    `yaml:"busy_deadline_ms"`
	Format         string `yaml:"format"`
}

func loadConfig(path string) (config, error) {
	var cfg config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(*flagConfig)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	dsn := *flagDSN
	if dsn == "" && flag.NArg() > 0 {
		dsn = flag.Arg(0)
	}
	if dsn == "" {
		fmt.Fprintln(os.Stderr, "usage: relite [--dsn path.db | path.db] [--config config.yml]")
		os.Exit(2)
	}

	opts := conn.DefaultOptions()
	if cfg.PageSize > 0 {
		opts.Pager.PageSize = cfg.PageSize
	}
	if cfg.BusyDeadlineMS > 0 {
		opts.BusyDeadline = time.Duration(cfg.BusyDeadlineMS) * time.Millisecond
	}

	c, err := conn.Open(dsn, opts)
	if err != nil {
		log.Println("open error:", err)
		os.Exit(1)
	}
	defer c.Close()

	os.Exit(runREPL(c, dsn, cfg.Format))
}

func runREPL(c *conn.Connection, dsn, format string) int {
	if format == "" {
		format = "table"
	}

	interactive := false
	if fi, err := os.Stdin.Stat(); err == nil {
		interactive = (fi.Mode() & os.ModeCharDevice) != 0
	}

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 1024), 4*1024*1024)

	if interactive {
		fmt.Printf("relite %s  session %s\n", dsn, c.SessionID)
		fmt.Println("Statements end with ';'. '.exit' to quit, '.help' for meta-commands.")
	}

	var buf strings.Builder
	for {
		if interactive {
			if buf.Len() == 0 {
				fmt.Print("relite> ")
			} else {
				fmt.Print("    ...> ")
			}
		}

		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				fmt.Fprintln(os.Stderr, "read error:", err)
				return 1
			}
			return 0
		}

		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}

		if buf.Len() == 0 && strings.HasPrefix(line, ".") {
			if code, handled := handleMeta(c, line); handled {
				if code >= 0 {
					return code
				}
				continue
			}
		}

		buf.WriteString(line)
		buf.WriteString(" ")
		if !strings.HasSuffix(line, ";") {
			continue
		}

		stmt := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(buf.String()), ";"))
		buf.Reset()
		if stmt == "" {
			continue
		}

		res, err := c.Execute(stmt)
		if err != nil {
			fmt.Println("ERR:", friendlyError(err))
			continue
		}
		if len(res.Columns) > 0 {
			printTable(res.Columns, res.Rows)
		} else if res.RowsAffected > 0 {
			fmt.Printf("OK (%d row(s) affected)\n", res.RowsAffected)
		} else if interactive {
			fmt.Println("OK")
		}
	}
}

// handleMeta dispatches a '.'-prefixed meta-command. The returned int is a
// process exit code ('.exit') or -1 when the command doesn't end the REPL.
func handleMeta(c *conn.Connection, line string) (int, bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".exit", ".quit":
		return 0, true
	case ".help":
		fmt.Println(`.exit              quit
.tables            list user tables
.schema <table>    show a table's column list
EXPLAIN <select>;  print the SELECT's plan tree instead of running it`)
		return -1, true
	case ".tables":
		names := c.Catalog().TableNames()
		for _, n := range names {
			fmt.Println(n)
		}
		return -1, true
	case ".schema":
		if len(fields) != 2 {
			fmt.Println("usage: .schema <table>")
			return -1, true
		}
		printSchema(c.Catalog(), fields[1])
		return -1, true
	}
	fmt.Println("unknown meta-command:", fields[0])
	return -1, true
}

func printSchema(cat *catalog.Catalog, table string) {
	ts, ok := cat.Table(table)
	if !ok {
		fmt.Println("ERR: no such table:", table)
		return
	}
	for i, col := range ts.Columns {
		pk := ""
		if i == ts.PK {
			pk = " PRIMARY KEY"
		}
		nn := ""
		if col.NotNull {
			nn = " NOT NULL"
		}
		fmt.Printf("  %-16s %-4s%s%s\n", col.Name, col.Type, pk, nn)
	}
	for _, idx := range cat.Indexes(table) {
		kind := "INDEX"
		if idx.Unique {
			kind = "UNIQUE INDEX"
		}
		fmt.Printf("  %s %s ON %s(%s)\n", kind, idx.Name, table, idx.Column)
	}
}

func printTable(cols []string, rows [][]catalog.Value) {
	width := make([]int, len(cols))
	for i, c := range cols {
		width[i] = len(c)
	}
	cellStrings := make([][]string, len(rows))
	for r, row := range rows {
		cellStrings[r] = make([]string, len(cols))
		for i, v := range row {
			s := v.String()
			cellStrings[r][i] = s
			if len(s) > width[i] {
				width[i] = len(s)
			}
		}
	}

	printRow := func(cells []string) {
		for i, w := range width {
			fmt.Print(padRight(cells[i], w))
			if i < len(width)-1 {
				fmt.Print(" | ")
			}
		}
		fmt.Println()
	}

	printRow(cols)
	sep := make([]string, len(cols))
	for i, w := range width {
		sep[i] = strings.Repeat("-", w)
	}
	printRow(sep)
	for _, cells := range cellStrings {
		printRow(cells)
	}
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

// friendlyError renders an engine error with its kind tag, the way SQLite's
// own CLI prefixes errors with "Error:" but keeping our Kind enum visible
// for scripting callers that grep the REPL's stdout.
func friendlyError(err error) string {
	return fmt.Sprintf("[%s] %s", errs.KindOf(err), err.Error())
}
