// Command distqe-client is the non-interactive CLI client (spec.md §6
// "CLI (client)"): it submits one SQL statement, waits for the query
// to finish, and prints the result rows.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/chapterhouse/distqe/client"
	"github.com/chapterhouse/distqe/cmn/config"
	"github.com/chapterhouse/distqe/cmn/nlog"
	"github.com/chapterhouse/distqe/recbatch"
)

func main() {
	cfg, err := config.ParseClient(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-client:", err)
		os.Exit(1)
	}

	sql, err := readSQL(cfg.SQLFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-client:", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.ConnectToAddress, cfg.Port)
	ctx := context.Background()

	c, err := client.Connect(ctx, addr, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-client:", err)
		os.Exit(1)
	}
	defer c.Close()

	queryID, err := c.RunQuery(ctx, sql)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-client:", err)
		os.Exit(1)
	}
	nlog.Infof("distqe-client: query %s submitted", queryID)

	status, err := c.WaitForCompletion(ctx, queryID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-client:", err)
		os.Exit(1)
	}
	if status.Kind == "error" {
		fmt.Fprintln(os.Stderr, "distqe-client: query failed:", status.Error)
		os.Exit(1)
	}

	batch, err := c.FetchAllRows(ctx, queryID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "distqe-client:", err)
		os.Exit(1)
	}
	printBatch(batch)
}

func readSQL(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("a --sql-file is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading --sql-file %q: %w", path, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func printBatch(b recbatch.Batch) {
	if b.NumRows() == 0 {
		fmt.Println("(0 rows)")
		return
	}
	names := b.ColumnNames()
	fmt.Println(strings.Join(names, "\t"))
	for i := 0; i < b.NumRows(); i++ {
		row := b.Row(i)
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprint(v)
		}
		fmt.Println(strings.Join(cells, "\t"))
	}
}
