// Command portalctl inspects and controls a running portal server.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/pflag"

	"github.com/nmxmxh/portal-engine/internal/engine"
	"github.com/nmxmxh/portal-engine/internal/registry"
)

const usage = `usage: portalctl <command> [--addr URL]

commands:
  models   list registered models
  loaded   list loaded models
  assets   list tracked asset files
  kill     stop the running video prediction
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd := args[0]

	flagSet := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	addr := flagSet.String("addr", defaultAddr(), "server base URL")
	timeout := flagSet.Duration("timeout", 30*time.Second, "request timeout")
	if err := flagSet.Parse(args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			fmt.Fprint(stdout, usage)
			return 0
		}
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	c := newClient(*addr)

	var err error
	switch cmd {
	case "models":
		err = listModels(ctx, c, stdout)
	case "loaded":
		err = listLoaded(ctx, c, stdout)
	case "assets":
		err = listAssets(ctx, c, stdout)
	case "kill":
		err = killVideo(ctx, c, stdout)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n%s", cmd, usage)
		return 2
	}
	if err != nil {
		fmt.Fprintln(stderr, color.New(color.FgRed).Sprint("error: ")+err.Error())
		return 1
	}
	return 0
}

func defaultAddr() string {
	if v := os.Getenv("PORTAL_ADDR"); v != "" {
		return v
	}
	return "http://localhost:9449"
}

func render(out io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(out)
	if err := table.Append(header); err != nil {
		return fmt.Errorf("failed to append header row: %w", err)
	}
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}
	return table.Render()
}

func listModels(ctx context.Context, c *client, out io.Writer) error {
	var models map[string]registry.Info
	if err := c.getJSON(ctx, "/api/model", &models); err != nil {
		return err
	}
	var loaded []string
	if err := c.getJSON(ctx, "/api/model/loadedList", &loaded); err != nil {
		return err
	}
	isLoaded := make(map[string]bool, len(loaded))
	for _, key := range loaded {
		isLoaded[key] = true
	}

	keys := make([]string, 0, len(models))
	for key := range models {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	rows := make([][]string, 0, len(keys))
	for _, key := range keys {
		m := models[key]
		state := color.New(color.FgHiBlack).Sprint("registered")
		if isLoaded[key] {
			state = color.New(color.FgGreen).Sprint("loaded")
		}
		rows = append(rows, []string{key, m.Name, m.Type, m.Directory, state})
	}
	return render(out, []string{"KEY", "NAME", "TYPE", "DIRECTORY", "STATE"}, rows)
}

func listLoaded(ctx context.Context, c *client, out io.Writer) error {
	var loaded []string
	if err := c.getJSON(ctx, "/api/model/loadedList", &loaded); err != nil {
		return err
	}
	rows := make([][]string, len(loaded))
	for i, key := range loaded {
		rows[i] = []string{key}
	}
	return render(out, []string{"KEY"}, rows)
}

func listAssets(ctx context.Context, c *client, out io.Writer) error {
	var files []string
	if err := c.getJSON(ctx, "/api/project/assets", &files); err != nil {
		return err
	}
	rows := make([][]string, len(files))
	for i, f := range files {
		rows[i] = []string{f}
	}
	return render(out, []string{"PATH"}, rows)
}

func killVideo(ctx context.Context, c *client, out io.Writer) error {
	if err := c.post(ctx, "/api/model/predict/video/kill"); err != nil {
		return err
	}
	var p engine.Progress
	if err := c.getJSON(ctx, "/api/model/predict/progress", &p); err != nil {
		return err
	}
	return render(out, []string{"STATUS", "PROGRESS", "TOTAL"}, [][]string{
		{p.Status, fmt.Sprint(p.Progress), fmt.Sprint(p.Total)},
	})
}
