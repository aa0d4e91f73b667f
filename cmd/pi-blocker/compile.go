package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"pi-blocker/pkg/blocklist"
)

// runCompile turns one or more raw lists (hosts files, adblock rules, plain
// domains) into a normalised, sorted and deduplicated blocklist that the
// server can load as is.
func runCompile(args []string) error {
	return compile(args, os.Stdout)
}

func compile(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("compile", flag.ContinueOnError)
	fs.SetOutput(out)

	var inputs []string
	fs.Func("in", "Raw blocklist to read (repeatable)", func(v string) error {
		inputs = append(inputs, v)
		return nil
	})
	output := fs.String("out", "hostnames/blocklist.txt", "Compiled blocklist to write")
	dryRun := fs.Bool("dry-run", false, "Report counts without writing")

	if err := fs.Parse(args); err != nil {
		return err
	}
	inputs = append(inputs, fs.Args()...)
	if len(inputs) == 0 {
		return errors.New("no input lists given (use -in)")
	}

	raw, err := blocklist.LoadFiles(inputs)
	if err != nil {
		return err
	}
	table := blocklist.NewTable(raw)

	fmt.Fprintf(out, "Blocklist Compile Summary\n")
	fmt.Fprintf(out, "=========================\n")
	fmt.Fprintf(out, "  Inputs:     %d\n", len(inputs))
	fmt.Fprintf(out, "  Entries:    %s\n", formatNumber(len(raw)))
	fmt.Fprintf(out, "  Unique:     %s\n", formatNumber(table.Len()))

	if *dryRun {
		fmt.Fprintf(out, "  Dry run, nothing written\n")
		return nil
	}

	if err := blocklist.WriteFile(*output, table); err != nil {
		return err
	}
	fmt.Fprintf(out, "  Written to: %s\n", *output)
	return nil
}

// formatNumber adds thousands separators.
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	return string(out)
}
