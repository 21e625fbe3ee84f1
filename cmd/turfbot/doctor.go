package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/basket/turfbot/internal/config"
	"github.com/basket/turfbot/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	return doctorCommand(ctx, args, os.Stdout, os.Stderr)
}

func doctorCommand(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOutput := fs.Bool("json", false, "print the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	var cfgPtr *config.Config
	cfg, err := config.Load()
	if err == nil {
		cfgPtr = &cfg
	}
	diag := doctor.Run(ctx, cfgPtr, err, Version)

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(stderr, "Error encoding json: %v\n", err)
			return 1
		}
	} else {
		fmt.Fprintf(stdout, "turfbot doctor report (%s)\n", diag.Timestamp.Format(time.RFC3339))
		fmt.Fprintf(stdout, "System: %s/%s (%s)\n", diag.System.OS, diag.System.Arch, diag.System.Go)
		fmt.Fprintln(stdout, "---")
		for _, res := range diag.Results {
			fmt.Fprintf(stdout, "[%s] %-12s %s\n", res.Status, res.Name, res.Message)
			if res.Detail != "" {
				fmt.Fprintf(stdout, "       %s\n", res.Detail)
			}
		}
	}

	if diag.Failed() {
		return 1
	}
	return 0
}
