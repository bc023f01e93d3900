package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"botbox/internal/capability"
	"botbox/internal/fetch"
	"botbox/internal/logging"
	"botbox/internal/sandbox"
)

var (
	checkSender  string
	checkMessage string
)

// checkCmd compile-checks a script without a server
var checkCmd = &cobra.Command{
	Use:   "check FILE",
	Short: "Compile-check a bot script",
	Long: `Runs the same load check the server applies on makebot and editbot.
With --message, also delivers one message to the script and prints the
resulting output. Curl performs real fetches in that mode.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	source := string(data)
	bot := capability.Identity{
		Name:   strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0])),
		Owner:  "local",
		Digest: capability.SourceDigest(source),
	}

	cell := sandbox.NewCell(cfg.SandboxLimits(), logs.Get(logging.CategorySandbox))
	if err := cell.Check(cmd.Context(), source, bot); err != nil {
		return err
	}
	if checkMessage == "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", args[0])
		return nil
	}

	fetcher := fetch.NewHTTPFetcher(cfg.HTTPOptions(), logs.Get(logging.CategoryFetch))
	outcome, err := fetch.NewOrchestrator(cell, fetcher, logs.Get(logging.CategoryFetch)).Run(cmd.Context(), sandbox.Request{
		Source: source,
		Bot:    bot,
		Entry:  sandbox.EntryOnMessage,
		Args:   []string{checkSender, checkMessage},
	})
	if err != nil {
		return err
	}
	return printJSON(cmd, outcome.Output)
}

// manCmd prints the capability manual
var manCmd = &cobra.Command{
	Use:   "man [FUNC]",
	Short: "Show the bot API manual",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMan,
}

func runMan(cmd *cobra.Command, args []string) error {
	manual, err := capability.LoadManual()
	if err != nil {
		return err
	}
	text := manual.Render()
	if len(args) == 1 {
		if text, err = manual.RenderFunc(args[0]); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), text)
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
