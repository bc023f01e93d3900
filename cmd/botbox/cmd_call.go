package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"botbox/internal/server"
)

// callCmd sends one request to a running server
var callCmd = &cobra.Command{
	Use:   "call TYPE [key=value...]",
	Short: "Send a control request to a running server",
	Long: `Sends one control request and prints the response. Keys are the request
fields (name, message, user, code, func, job, reason). A value starting
with @ is read from the named file:

  botbox call makebot name=echo user=alice code=@echo.go
  botbox call message name=bob message="hi there"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCall,
}

// runJobCmd is a shortcut for external schedulers
var runJobCmd = &cobra.Command{
	Use:   "runjob BOT JOB",
	Short: "Run one periodic job of a bot",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return call(cmd, server.Request{Type: "runjob", Name: args[0], Job: args[1]})
	},
}

func runCall(cmd *cobra.Command, args []string) error {
	req, err := parseCallArgs(args[0], args[1:])
	if err != nil {
		return err
	}
	return call(cmd, req)
}

// parseCallArgs builds a request from key=value pairs. Unknown keys are
// rejected.
func parseCallArgs(typ string, pairs []string) (server.Request, error) {
	fields := map[string]string{"type": typ}
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" || key == "type" {
			return server.Request{}, fmt.Errorf("invalid argument %q, want key=value", pair)
		}
		if path, isFile := strings.CutPrefix(value, "@"); isFile {
			data, err := os.ReadFile(path)
			if err != nil {
				return server.Request{}, err
			}
			value = string(data)
		}
		fields[key] = value
	}

	raw, err := json.Marshal(fields)
	if err != nil {
		return server.Request{}, err
	}
	var req server.Request
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return server.Request{}, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func call(cmd *cobra.Command, req server.Request) error {
	data, err := server.NewClient(cfg.Server.SocketPath).Call(cmd.Context(), req)

	var remote *server.RemoteError
	if errors.As(err, &remote) {
		if verbose {
			fmt.Fprintln(cmd.ErrOrStderr(), remote.Body.Stacktrace)
		}
		if remote.Body.RemovedBot != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "bot %s was removed; notices:\n", remote.Body.RemovedBot.Name)
			if err := printJSON(cmd, remote.Body.RemovedBot.Output); err != nil {
				return err
			}
		}
		return errors.New(remote.Body.Message)
	}
	if err != nil {
		return err
	}

	var text string
	if json.Unmarshal(data, &text) == nil {
		fmt.Fprintln(cmd.OutOrStdout(), text)
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return printJSON(cmd, v)
}
