package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/cuemby/fleetwright/internal/ctlsock"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var socketPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps errors to the exit codes named in §6: 0 success,
// 1 command failure, 2 usage/connection failure.
func exitCodeFor(err error) int {
	if _, ok := err.(usageError); ok {
		return 2
	}
	return 1
}

type usageError struct{ error }

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "fleetctl talks to a running fleetnode over its local control socket",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.PersistentFlags().StringVar(&socketPath, "data-dir", "./fleetwright-data", "data directory of the target fleetnode (its control socket lives at <data-dir>/fleetnode.sock)")

	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(templateCmd)
	rootCmd.AddCommand(shutdownCmd)
}

func dial() (*ctlsock.Client, error) {
	path := filepath.Join(socketPath, "fleetnode.sock")
	client, err := ctlsock.Dial(path)
	if err != nil {
		return nil, usageError{fmt.Errorf("could not reach fleetnode at %s: %w", path, err)}
	}
	return client, nil
}

func call(command string, args any) (json.RawMessage, error) {
	client, err := dial()
	if err != nil {
		return nil, err
	}
	defer client.Close()

	resp, err := client.Call(command, args)
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return resp.Result, nil
}

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Inspect and control services on the target node",
}

var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every service tracked by the target node",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := call("service.list", struct{}{})
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

func serviceActionCmd(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " NAME",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := call(command, struct {
				Name string `json:"name"`
			}{Name: args[0]})
			if err != nil {
				return err
			}
			fmt.Println(string(result))
			return nil
		},
	}
}

var serviceScreenCmd = &cobra.Command{
	Use:   "screen NAME [on|off]",
	Short: "Toggle screen forwarding for a service to this CLI invocation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		on := args[1] == "on"
		_, err := call("service.screen", struct {
			Name          string `json:"name"`
			CallerChannel string `json:"callerChannel"`
			On            bool   `json:"on"`
		}{Name: args[0], CallerChannel: "fleetctl", On: on})
		return err
	},
}

func init() {
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceActionCmd("start", "Start a prepared or stopped service", "service.start"))
	serviceCmd.AddCommand(serviceActionCmd("stop", "Stop a running service", "service.stop"))
	serviceCmd.AddCommand(serviceActionCmd("restart", "Restart a service", "service.restart"))
	serviceCmd.AddCommand(serviceActionCmd("delete", "Delete a stopped service", "service.delete"))
	serviceCmd.AddCommand(serviceScreenCmd)
}

var createCmd = &cobra.Command{
	Use:   "create by",
	Short: "Create services",
}

var createByTaskCmd = &cobra.Command{
	Use:   "task NAME AMOUNT",
	Short: "Create AMOUNT services from task NAME",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		var amount int
		if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
			return usageError{fmt.Errorf("amount must be an integer: %s", args[1])}
		}
		result, err := call("create.by_task", struct {
			TaskName string `json:"taskName"`
			Amount   int    `json:"amount"`
		}{TaskName: args[0], Amount: amount})
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

func init() {
	byCmd := &cobra.Command{Use: "by"}
	byCmd.AddCommand(createByTaskCmd)
	createCmd.AddCommand(byCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the target node's configuration",
}

var configReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload cluster configuration from disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := call("config.reload", struct{}{})
		return err
	},
}

func init() {
	configCmd.AddCommand(configReloadCmd)
}

var templateCmd = &cobra.Command{
	Use:   "template",
	Short: "Manage service templates on the target node",
}

var templateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every template",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := call("template.list", struct{}{})
		if err != nil {
			return err
		}
		fmt.Println(string(result))
		return nil
	},
}

func templatePrefixNameCmd(use, short, command string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " PREFIX NAME",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := call(command, struct {
				Prefix string `json:"prefix"`
				Name   string `json:"name"`
			}{Prefix: args[0], Name: args[1]})
			return err
		},
	}
}

func init() {
	templateCmd.AddCommand(templateListCmd)
	templateCmd.AddCommand(templatePrefixNameCmd("create", "Create an empty template directory", "template.create"))
	templateCmd.AddCommand(templatePrefixNameCmd("delete", "Delete a template", "template.delete"))
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Run the target node's shutdown sequence",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := call("shutdown", struct{}{})
		return err
	},
}
