package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pm3/pm3/internal/client"
	"github.com/pm3/pm3/internal/paths"
	"github.com/pm3/pm3/internal/procconf"
	"github.com/pm3/pm3/internal/protocol"
)

// defaultConfigFile is the process configuration looked for in the
// current directory.
const defaultConfigFile = "pm3.toml"

type cliOptions struct {
	json       bool
	configFile string
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	root := &cobra.Command{
		Use:           "pm3",
		Short:         "pm3 is a user-space process supervisor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "emit JSON-framed responses on stdout")
	root.PersistentFlags().StringVar(&opts.configFile, "config", defaultConfigFile, "process configuration file")

	root.AddCommand(
		newStartCommand(opts),
		newStopCommand(opts),
		newRestartCommand(opts),
		newReloadCommand(opts),
		newListCommand(opts),
		newInfoCommand(opts),
		newSignalCommand(opts),
		newSaveCommand(opts),
		newResurrectCommand(opts),
		newFlushCommand(opts),
		newLogCommand(opts),
		newKillCommand(opts),
	)
	return root
}

func dataPaths() (*paths.Paths, error) {
	return paths.New()
}

// run sends a request and renders the single response. The process exit
// code is zero for success-shaped responses, nonzero for errors.
func run(opts *cliOptions, request protocol.Request) error {
	p, err := dataPaths()
	if err != nil {
		return renderFatal(opts, err)
	}
	response, err := client.Send(p, request)
	if err != nil {
		return renderFatal(opts, err)
	}
	return renderResponse(opts, response)
}

func newStartCommand(opts *cliOptions) *cobra.Command {
	var env string
	var wait bool

	cmd := &cobra.Command{
		Use:   "start [NAMES...]",
		Short: "Start configured processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			configs, err := procconf.LoadFile(opts.configFile)
			if err != nil {
				return renderFatal(opts, err)
			}
			req := &protocol.StartRequest{
				Configs: configs,
				Env:     env,
				Wait:    wait,
				Path:    os.Getenv("PATH"),
			}
			if len(args) > 0 {
				req.Names = args
			}
			return run(opts, req)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "apply a named environment overlay")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for started processes to come online")
	return cmd
}

func newStopCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stop [NAMES...]",
		Short: "Stop processes and their dependents",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.StopRequest{}
			if len(args) > 0 {
				req.Names = args
			}
			return run(opts, req)
		},
	}
}

func newRestartCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restart [NAMES...]",
		Short: "Restart processes, preserving restart counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.RestartRequest{}
			if len(args) > 0 {
				req.Names = args
			}
			return run(opts, req)
		},
	}
}

func newReloadCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload [NAMES...]",
		Short: "Zero-downtime reload of health-checked processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.ReloadRequest{Path: os.Getenv("PATH")}
			if len(args) > 0 {
				req.Names = args
			}
			return run(opts, req)
		},
	}
}

func newListCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"view", "ls"},
		Short:   "List supervised processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, &protocol.ListRequest{})
		},
	}
}

func newInfoCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info NAME",
		Short: "Show the detailed state of one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, &protocol.InfoRequest{Name: args[0]})
		},
	}
}

func newSignalCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "signal NAME SIG",
		Short: "Send a signal to a process",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, &protocol.SignalRequest{Name: args[0], Signal: args[1]})
		},
	}
}

func newSaveCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "save",
		Short: "Persist the supervised set to the dump file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, &protocol.SaveRequest{})
		},
	}
}

func newResurrectCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resurrect",
		Short: "Restore the supervised set from the dump file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, &protocol.ResurrectRequest{Path: os.Getenv("PATH")})
		},
	}
}

func newFlushCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "flush [NAMES...]",
		Short: "Truncate process log files",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.FlushRequest{}
			if len(args) > 0 {
				req.Names = args
			}
			return run(opts, req)
		},
	}
}

func newLogCommand(opts *cliOptions) *cobra.Command {
	var lines int
	var follow bool

	cmd := &cobra.Command{
		Use:   "log [NAME]",
		Short: "Show process logs, optionally following live output",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := &protocol.LogRequest{Lines: lines, Follow: follow}
			if len(args) > 0 {
				req.Name = args[0]
			}

			p, err := dataPaths()
			if err != nil {
				return renderFatal(opts, err)
			}
			var streamErr error
			err = client.SendStreaming(p, req, func(response protocol.Response) {
				if e := renderResponse(opts, response); e != nil && streamErr == nil {
					streamErr = e
				}
			})
			if err != nil {
				return renderFatal(opts, err)
			}
			return streamErr
		},
	}
	cmd.Flags().IntVar(&lines, "lines", protocol.DefaultLogLines, "number of backfill lines per stream")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming live lines")
	return cmd
}

func newKillCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill",
		Short: "Shut the daemon down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(opts, &protocol.KillRequest{})
		},
	}
}

func renderFatal(opts *cliOptions, err error) error {
	if opts.json {
		return renderResponse(opts, &protocol.ErrorResponse{Message: err.Error()})
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	return err
}
