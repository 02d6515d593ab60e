package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/itohio/gocgm/pkg/command"
	"github.com/itohio/gocgm/pkg/device"
)

func newPortsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ports",
		Short: "List serial ports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ports, err := device.Ports()
			if err != nil {
				return err
			}
			return printPorts(cmd.OutOrStdout(), ports)
		},
	}
}

func printPorts(w io.Writer, ports []device.PortInfo) error {
	if len(ports) == 0 {
		_, err := fmt.Fprintln(w, "no serial ports found")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tDESCRIPTION\tUSB ID\tSERIAL")
	for _, p := range ports {
		id := "-"
		if p.IsUSB {
			id = p.VID + ":" + p.PID
		}
		serial := p.SerialNumber
		if serial == "" {
			serial = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Description, id, serial)
	}
	return tw.Flush()
}

func newSendCmd(opts *options) *cobra.Command {
	var (
		hex     bool
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send <command>",
		Short: "Send a single command to the sensor",
		Long: "Send a single command to the sensor and exit.\n" +
			"Known commands: " + strings.Join(command.Quick(), ", "),
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}

			payload, err := encodeCommand(strings.Join(args, " "), hex)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			dialer := newDialer(cfg, opts.mock)
			port, err := dialer.Dial(ctx)
			if err != nil {
				return err
			}
			defer port.Close()

			if _, err := port.Write(payload); err != nil {
				return fmt.Errorf("failed to write to %s: %w", dialer.Name(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %d bytes to %s: %s\n", len(payload), dialer.Name(), command.FormatHex(payload))
			return nil
		},
	}

	cmd.Flags().BoolVar(&hex, "hex", false, "interpret the argument as hex bytes")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "dial timeout")

	return cmd
}

// encodeCommand returns the bytes written for a command argument.
func encodeCommand(arg string, hex bool) ([]byte, error) {
	if hex {
		return command.ParseHex(arg)
	}
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return nil, fmt.Errorf("empty command")
	}
	return command.Text(arg), nil
}
