package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sama18-meet/rdma-app/internal/hardware"
)

func newDevicesCmd() *cobra.Command {
	var (
		sysfsRoot string
		asYAML    bool
	)

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the RDMA devices on this host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			devices, err := hardware.Scan(sysfsRoot)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if asYAML {
				enc := yaml.NewEncoder(out)
				if err := enc.Encode(devices); err != nil {
					return err
				}

				return enc.Close()
			}

			if len(devices) == 0 {
				_, err := fmt.Fprintln(out, "No RDMA devices found")
				return err
			}

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DEVICE\tPORT\tSTATE\tLINK\tSPEED\tNODE GUID")

			for _, dev := range devices {
				for _, port := range dev.Ports {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d Gb/s\t%s\n",
						dev.Name, port.Number, port.State, port.LinkLayer, port.Speed, dev.NodeGUID)
				}
			}

			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&sysfsRoot, "sysfs", hardware.DefaultSysfsRoot, "Directory listing RDMA devices")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "Print the devices as YAML")

	return cmd
}
