package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lanprov/lanprovd/internal/netaddr"
)

func newInterfacesCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:          "interfaces",
		Short:        "List IPv4 network interfaces and the one DHCP would pick",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ifaces, err := netaddr.ListInterfaces()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(ifaces)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tIP\tNETMASK\tBROADCAST\tMAC\tINTERNAL")
			for _, i := range ifaces {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%t\n", i.Name, i.IP, i.Netmask, i.Broadcast, i.MAC, i.Internal)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			sel, err := netaddr.Select(ifaces, "", "", nil)
			if err != nil {
				return err
			}
			if sel.Fallback {
				fmt.Fprintf(out, "\nno usable interface, DHCP would fall back to %s %s\n", sel.Name, sel.IP)
			} else {
				fmt.Fprintf(out, "\nDHCP would serve on %s %s\n", sel.Name, sel.IP)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
