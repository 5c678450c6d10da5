// lanprovd serves DHCP on an isolated LAN and provisions the devices that
// announce themselves on it.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

const defaultConfigPath = "/etc/lanprovd/config.toml"

func main() {
	root := &cobra.Command{
		Use:     "lanprovd",
		Short:   "LAN DHCP server and device provisioning daemon",
		Version: version,
	}
	root.AddCommand(newServeCmd(), newInterfacesCmd(), newHashpwCmd(), newInitCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
