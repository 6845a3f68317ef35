package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/flotilla-dev/flotilla/pkg/fleet"
)

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the address plan for the demo fleet",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		f, err := fleet.New(cfg)
		if err != nil {
			return err
		}
		defer f.Close()

		if err := registerDemoNodes(f); err != nil {
			return err
		}

		topo := f.Allocator().Describe()

		fmt.Println("Regions:")
		regions := make([]string, 0, len(topo.Regions))
		for name := range topo.Regions {
			regions = append(regions, name)
		}
		sort.Strings(regions)
		for _, name := range regions {
			fmt.Printf("  %-20s %s\n", name, topo.Regions[name])
		}

		fmt.Println("Subnets:")
		for _, sub := range topo.Subnets {
			fmt.Printf("  %-20s %-18s %-18s gw=%s allocated=%d remaining=%d\n",
				sub.Region, sub.ServiceType, sub.CIDR, sub.Gateway, sub.Allocated, sub.Remaining)
		}

		fmt.Println("DNS records:")
		names := make([]string, 0, len(topo.DNS))
		for name := range topo.DNS {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Printf("  %-50s %s\n", name, topo.DNS[name])
		}
		return nil
	},
}
