package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/openconfig/spf-simulator/pkg/api"
	"github.com/openconfig/spf-simulator/pkg/config"
	"github.com/openconfig/spf-simulator/pkg/rib"
	"github.com/openconfig/spf-simulator/pkg/spf"
	"github.com/openconfig/spf-simulator/pkg/topology"
)

func newRoutes(load func() (*config.Config, error)) *cobra.Command {
	var src, dst uint64
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Compute and print the routing table of the configured topology",
		Long: `Compute and print the routing table of the configured topology.

With --src and --dst only the path between the two switches is printed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			g := topology.Build(cfg.Topology.Switches, cfg.Topology.LinkList())
			tbl, err := spf.New(nil).ComputeAll(g)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("src") || cmd.Flags().Changed("dst") {
				return printPath(cmd.OutOrStdout(), tbl, api.SwitchID(src), api.SwitchID(dst))
			}
			printTable(cmd.OutOrStdout(), tbl)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&src, "src", 0, "source switch")
	cmd.Flags().Uint64Var(&dst, "dst", 0, "destination switch")
	cmd.MarkFlagsRequiredTogether("src", "dst")
	return cmd
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeader(header)
	return table
}

func printTable(w io.Writer, tbl *rib.Table) {
	table := newTable(w, []string{"SRC", "DST", "NEXT HOP", "PORT", "COST"})
	for _, s := range tbl.Sources() {
		for _, d := range tbl.Destinations(s) {
			e, _ := tbl.NextHop(s, d)
			if !e.HasNextHop() {
				continue
			}
			table.Append([]string{
				s.String(),
				d.String(),
				e.NextHop.String(),
				strconv.FormatUint(uint64(e.Port), 10),
				strconv.Itoa(e.Cost),
			})
		}
	}
	table.Render()
}

func printPath(w io.Writer, tbl *rib.Table, src, dst api.SwitchID) error {
	hops, err := tbl.Path(src, dst)
	if err != nil {
		return err
	}
	table := newTable(w, []string{"HOP", "SWITCH", "OUT PORT"})
	for i, h := range hops {
		table.Append([]string{strconv.Itoa(i + 1), h.Switch.String(), strconv.FormatUint(uint64(h.OutPort), 10)})
	}
	table.Render()
	fmt.Fprintf(w, "%d hops from %s to %s\n", len(hops), src, dst)
	return nil
}
