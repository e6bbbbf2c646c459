package cli

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/pbsched/pkg/model"
)

func newNodesCmd() *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "nodes [vnode]",
		Short: "Show one vnode in full, or list vnodes",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				resp, err := client.Get("/api/v1/nodes/"+escape(args[0]), nil)
				if err != nil {
					return fmt.Errorf("get vnode: %w", err)
				}
				if flagJSON {
					return printJSON(out, resp.Data)
				}
				var n model.NodeView
				if err := resp.decode(&n); err != nil {
					return err
				}
				printNode(out, &n)
				return nil
			}

			q := url.Values{}
			if host != "" {
				q.Set("host", host)
			}
			q.Set("limit", "500")
			resp, err := client.Get("/api/v1/nodes", q)
			if err != nil {
				return fmt.Errorf("list vnodes: %w", err)
			}
			if flagJSON {
				return printJSON(out, resp.Data)
			}
			var nodes []model.NodeView
			if err := resp.decode(&nodes); err != nil {
				return err
			}
			if len(nodes) == 0 {
				fmt.Fprintln(out, "No vnodes found.")
				return nil
			}
			fmt.Fprintf(out, "%-16s  %-12s  %-14s  %-6s  %-10s  %s\n", "VNODE", "HOST", "STATE", "NCPUS", "QUEUE", "COMMENT")
			fmt.Fprintf(out, "%-16s  %-12s  %-14s  %-6s  %-10s  %s\n", "-----", "----", "-----", "-----", "-----", "-------")
			for _, n := range nodes {
				ncpus := n.ResourcesAssigned["ncpus"]
				if ncpus == "" {
					ncpus = "0"
				}
				ncpus += "/" + n.ResourcesAvailable["ncpus"]
				fmt.Fprintf(out, "%-16s  %-12s  %-14s  %-6s  %-10s  %s\n", n.ID, n.Host, n.State, ncpus, n.Queue, n.Comment)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "Only vnodes of this host")
	return cmd
}

func printNode(w io.Writer, n *model.NodeView) {
	fmt.Fprintln(w, n.ID)
	fmt.Fprintf(w, "     Mom = %s\n", n.Host)
	fmt.Fprintf(w, "     state = %s\n", n.State)
	if n.Comment != "" {
		fmt.Fprintf(w, "     comment = %s\n", n.Comment)
	}
	if n.Partition != "" {
		fmt.Fprintf(w, "     partition = %s\n", n.Partition)
	}
	if n.Queue != "" {
		fmt.Fprintf(w, "     queue = %s\n", n.Queue)
	}
	if len(n.Jobs) > 0 {
		fmt.Fprintf(w, "     jobs = %s\n", strings.Join(n.Jobs, ", "))
	}
	for _, k := range sortedKeys(n.ResourcesAvailable) {
		fmt.Fprintf(w, "     resources_available.%s = %s\n", k, n.ResourcesAvailable[k])
	}
	for _, k := range sortedKeys(n.ResourcesAssigned) {
		fmt.Fprintf(w, "     resources_assigned.%s = %s\n", k, n.ResourcesAssigned[k])
	}
}
