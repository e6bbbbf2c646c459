package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/pbsched/pkg/model"
)

// printJSON writes the envelope data indented, for --json.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatCmd() *cobra.Command {
	var (
		state string
		queue string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "stat [job_id]",
		Short: "Show one job in full, or list jobs",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				resp, err := client.Get("/api/v1/jobs/"+escape(args[0]), nil)
				if err != nil {
					return fmt.Errorf("get job: %w", err)
				}
				if flagJSON {
					return printJSON(out, resp.Data)
				}
				var j model.Job
				if err := resp.decode(&j); err != nil {
					return err
				}
				printJob(out, &j)
				return nil
			}

			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if queue != "" {
				q.Set("queue", queue)
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			resp, err := client.Get("/api/v1/jobs", q)
			if err != nil {
				return fmt.Errorf("list jobs: %w", err)
			}
			if flagJSON {
				return printJSON(out, resp.Data)
			}
			var jobs []model.Job
			if err := resp.decode(&jobs); err != nil {
				return err
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No jobs found.")
				return nil
			}
			fmt.Fprintf(out, "%-16s  %-16s  %-10s  %-10s  %-2s  %s\n", "JOB ID", "NAME", "OWNER", "QUEUE", "S", "COMMENT")
			fmt.Fprintf(out, "%-16s  %-16s  %-10s  %-10s  %-2s  %s\n", "------", "----", "-----", "-----", "-", "-------")
			for _, j := range jobs {
				fmt.Fprintf(out, "%-16s  %-16s  %-10s  %-10s  %-2s  %s\n", j.ID, j.Name, j.Owner, j.Queue, j.State, j.Comment)
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(jobs), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&state, "state", "s", "", "Filter by state (Q, R, E, F, H)")
	cmd.Flags().StringVarP(&queue, "queue", "q", "", "Filter by queue")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	return cmd
}

func printJob(w io.Writer, j *model.Job) {
	fmt.Fprintf(w, "Job Id: %s\n", j.ID)
	fmt.Fprintf(w, "    Job_Name = %s\n", j.Name)
	fmt.Fprintf(w, "    Job_Owner = %s\n", j.Owner)
	fmt.Fprintf(w, "    job_state = %s\n", j.State)
	fmt.Fprintf(w, "    queue = %s\n", j.Queue)
	if j.Comment != "" {
		fmt.Fprintf(w, "    comment = %s\n", j.Comment)
	}
	if len(j.Select) > 0 {
		fmt.Fprintf(w, "    Resource_List.select = %s\n", j.Select)
	}
	for _, k := range sortedKeys(j.Resources) {
		fmt.Fprintf(w, "    Resource_List.%s = %s\n", k, j.Resources[k])
	}
	for _, k := range sortedKeys(j.ResourcesUsed) {
		fmt.Fprintf(w, "    resources_used.%s = %s\n", k, j.ResourcesUsed[k])
	}
	if hosts := j.ExecHosts(); len(hosts) > 0 {
		fmt.Fprintf(w, "    exec_host = %s\n", strings.Join(hosts, "+"))
	}
	fmt.Fprintf(w, "    run_count = %d\n", j.RunCount)
	if j.EstimatedStart != nil {
		fmt.Fprintf(w, "    estimated.start_time = %s\n", j.EstimatedStart.Format(time.RFC3339))
	}
	if j.ExitStatus != nil {
		fmt.Fprintf(w, "    Exit_status = %d\n", *j.ExitStatus)
	}
	fmt.Fprintf(w, "    qtime = %s\n", j.SubmittedAt.Format(time.RFC3339))
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <job_id>...",
		Short: "Delete jobs, terminating running ones",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, id := range args {
				if _, err := client.Delete("/api/v1/jobs/" + escape(id)); err != nil {
					return fmt.Errorf("delete %s: %w", id, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Job %s deleted\n", id)
			}
			return nil
		},
	}
}

func newReleaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "release <job_id>",
		Short: "Release a held job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/jobs/"+escape(args[0])+"/release", nil)
			if err != nil {
				return fmt.Errorf("release: %w", err)
			}
			var j model.Job
			if err := resp.decode(&j); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s: %s\n", j.ID, j.State)
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events (job|node) <id>",
		Short: "Show the lifecycle history of a job or a vnode",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var path string
			switch args[0] {
			case "job":
				path = "/api/v1/jobs/" + escape(args[1]) + "/events"
			case "node":
				path = "/api/v1/nodes/" + escape(args[1]) + "/events"
			default:
				return fmt.Errorf("unknown kind %q, want job or node", args[0])
			}
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			resp, err := client.Get(path, q)
			if err != nil {
				return fmt.Errorf("events: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp.Data)
			}
			if args[0] == "job" {
				var recs []model.JobRecord
				if err := resp.decode(&recs); err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Fprintf(out, "%s  %-10s  %-2s  %-12s  %s\n", r.Time.Format(time.RFC3339), r.Event, r.State, r.Host, r.Detail)
				}
				return nil
			}
			var recs []model.NodeRecord
			if err := resp.decode(&recs); err != nil {
				return err
			}
			for _, r := range recs {
				fmt.Fprintf(out, "%s  %-14s  %s\n", r.Time.Format(time.RFC3339), r.State, r.Comment)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum records")
	return cmd
}

func newCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one scheduling cycle now and show its verdicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post("/api/v1/scheduler/cycle", nil)
			if err != nil {
				return fmt.Errorf("cycle: %w", err)
			}
			out := cmd.OutOrStdout()
			if flagJSON {
				return printJSON(out, resp.Data)
			}
			var res struct {
				ID       int64 `json:"id"`
				Restarts int   `json:"restarts"`
				Skipped  bool  `json:"skipped"`
				Verdicts []struct {
					JobID   string `json:"job_id"`
					Action  string `json:"action"`
					Comment string `json:"comment"`
				} `json:"verdicts"`
			}
			if err := resp.decode(&res); err != nil {
				return err
			}
			if res.Skipped {
				fmt.Fprintf(out, "Cycle %d skipped (scheduling disabled)\n", res.ID)
				return nil
			}
			fmt.Fprintf(out, "Cycle %d: %d verdicts, %d restarts\n", res.ID, len(res.Verdicts), res.Restarts)
			for _, v := range res.Verdicts {
				fmt.Fprintf(out, "  %-16s  %-12s  %s\n", v.JobID, v.Action, v.Comment)
			}
			return nil
		},
	}
}

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Get("/api/v1/health", nil)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), resp.Data)
		},
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
