package cli

import (
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/pbsched/pkg/model"
)

// jobFile is the YAML form of a job accepted by submit -f.
type jobFile struct {
	Name      string            `yaml:"name"`
	Owner     string            `yaml:"owner"`
	Queue     string            `yaml:"queue"`
	Select    string            `yaml:"select"`
	Place     string            `yaml:"place"`
	Resources map[string]string `yaml:"resources"`
	Priority  int               `yaml:"priority"`
	Hold      bool              `yaml:"hold"`
}

func newSubmitCmd() *cobra.Command {
	var (
		file      string
		req       jobFile
		resources []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job",
		Long: `Submit a job to a queue. Flags override values read from a YAML job
file given with -f. Example:

  pbsctl submit --select 2:ncpus=4:mem=8gb --place scatter -l walltime=01:00:00`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := jobFile{}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read job file: %w", err)
				}
				if err := yaml.Unmarshal(data, &body); err != nil {
					return fmt.Errorf("parse job file: %w", err)
				}
			}
			flags := cmd.Flags()
			if flags.Changed("name") {
				body.Name = req.Name
			}
			if flags.Changed("owner") || body.Owner == "" {
				body.Owner = req.Owner
			}
			if flags.Changed("queue") {
				body.Queue = req.Queue
			}
			if flags.Changed("select") {
				body.Select = req.Select
			}
			if flags.Changed("place") {
				body.Place = req.Place
			}
			if flags.Changed("priority") {
				body.Priority = req.Priority
			}
			if flags.Changed("hold") {
				body.Hold = req.Hold
			}
			if len(resources) > 0 {
				if body.Resources == nil {
					body.Resources = make(map[string]string)
				}
				kv, err := parseAssignments(resources)
				if err != nil {
					return err
				}
				for k, v := range kv {
					body.Resources[k] = v
				}
			}

			resp, err := client.Post("/api/v1/jobs", map[string]any{
				"name":      body.Name,
				"owner":     body.Owner,
				"queue":     body.Queue,
				"select":    body.Select,
				"place":     body.Place,
				"resources": body.Resources,
				"priority":  body.Priority,
				"hold":      body.Hold,
			})
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}
			var j model.Job
			if err := resp.decode(&j); err != nil {
				return err
			}
			logger.Debug("job submitted", "job_id", j.ID, "state", j.State)
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, j.ID)
			if j.State == model.JobStateHeld && j.Comment != "" {
				fmt.Fprintf(out, "  held: %s\n", j.Comment)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&file, "file", "f", "", "YAML job file")
	f.StringVarP(&req.Name, "name", "N", "", "Job name")
	f.StringVar(&req.Owner, "owner", currentUser(), "Job owner")
	f.StringVarP(&req.Queue, "queue", "q", "", "Destination queue (default: server default_queue)")
	f.StringVar(&req.Select, "select", "", `Chunk request, e.g. "2:ncpus=1:mem=1gb+1:ncpus=4"`)
	f.StringVar(&req.Place, "place", "", "Placement: free, pack, scatter, vscatter with optional :excl, :exclhost, :shared")
	f.StringArrayVarP(&resources, "resource", "l", nil, "Job-wide resource name=value (repeatable)")
	f.IntVarP(&req.Priority, "priority", "p", 0, "Job priority")
	f.BoolVar(&req.Hold, "hold", false, "Submit in the held state")
	return cmd
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

// parseAssignments splits "k=v" arguments into a map.
func parseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected name=value, got %q", a)
		}
		out[k] = v
	}
	return out, nil
}
