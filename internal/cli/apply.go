package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/me/pbsched/pkg/model"
)

// siteConfig is a declarative site description applied by mgr apply.
//
//	resources:
//	  - {name: scratch, type: size, flags: nh}
//	queues:
//	  fast: {backfill_depth: 0, priority: 10}
//	nodes:
//	  - host: h1
//	    count: 2
//	    attrs: {resources_available.ncpus: 8}
//	hooks:
//	  prolog: {event: execjob_prologue, script_file: prolog.js}
//	server:
//	  strict_ordering: true
type siteConfig struct {
	Resources []struct {
		Name  string `yaml:"name"`
		Type  string `yaml:"type"`
		Flags string `yaml:"flags"`
	} `yaml:"resources"`
	Queues map[string]map[string]string `yaml:"queues"`
	Nodes  []struct {
		Host  string            `yaml:"host"`
		Count int               `yaml:"count"`
		Attrs map[string]string `yaml:"attrs"`
	} `yaml:"nodes"`
	Hooks  map[string]map[string]string `yaml:"hooks"`
	Server map[string]string            `yaml:"server"`
}

func newApplyCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "apply -f <site.yaml>",
		Short: "Create or update entities from a YAML site description",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("read site file: %w", err)
			}
			var site siteConfig
			if err := yaml.Unmarshal(data, &site); err != nil {
				return fmt.Errorf("parse site file: %w", err)
			}
			n, err := applySite(&site, filepath.Dir(file))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d entities applied\n", n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML site description")
	cmd.MarkFlagRequired("file")
	return cmd
}

// applySite creates missing entities and sets attributes on existing ones.
// Order matters: vnodes may name queues, and the server's default_queue
// must exist before it is set.
func applySite(site *siteConfig, dir string) (int, error) {
	applied := 0
	for _, r := range site.Resources {
		err := createEntity(kindResource, r.Name, map[string]string{"type": r.Type, "flag": r.Flags})
		if err != nil && !model.IsCode(err, model.ErrConflict) {
			return applied, err
		}
		applied++
	}
	for _, name := range sortedMapKeys(site.Queues) {
		if err := upsert(kindQueue, name, site.Queues[name]); err != nil {
			return applied, err
		}
		applied++
	}
	for _, n := range site.Nodes {
		attrs := n.Attrs
		if attrs == nil {
			attrs = map[string]string{}
		}
		if _, err := client.Get("/api/v1/nodes/"+escape(n.Host), nil); err == nil {
			if len(attrs) > 0 {
				if _, err := client.Put("/api/v1/nodes/"+escape(n.Host), map[string]any{"attrs": attrs}); err != nil {
					return applied, fmt.Errorf("set node %s: %w", n.Host, err)
				}
			}
		} else if model.IsCode(err, model.ErrNotFound) {
			body := map[string]any{"host": n.Host, "count": max(n.Count, 1), "attrs": attrs}
			if _, err := client.Post("/api/v1/nodes", body); err != nil {
				return applied, fmt.Errorf("create node %s: %w", n.Host, err)
			}
		} else {
			return applied, err
		}
		applied++
	}
	for _, name := range sortedMapKeys(site.Hooks) {
		attrs := site.Hooks[name]
		if f, ok := attrs["script_file"]; ok {
			if !filepath.IsAbs(f) {
				f = filepath.Join(dir, f)
			}
			data, err := os.ReadFile(f)
			if err != nil {
				return applied, fmt.Errorf("read script for hook %s: %w", name, err)
			}
			delete(attrs, "script_file")
			attrs["script"] = string(data)
		}
		if err := upsert(kindHook, name, attrs); err != nil {
			return applied, err
		}
		applied++
	}
	if len(site.Server) > 0 {
		if _, err := client.Put("/api/v1/server", map[string]any{"attrs": site.Server}); err != nil {
			return applied, fmt.Errorf("set server: %w", err)
		}
		applied++
	}
	return applied, nil
}

// upsert creates a queue or hook, or sets its attributes when it exists.
func upsert(kind, name string, attrs map[string]string) error {
	path, err := collection(kind)
	if err != nil {
		return err
	}
	_, err = client.Get(path+"/"+escape(name), nil)
	switch {
	case err == nil:
		if len(attrs) == 0 {
			return nil
		}
		if _, err := client.Put(path+"/"+escape(name), map[string]any{"attrs": attrs}); err != nil {
			return fmt.Errorf("set %s %s: %w", kind, name, err)
		}
		return nil
	case model.IsCode(err, model.ErrNotFound):
		return createEntity(kind, name, attrs)
	default:
		return err
	}
}

func sortedMapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
