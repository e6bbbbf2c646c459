package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// entity kinds accepted by mgr.
const (
	kindServer   = "server"
	kindResource = "resource"
	kindNode     = "node"
	kindQueue    = "queue"
	kindHook     = "hook"
)

// collection returns the API path for an entity kind.
func collection(kind string) (string, error) {
	switch kind {
	case kindServer:
		return "/api/v1/server", nil
	case kindResource:
		return "/api/v1/resources", nil
	case kindNode:
		return "/api/v1/nodes", nil
	case kindQueue:
		return "/api/v1/queues", nil
	case kindHook:
		return "/api/v1/hooks", nil
	}
	return "", fmt.Errorf("unknown entity %q (want server, resource, node, queue or hook)", kind)
}

func newMgrCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mgr",
		Short: "Manage server, resource, node, queue and hook configuration",
		Long: `Create, set, unset, delete and list configuration entities.

  pbsctl mgr create resource scratch type=size flag=nh
  pbsctl mgr create node h1 count=4 resources_available.ncpus=8
  pbsctl mgr set node h1[0] state=offline comment=maint
  pbsctl mgr create hook prolog event=execjob_prologue script=@prolog.js
  pbsctl mgr set server backfill_depth=2 strict_ordering=true
  pbsctl mgr apply -f site.yaml`,
	}
	cmd.AddCommand(newMgrCreateCmd(), newMgrSetCmd(), newMgrUnsetCmd(), newMgrDeleteCmd(), newMgrListCmd(), newApplyCmd())
	return cmd
}

func newMgrCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <resource|node|queue|hook> <name> [key=value...]",
		Short: "Create an entity",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, name := args[0], args[1]
			attrs, err := parseAttrs(kind, args[2:])
			if err != nil {
				return err
			}
			if err := createEntity(kind, name, attrs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s created\n", kind, name)
			return nil
		},
	}
}

// createEntity posts the create body each entity kind expects.
func createEntity(kind, name string, attrs map[string]string) error {
	path, err := collection(kind)
	if err != nil {
		return err
	}
	var body map[string]any
	switch kind {
	case kindResource:
		body = map[string]any{"name": name, "type": attrs["type"], "flags": attrs["flag"]}
	case kindNode:
		count := 1
		if c, ok := attrs["count"]; ok {
			count, err = strconv.Atoi(c)
			if err != nil {
				return fmt.Errorf("count must be an integer: %w", err)
			}
			delete(attrs, "count")
		}
		body = map[string]any{"host": name, "count": count, "attrs": attrs}
		if v, ok := attrs["natural"]; ok {
			natural, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("natural must be true or false: %w", err)
			}
			delete(attrs, "natural")
			body["natural"] = natural
		}
	case kindQueue, kindHook:
		body = map[string]any{"name": name, "attrs": attrs}
	default:
		return fmt.Errorf("%s cannot be created", kind)
	}
	if _, err := client.Post(path, body); err != nil {
		return fmt.Errorf("create %s %s: %w", kind, name, err)
	}
	return nil
}

func newMgrSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <server|node|queue|hook> [name] key=value...",
		Short: "Set entity attributes as one batch",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			path, err := collection(kind)
			if err != nil {
				return err
			}
			rest := args[1:]
			target := kind
			if kind != kindServer {
				if len(rest) < 2 {
					return fmt.Errorf("set %s needs a name and at least one key=value", kind)
				}
				target = rest[0]
				path += "/" + escape(rest[0])
				rest = rest[1:]
			}
			attrs, err := parseAttrs(kind, rest)
			if err != nil {
				return err
			}
			if _, err := client.Put(path, map[string]any{"attrs": attrs}); err != nil {
				return fmt.Errorf("set %s: %w", target, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s updated\n", kind, target)
			return nil
		},
	}
}

func newMgrUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset <server|node|queue|hook> [name] key...",
		Short: "Restore entity attributes to their defaults",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := args[0]
			path, err := collection(kind)
			if err != nil {
				return err
			}
			keys := args[1:]
			target := kind
			if kind != kindServer {
				if len(keys) < 2 {
					return fmt.Errorf("unset %s needs a name and at least one key", kind)
				}
				target = keys[0]
				path += "/" + escape(keys[0])
				keys = keys[1:]
			}
			if _, err := client.Put(path+"/unset", map[string]any{"keys": keys}); err != nil {
				return fmt.Errorf("unset %s: %w", target, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s updated\n", kind, target)
			return nil
		},
	}
}

func newMgrDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <node|queue|hook> <name>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, name := args[0], args[1]
			if kind == kindServer || kind == kindResource {
				return fmt.Errorf("%s cannot be deleted", kind)
			}
			path, err := collection(kind)
			if err != nil {
				return err
			}
			if _, err := client.Delete(path + "/" + escape(name)); err != nil {
				return fmt.Errorf("delete %s %s: %w", kind, name, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s deleted\n", kind, name)
			return nil
		},
	}
}

func newMgrListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <server|resource|node|queue|hook> [name]",
		Short: "Print entities as JSON",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := collection(args[0])
			if err != nil {
				return err
			}
			if len(args) == 2 {
				path += "/" + escape(args[1])
			}
			resp, err := client.Get(path, nil)
			if err != nil {
				return fmt.Errorf("list %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), resp.Data)
		},
	}
}

// parseAttrs splits key=value arguments. A hook script given as
// script=@path is read from the file.
func parseAttrs(kind string, args []string) (map[string]string, error) {
	attrs, err := parseAssignments(args)
	if err != nil {
		return nil, err
	}
	if kind == kindHook {
		if s, ok := attrs["script"]; ok && strings.HasPrefix(s, "@") {
			data, err := os.ReadFile(s[1:])
			if err != nil {
				return nil, fmt.Errorf("read hook script: %w", err)
			}
			attrs["script"] = string(data)
		}
	}
	return attrs, nil
}
