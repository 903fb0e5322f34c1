package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/keel/pkg/resources"
	"github.com/platinummonkey/keel/pkg/rpc"
	"github.com/platinummonkey/keel/pkg/schemas"
)

func newLoginCommand(env *Env) *Command {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	conn := addConnFlags(fs)
	return &Command{
		Name:        "login",
		Description: "Print an access token",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			token, err := c.Token()
			if err != nil {
				return fmt.Errorf("login failed: %w", err)
			}
			return printJSON(env.Out, map[string]interface{}{
				"accessToken": token.AccessToken,
				"expiry":      token.Expiry,
			})
		},
	}
}

func newSchemaCommand(env *Env) *Command {
	return &Command{
		Name:        "schema",
		Description: "Manage resource schemas",
		Subcommands: map[string]*Command{
			"apply": newSchemaApplyCommand(env),
			"list":  newSchemaListCommand(env),
		},
	}
}

func newSchemaApplyCommand(env *Env) *Command {
	fs := flag.NewFlagSet("schema apply", flag.ContinueOnError)
	conn := addConnFlags(fs)
	dir := fs.String("dir", ".", "Directory of <kind>.json schema files")
	return &Command{
		Name:        "apply",
		Description: "Create or replace schemas from files",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			files, err := filepath.Glob(filepath.Join(*dir, "*.json"))
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no schema files in %s", *dir)
			}

			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			for _, path := range files {
				kind := strings.TrimSuffix(filepath.Base(path), ".json")
				data, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read %s: %w", path, err)
				}
				schema, changed, err := c.Schemas.Apply(ctx, kind, string(data))
				if err != nil {
					return fmt.Errorf("failed to apply %s: %w", kind, err)
				}
				env.Log.WithFields(logrus.Fields{"kind": kind, "changed": changed}).Info("Applied schema")
				if err := printJSON(env.Out, schema); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func newSchemaListCommand(env *Env) *Command {
	fs := flag.NewFlagSet("schema list", flag.ContinueOnError)
	conn := addConnFlags(fs)
	filter := fs.String("filter", "", "Only kinds containing this text")
	return &Command{
		Name:        "list",
		Description: "List schemas",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			return c.Schemas.List(ctx, &rpc.ListSchemasRequest{Filter: *filter}, func(s *schemas.Schema) error {
				return printJSON(env.Out, s)
			})
		},
	}
}

func newResourceCommand(env *Env) *Command {
	return &Command{
		Name:        "resource",
		Description: "Create, read and list resources",
		Subcommands: map[string]*Command{
			"create": newResourceCreateCommand(env),
			"get":    newResourceGetCommand(env),
			"list":   newResourceListCommand(env),
		},
	}
}

func newResourceCreateCommand(env *Env) *Command {
	fs := flag.NewFlagSet("resource create", flag.ContinueOnError)
	conn := addConnFlags(fs)
	kind := fs.String("kind", "", "Resource kind")
	data := fs.String("data", "{}", "JSON document")
	parent := fs.String("parent", "", "Structural parent id")
	permParent := fs.String("permission-parent", "", "Resource to inherit permissions from")
	labels := labelFlag{}
	fs.Var(labels, "label", "key=value label, repeatable")
	return &Command{
		Name:        "create",
		Description: "Create a resource",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			if *kind == "" {
				return fmt.Errorf("kind is required")
			}
			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			r, err := c.Resources.Create(ctx, &resources.CreateRequest{
				Kind:               *kind,
				ParentID:           *parent,
				PermissionParentID: *permParent,
				Data:               *data,
				Labels:             labels,
			})
			if err != nil {
				return err
			}
			return printJSON(env.Out, r)
		},
	}
}

func newResourceGetCommand(env *Env) *Command {
	fs := flag.NewFlagSet("resource get", flag.ContinueOnError)
	conn := addConnFlags(fs)
	return &Command{
		Name:        "get",
		Description: "Print one resource",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			if fs.NArg() != 1 {
				return fmt.Errorf("usage: keelctl resource get [flags] <id>")
			}
			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			r, err := c.Resources.Get(ctx, fs.Arg(0))
			if err != nil {
				return err
			}
			return printJSON(env.Out, r)
		},
	}
}

func newResourceListCommand(env *Env) *Command {
	fs := flag.NewFlagSet("resource list", flag.ContinueOnError)
	conn := addConnFlags(fs)
	kind := fs.String("kind", "", "Only this kind")
	filter := fs.String("filter", "", "JSON object the document must contain")
	query := fs.String("query", "", "Text any string value must contain")
	skip := fs.Int("skip", 0, "Skip this many matches")
	labels := labelFlag{}
	fs.Var(labels, "label", "key=value label, repeatable")
	return &Command{
		Name:        "list",
		Description: "List visible resources",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			req := &resources.ListRequest{Kind: *kind, Filter: *filter, Query: *query, Skip: *skip}
			if len(labels) > 0 {
				req.Labels = labels
			}
			return c.Resources.List(ctx, req, func(r *resources.Resource) error {
				return printJSON(env.Out, r)
			})
		},
	}
}

func newLockCommand(env *Env) *Command {
	fs := flag.NewFlagSet("lock", flag.ContinueOnError)
	conn := addConnFlags(fs)
	id := fs.String("id", "", "Lock id")
	try := fs.Bool("try", false, "Fail instead of waiting when the lock is held")
	return &Command{
		Name:        "lock",
		Description: "Run a command while holding a lock",
		Flags:       fs,
		Run: func(ctx context.Context, args []string) error {
			if err := fs.Parse(args); err != nil {
				return err
			}
			if *id == "" || fs.NArg() == 0 {
				return fmt.Errorf("usage: keelctl lock -id <lock> [flags] -- <command> [args]")
			}
			c, err := conn.dial(ctx, env)
			if err != nil {
				return err
			}
			defer c.Close()

			acquire := c.Locks.Lock
			if *try {
				acquire = c.Locks.TryLock
			}
			held, err := acquire(ctx, *id)
			if err != nil {
				return err
			}
			defer held.Release()

			log := env.Log.WithFields(logrus.Fields{"lock": held.LockID, "fencing_token": held.FencingToken})
			log.Info("Lock acquired")

			// losing the lock kills the command
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			go func() {
				select {
				case <-held.Done():
					cancel()
				case <-runCtx.Done():
				}
			}()

			cmd := exec.CommandContext(runCtx, fs.Arg(0), fs.Args()[1:]...)
			cmd.Stdout = env.Out
			cmd.Stderr = os.Stderr
			cmd.Stdin = os.Stdin
			cmd.Env = append(os.Environ(), "KEEL_FENCING_TOKEN="+strconv.FormatInt(held.FencingToken, 10))
			err = cmd.Run()
			select {
			case <-held.Done():
				if lost := held.Err(); lost != nil {
					return fmt.Errorf("lock lost while running command: %w", lost)
				}
			default:
			}
			if err != nil {
				return fmt.Errorf("command failed: %w", err)
			}
			log.Info("Lock released")
			return nil
		},
	}
}
