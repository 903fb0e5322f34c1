package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/keel/pkg/client"
	"github.com/platinummonkey/keel/pkg/identity"
)

// Command represents a CLI command
type Command struct {
	Name        string
	Description string
	Run         func(ctx context.Context, args []string) error
	Subcommands map[string]*Command
	Flags       *flag.FlagSet
}

// DialFunc connects to a keel server
type DialFunc func(ctx context.Context, target string, opts client.Options) (*client.Client, error)

// Env is what commands share: where output goes and how to reach the
// server
type Env struct {
	Out  io.Writer
	Log  *logrus.Logger
	Dial DialFunc
}

// NewEnv returns the environment used by the keelctl binary
func NewEnv() *Env {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return &Env{Out: os.Stdout, Log: log, Dial: client.Dial}
}

// NewRootCommand creates the root command
func NewRootCommand(env *Env) *Command {
	root := &Command{
		Name:        "keelctl",
		Description: "keelctl - command-line client for the keel catalog",
		Subcommands: make(map[string]*Command),
		Flags:       flag.NewFlagSet("keelctl", flag.ContinueOnError),
	}

	root.Subcommands["login"] = newLoginCommand(env)
	root.Subcommands["schema"] = newSchemaCommand(env)
	root.Subcommands["resource"] = newResourceCommand(env)
	root.Subcommands["lock"] = newLockCommand(env)

	return root
}

// Execute runs the subcommand named by args[0]
func (c *Command) Execute(ctx context.Context, out io.Writer, args []string) error {
	if c.Run != nil {
		return c.Run(ctx, args)
	}
	if len(args) == 0 || isHelp(args[0]) {
		return c.usage(out)
	}
	if sub, ok := c.Subcommands[args[0]]; ok {
		return sub.Execute(ctx, out, args[1:])
	}
	return fmt.Errorf("unknown command: %s", args[0])
}

func isHelp(arg string) bool {
	switch strings.ToLower(arg) {
	case "-h", "--help", "help":
		return true
	}
	return false
}

// usage prints the command usage
func (c *Command) usage(out io.Writer) error {
	fmt.Fprintf(out, "Usage: %s <command> [args]\n\n", c.Name)
	fmt.Fprintf(out, "Commands:\n")
	names := make([]string, 0, len(c.Subcommands))
	for name := range c.Subcommands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-15s %s\n", name, c.Subcommands[name].Description)
	}
	return nil
}

// connFlags are the connection flags every remote command accepts
type connFlags struct {
	server   *string
	insecure *bool
	sa       *string
	secret   *string
}

func addConnFlags(fs *flag.FlagSet) *connFlags {
	return &connFlags{
		server:   fs.String("server", envOr("KEEL_SERVER", "localhost:50051"), "keel gRPC address"),
		insecure: fs.Bool("insecure", false, "Dial without TLS"),
		sa:       fs.String("sa", os.Getenv("KEEL_SA"), "Service account to log in as"),
		secret:   fs.String("secret", os.Getenv("KEEL_SA_SECRET"), "Service account secret"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (f *connFlags) dial(ctx context.Context, env *Env) (*client.Client, error) {
	if *f.sa == "" || *f.secret == "" {
		return nil, fmt.Errorf("service account and secret are required (-sa, -secret or KEEL_SA, KEEL_SA_SECRET)")
	}
	env.Log.WithFields(logrus.Fields{"server": *f.server, "sa": *f.sa}).Debug("Connecting")
	return env.Dial(ctx, *f.server, client.Options{
		Credentials: &identity.LoginRequest{ServiceAccountID: *f.sa, Password: *f.secret},
		Insecure:    *f.insecure,
	})
}

func printJSON(out io.Writer, v interface{}) error {
	return json.NewEncoder(out).Encode(v)
}

// labelFlag collects repeated key=value flags
type labelFlag map[string]string

func (l labelFlag) String() string {
	pairs := make([]string, 0, len(l))
	for k, v := range l {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func (l labelFlag) Set(value string) error {
	k, v, ok := strings.Cut(value, "=")
	if !ok || k == "" {
		return fmt.Errorf("label must be key=value, got %q", value)
	}
	l[k] = v
	return nil
}
