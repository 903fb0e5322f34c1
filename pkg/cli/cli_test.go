package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/platinummonkey/keel/pkg/client"
	"github.com/platinummonkey/keel/pkg/config"
	"github.com/platinummonkey/keel/pkg/observability"
	"github.com/platinummonkey/keel/pkg/resources"
	"github.com/platinummonkey/keel/pkg/server"
)

type cliHarness struct {
	env    *Env
	out    *bytes.Buffer
	secret string
}

func newCLIHarness(t *testing.T) *cliHarness {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.TokenSecret = "0123456789abcdef0123456789abcdef"
	cfg.Server.ShutdownTimeout = 5 * time.Second

	srv, err := server.New(context.Background(), cfg, observability.NewNopLogger())
	require.NoError(t, err)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx, lis, nil)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = srv.Close(context.Background())
	})

	log := logrus.New()
	log.SetOutput(io.Discard)
	out := &bytes.Buffer{}
	env := &Env{
		Out: out,
		Log: log,
		Dial: func(ctx context.Context, _ string, opts client.Options) (*client.Client, error) {
			opts.Insecure = true
			opts.DialOptions = append(opts.DialOptions, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}))
			return client.Dial(ctx, "passthrough:///bufnet", opts)
		},
	}
	return &cliHarness{env: env, out: out, secret: srv.RootSecret()}
}

func (h *cliHarness) run(t *testing.T, args ...string) error {
	t.Helper()
	h.out.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	root := NewRootCommand(h.env)
	return root.Execute(ctx, h.out, h.withCreds(args))
}

var leafCommands = map[string]bool{"login": true, "lock": true, "apply": true, "list": true, "create": true, "get": true}

// withCreds inserts the login flags right after the command path
func (h *cliHarness) withCreds(args []string) []string {
	i := 0
	for i < len(args) {
		leaf := leafCommands[args[i]]
		i++
		if leaf {
			break
		}
	}
	out := append([]string{}, args[:i]...)
	out = append(out, "-sa", "root", "-secret", h.secret)
	return append(out, args[i:]...)
}

func TestRootCommand_Usage(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand(&Env{Out: &out, Log: logrus.New()})

	for _, args := range [][]string{nil, {"-h"}, {"--HELP"}} {
		out.Reset()
		require.NoError(t, root.Execute(context.Background(), &out, args))
		assert.Contains(t, out.String(), "Usage: keelctl <command> [args]")
		for _, name := range []string{"login", "lock", "resource", "schema"} {
			assert.Contains(t, out.String(), name)
		}
	}

	assert.EqualError(t, root.Execute(context.Background(), &out, []string{"push"}), "unknown command: push")
}

func TestLabelFlag(t *testing.T) {
	labels := labelFlag{}
	require.NoError(t, labels.Set("team=core"))
	require.NoError(t, labels.Set("env=prod=eu"))
	assert.Error(t, labels.Set("novalue"))
	assert.Equal(t, "env=prod=eu,team=core", labels.String())
}

func TestLogin_RequiresCredentials(t *testing.T) {
	h := newCLIHarness(t)
	t.Setenv("KEEL_SA", "")
	t.Setenv("KEEL_SA_SECRET", "")
	err := NewRootCommand(h.env).Execute(context.Background(), h.out, []string{"login"})
	assert.ErrorContains(t, err, "service account and secret are required")
}

func TestLogin(t *testing.T) {
	h := newCLIHarness(t)
	require.NoError(t, h.run(t, "login"))

	var token map[string]interface{}
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &token))
	assert.NotEmpty(t, token["accessToken"])
}

func TestSchemaApplyAndResources(t *testing.T) {
	h := newCLIHarness(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "todo.json"),
		[]byte(`{"type":"object","required":["title"]}`), 0o644))

	require.NoError(t, h.run(t, "schema", "apply", "-dir", dir))
	assert.Contains(t, h.out.String(), `"kind":"todo"`)

	require.NoError(t, h.run(t, "schema", "list"))
	assert.Contains(t, h.out.String(), `"kind":"todo"`)

	assert.Error(t, h.run(t, "resource", "create", "-kind", "todo", "-data", `{}`))

	require.NoError(t, h.run(t, "resource", "create", "-kind", "todo", "-data", `{"title":"ship"}`, "-label", "team=core"))
	var created resources.Resource
	require.NoError(t, json.Unmarshal(h.out.Bytes(), &created))
	assert.Equal(t, map[string]string{"team": "core"}, created.Labels)

	require.NoError(t, h.run(t, "resource", "get", created.ID))
	assert.Contains(t, h.out.String(), created.ID)

	require.NoError(t, h.run(t, "resource", "list", "-kind", "todo", "-label", "team=core", "-query", "SHIP"))
	assert.Equal(t, 1, strings.Count(h.out.String(), "\n"))

	require.NoError(t, h.run(t, "resource", "list", "-filter", `{"title":"other"}`))
	assert.Empty(t, h.out.String())
}

func TestSchemaApply_EmptyDir(t *testing.T) {
	h := newCLIHarness(t)
	assert.ErrorContains(t, h.run(t, "schema", "apply", "-dir", t.TempDir()), "no schema files")
}

func TestLock_RunsCommandWithFencingToken(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	h := newCLIHarness(t)

	require.NoError(t, h.run(t, "lock", "-id", "nightly", "--", "sh", "-c", "echo token=$KEEL_FENCING_TOKEN"))
	assert.Regexp(t, `token=\d+`, h.out.String())

	err := h.run(t, "lock", "-id", "nightly", "--", "sh", "-c", "exit 3")
	assert.ErrorContains(t, err, "command failed")

	assert.Error(t, h.run(t, "lock", "--", "true"))
}
