package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botbox/internal/capability"
	"botbox/internal/config"
	"botbox/internal/dispatch"
	"botbox/internal/logging"
	"botbox/internal/server"
)

// testCmd returns a command with captured output and the globals a
// subcommand expects.
func testCmd(t *testing.T) (*cobra.Command, *bytes.Buffer) {
	t.Helper()
	cfg = config.DefaultConfig()
	logs = logging.NewNop()
	logger = logs.Get(logging.CategoryBoot)

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetContext(context.Background())
	return cmd, &out
}

const echoScript = `package main

import "bot"

func OnMessage(name, message string) { bot.Say(name + ": " + message) }
`

func TestParseCallArgs(t *testing.T) {
	code := filepath.Join(t.TempDir(), "echo.go")
	require.NoError(t, os.WriteFile(code, []byte(echoScript), 0644))

	req, err := parseCallArgs("makebot", []string{"name=echo", "user=alice", "code=@" + code})
	require.NoError(t, err)
	assert.Equal(t, server.Request{Type: "makebot", Name: "echo", User: "alice", Code: echoScript}, req)

	req, err = parseCallArgs("message", []string{"name=bob", "message=a=b"})
	require.NoError(t, err)
	assert.Equal(t, "a=b", req.Message)

	_, err = parseCallArgs("message", []string{"colour=red"})
	assert.ErrorContains(t, err, "invalid request")

	_, err = parseCallArgs("message", []string{"nokey"})
	assert.ErrorContains(t, err, `invalid argument "nokey"`)

	_, err = parseCallArgs("message", []string{"type=other"})
	assert.Error(t, err)
}

func TestRunMan(t *testing.T) {
	cmd, out := testCmd(t)
	require.NoError(t, runMan(cmd, []string{"Say"}))
	assert.True(t, strings.HasPrefix(out.String(), "Say("))

	assert.EqualError(t, runMan(cmd, []string{"Nope"}), "Nope is not a valid function name")
}

func TestRunCheck(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "echo.go")
	require.NoError(t, os.WriteFile(good, []byte(echoScript), 0644))
	bad := filepath.Join(dir, "bad.go")
	require.NoError(t, os.WriteFile(bad, []byte("package main\n\nimport \"os\"\n\nfunc OnMessage(name, message string) { os.Exit(1) }\n"), 0644))

	cmd, out := testCmd(t)
	require.NoError(t, runCheck(cmd, []string{good}))
	assert.Equal(t, good+": ok\n", out.String())

	err := runCheck(cmd, []string{bad})
	assert.ErrorIs(t, err, capability.ErrValidation)
	assert.ErrorContains(t, err, `import "os" is not allowed`)
}

func TestRunCheck_DeliversMessage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "echo.go")
	require.NoError(t, os.WriteFile(path, []byte(echoScript), 0644))

	checkMessage = "hello"
	t.Cleanup(func() { checkMessage = "" })

	cmd, out := testCmd(t)
	require.NoError(t, runCheck(cmd, []string{path}))
	assert.Contains(t, out.String(), `"tester: hello"`)
}

// startFakeServer serves canned handlers on a temporary socket.
func startFakeServer(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "botbox")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "control.sock")

	srv := server.NewServer(sock, nil)
	srv.Handle("killbot", func(_ context.Context, req server.Request) (any, error) {
		return "Bot `" + req.Name + "` has been killed", nil
	})
	srv.Handle("botexists", func(context.Context, server.Request) (any, error) {
		return true, nil
	})
	srv.Handle("runjob", func(_ context.Context, req server.Request) (any, error) {
		out := capability.NewOutput()
		out.Notify("alice", "bye")
		return nil, &dispatch.RemovedError{Bot: req.Name, Err: errors.New("job failed"), Output: out}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not become ready")
	}
	return sock
}

func TestCall(t *testing.T) {
	sock := startFakeServer(t)

	cmd, out := testCmd(t)
	cfg.Server.SocketPath = sock

	require.NoError(t, call(cmd, server.Request{Type: "killbot", Name: "echo"}))
	assert.Equal(t, "Bot `echo` has been killed\n", out.String())

	out.Reset()
	require.NoError(t, call(cmd, server.Request{Type: "botexists", Name: "echo"}))
	assert.Equal(t, "true\n", out.String())

	out.Reset()
	err := call(cmd, server.Request{Type: "runjob", Name: "pinger", Job: "ping"})
	assert.EqualError(t, err, "bot `pinger` was removed: job failed")
	assert.Contains(t, out.String(), "bot pinger was removed")
	assert.Contains(t, out.String(), `"bye"`)
}

func TestRootCommand_Man(t *testing.T) {
	t.Setenv("BOTBOX_SOCKET", "")
	t.Setenv("BOTBOX_DB", "")
	t.Setenv("BOTBOX_LOG_LEVEL", "")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "man"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "type man FUNCTION_NAME")
	assert.NotNil(t, logs)
}
