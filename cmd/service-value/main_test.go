package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rcvisor/internal/config"
)

type env struct {
	cfg  string
	vars map[string]string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	cfg := filepath.Join(root, "rcvisor.toml")
	body := fmt.Sprintf("init_dir = %q\nrunlevel_dir = %q\nsvc_dir = %q\nattr_dsn = %q\n",
		filepath.Join(root, "init.d"), filepath.Join(root, "runlevels"), filepath.Join(root, "svc"),
		"sqlite://"+filepath.Join(root, "values.db"))
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o644))
	return &env{cfg: cfg, vars: map[string]string{"RC_SVCNAME": "sshd", "EINFO_COLOR": "no"}}
}

func (e *env) run(applet string, args ...string) (int, string, string) {
	lookup := func(k string) (string, bool) { v, ok := e.vars[k]; return v, ok }
	var out, errOut bytes.Buffer
	code := run(config.FromEnv(applet, lookup), append([]string{"--config", e.cfg}, args...), &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestResolveCommand(t *testing.T) {
	cases := map[string]Command{
		"service_get_value":       CmdGet,
		"get_options":             CmdGet,
		"service_set_value":       CmdSet,
		"save_options":            CmdSet,
		"service_set_environment": CmdExport,
		"service-value":           CmdUnknown,
	}
	for applet, want := range cases {
		assert.Equal(t, want, ResolveCommand(applet), applet)
	}
}

func TestIdentitySetGet(t *testing.T) {
	e := newEnv(t)

	code, _, errOut := e.run("service_set_value", "port", "2222")
	require.Equal(t, 0, code, errOut)

	code, out, _ := e.run("service_get_value", "port")
	require.Equal(t, 0, code)
	assert.Equal(t, "2222", out)

	// values are printed verbatim, including newlines
	code, _, _ = e.run("save_options", "multi", "a\nb\n")
	require.Equal(t, 0, code)
	code, out, _ = e.run("get_options", "multi")
	require.Equal(t, 0, code)
	assert.Equal(t, "a\nb\n", out)

	// set without a value removes it
	code, _, _ = e.run("service_set_value", "port")
	require.Equal(t, 0, code)
	code, out, errOut = e.run("service_get_value", "port")
	assert.Equal(t, 1, code)
	assert.Empty(t, out)
	assert.Empty(t, errOut)
}

func TestIdentityArgumentsAreData(t *testing.T) {
	e := newEnv(t)
	code, _, errOut := e.run("service_set_value", "get", "-x")
	require.Equal(t, 0, code, errOut)
	code, out, _ := e.run("service_get_value", "get")
	require.Equal(t, 0, code)
	assert.Equal(t, "-x", out)
}

func TestSubcommandsAndAs(t *testing.T) {
	e := newEnv(t)
	code, _, errOut := e.run("service-value", "set", "mode", "fast")
	require.Equal(t, 0, code, errOut)
	code, out, _ := e.run("service-value", "--as", "get_options", "mode")
	require.Equal(t, 0, code)
	assert.Equal(t, "fast", out)
	code, out, _ = e.run("service-value", "get", "mode")
	require.Equal(t, 0, code)
	assert.Equal(t, "fast", out)

	code, _, errOut = e.run("service-value", "mode")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "unknown applet")
}

func TestExportEnvironment(t *testing.T) {
	e := newEnv(t)
	e.vars["TZ"] = "UTC"

	code, _, errOut := e.run("service_set_environment", "LANG=C")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = e.run("service_set_environment", "TZ")
	require.Equal(t, 0, code, errOut)
	code, _, errOut = e.run("service_set_environment", "NOPE")
	assert.Equal(t, 0, code)
	assert.Contains(t, errOut, "environment variable NOPE not set, skipping.")

	code, out, _ := e.run("service_get_value", "env.LANG")
	require.Equal(t, 0, code)
	assert.Equal(t, "C", out)
	code, out, _ = e.run("service_get_value", "env.TZ")
	require.Equal(t, 0, code)
	assert.Equal(t, "UTC", out)
}

func TestMissingInputs(t *testing.T) {
	e := newEnv(t)
	code, _, errOut := e.run("service_get_value")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no option specified")

	code, _, errOut = e.run("service_set_environment")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no variable specified")

	delete(e.vars, "RC_SVCNAME")
	code, _, errOut = e.run("service_get_value", "port")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no service specified")
}
