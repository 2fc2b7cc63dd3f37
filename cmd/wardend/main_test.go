package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DEEJ4Y/warden"
	"github.com/DEEJ4Y/warden/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "wardend.yaml")
	doc := "logging: {level: error, format: json}\n" +
		"store: {driver: sqlite, dsn: " + filepath.Join(dir, "jobs.db") + "}\n" +
		"processes:\n" +
		"  - {name: email, command: [cat]}\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestScheduleListCancel(t *testing.T) {
	path := writeConfig(t)

	out, err := execute(t, "--config", path, "schedule", "email", "--payload", "hello", "--at", "2030-01-01T00:00:00Z")
	require.NoError(t, err)
	fields := strings.Fields(out)
	require.Len(t, fields, 3)
	id := fields[0]
	assert.Equal(t, "email", fields[1])
	assert.Equal(t, "2030-01-01T00:00:00Z", fields[2])

	out, err = execute(t, "--config", path, "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "created")

	out, err = execute(t, "--config", path, "cancel", id)
	require.NoError(t, err)
	assert.Contains(t, out, "cancelled "+id)

	out, err = execute(t, "--config", path, "list")
	require.NoError(t, err)
	assert.NotContains(t, out, id)

	out, err = execute(t, "--config", path, "list", "--status", "cancelled")
	require.NoError(t, err)
	assert.Contains(t, out, id)

	_, err = execute(t, "--config", path, "cancel", id)
	assert.True(t, warden.IsNotFound(err))
}

func TestScheduleUnknownProcess(t *testing.T) {
	path := writeConfig(t)
	_, err := execute(t, "--config", path, "schedule", "sms")
	assert.True(t, warden.IsConfiguration(err))
}

func TestScheduleBadCron(t *testing.T) {
	path := writeConfig(t)
	_, err := execute(t, "--config", path, "schedule", "email", "--cron", "every tuesday")
	assert.True(t, warden.IsConfiguration(err))
}

func TestListRejectsUnknownStatus(t *testing.T) {
	path := writeConfig(t)
	_, err := execute(t, "--config", path, "list", "--status", "sleeping")
	assert.True(t, warden.IsConfiguration(err))
}

func TestExecHandler(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	ctx := context.Background()

	ok := execHandler(config.ProcessConfig{Name: "echo", Command: []string{"/bin/sh", "-c", `test "$(cat)" = "ping"`}}, zerolog.Nop())
	assert.NoError(t, ok(ctx, []byte("ping")))
	assert.Error(t, ok(ctx, []byte("pong")))

	slow := execHandler(config.ProcessConfig{Name: "slow", Command: []string{"/bin/sh", "-c", "exec sleep 5"}, Timeout: "50ms"}, zerolog.Nop())
	start := time.Now()
	err := slow(ctx, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n"))
	long := strings.Repeat("x", maxOutputTail+10)
	assert.Equal(t, "..."+strings.Repeat("x", maxOutputTail), tail(long))
}

func TestRedisOptions(t *testing.T) {
	o, err := redisOptions("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", o.Addr)

	o, err = redisOptions("redis://:secret@cache:6380/2")
	require.NoError(t, err)
	assert.Equal(t, "cache:6380", o.Addr)
	assert.Equal(t, 2, o.DB)
	assert.Equal(t, "secret", o.Password)
}
