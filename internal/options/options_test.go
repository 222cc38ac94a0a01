package options

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/rcvisor/internal/attr/file"
	"github.com/loykin/rcvisor/internal/privileges"
)

func strp(s string) *string { return &s }

func TestRecordsLayout(t *testing.T) {
	o := StartOptions{Pidfile: strp("/run/sshd.pid"), NoNewPrivs: true}
	recs := o.Records([]string{"/usr/sbin/sshd", "-D"})

	require.Len(t, recs, 2+len(Names()))
	assert.Equal(t, [2]string{"argc", "2"}, recs[0])
	assert.Equal(t, [2]string{"argv", "/usr/sbin/sshd\n-D\n"}, recs[1])
	assert.Equal(t, [2]string{"pidfile", "/run/sshd.pid"}, recs[2])
	assert.Equal(t, [2]string{"retry", ""}, recs[3])
	assert.Equal(t, [2]string{"no-new-privs", "true"}, recs[len(recs)-1])
}

func TestWriteReadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := file.New(t.TempDir())
	require.NoError(t, err)

	in := StartOptions{
		Retry:        strp("TERM/2/KILL/1"),
		StdoutLogger: strp("logger -t sshd"),
		RespawnMax:   strp("3"),
		Notify:       strp("fd:4"),
	}
	require.NoError(t, in.Write(ctx, s, "sshd", []string{"a", "b", "c"}))

	out, argv, err := Read(ctx, s, "sshd")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, argv)
	assert.Equal(t, in, out)

	// a later start without options clears the earlier values
	require.NoError(t, (&StartOptions{}).Write(ctx, s, "sshd", []string{"x"}))
	out, argv, err = Read(ctx, s, "sshd")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, argv)
	assert.Equal(t, StartOptions{}, out)
}

func TestReadRejectsMissingCommand(t *testing.T) {
	ctx := context.Background()
	s, err := file.New(t.TempDir())
	require.NoError(t, err)

	_, _, err = Read(ctx, s, "sshd")
	assert.ErrorIs(t, err, ErrInvalid)

	require.NoError(t, s.Set(ctx, "sshd", KeyArgc, "3"))
	require.NoError(t, s.Set(ctx, "sshd", KeyArgv, "a\n"))
	_, _, err = Read(ctx, s, "sshd")
	assert.ErrorIs(t, err, ErrInvalid)

	err = (&StartOptions{}).Write(ctx, s, "sshd", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSetByName(t *testing.T) {
	var o StartOptions
	require.NoError(t, o.Set(Chdir, "/srv"))
	require.NoError(t, o.Set(NoNewPrivs, "true"))
	assert.Equal(t, "/srv", *o.Chdir)
	assert.True(t, o.NoNewPrivs)
	assert.ErrorIs(t, o.Set("frobnicate", "x"), ErrInvalid)
}

func TestApplyOverridesExplicitWins(t *testing.T) {
	o := StartOptions{NiceLevel: strp("5")}
	o.ApplyOverrides(strp("10"), strp("2:0"), nil)
	assert.Equal(t, "5", *o.NiceLevel)
	assert.Equal(t, "2:0", *o.IONice)
	assert.Nil(t, o.OOMScoreAdj)
}

func TestDecodeDefaults(t *testing.T) {
	c, err := Decode("sshd", StartOptions{}, []string{"sshd"})
	require.NoError(t, err)
	assert.Equal(t, DefaultRespawnMax, c.RespawnMax)
	assert.Equal(t, DefaultSchedule(), c.Retry)
	assert.Equal(t, NotifyNone, c.Notify.Kind)
	assert.True(t, c.Plan(nil).Empty())
}

func TestDecodeFull(t *testing.T) {
	o := StartOptions{
		HealthcheckTimer:  strp("10"),
		HealthcheckDelay:  strp("250ms"),
		RespawnDelay:      strp("1"),
		RespawnMax:        strp("0"),
		RespawnPeriod:     strp("60"),
		Notify:            strp("socket:ready"),
		Umask:             strp("022"),
		NiceLevel:         strp("-5"),
		IONice:            strp("2:7"),
		OOMScoreAdj:       strp("-500"),
		Capabilities:      strp("^cap_net_bind_service"),
		Secbits:           strp("0x10"),
		Scheduler:         strp("rr"),
		SchedulerPriority: strp("10"),
		NoNewPrivs:        true,
	}
	c, err := Decode("web", o, []string{"httpd", "-f"})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, c.HealthcheckTimer)
	assert.Equal(t, 250*time.Millisecond, c.HealthcheckDelay)
	assert.Equal(t, time.Second, c.RespawnDelay)
	assert.Equal(t, 0, c.RespawnMax)
	assert.Equal(t, time.Minute, c.RespawnPeriod)
	assert.Equal(t, NotifySocket, c.Notify.Kind)
	assert.Equal(t, uint32(0o022), *c.Umask)
	assert.Equal(t, -5, *c.Nice)
	assert.Equal(t, privileges.IONice{Class: 2, Level: 7}, *c.IONice)
	assert.Equal(t, -500, *c.OOMScoreAdj)
	assert.Equal(t, uint64(0x10), *c.Secbits)
	assert.Equal(t, 10, c.Scheduler.Priority)

	p := c.Plan(&privileges.Credentials{UID: 100, GID: 200, Groups: []int{200, 300}})
	assert.False(t, p.Empty())
	assert.Equal(t, 100, *p.UID)
	assert.Equal(t, []int{200, 300}, p.Groups)
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]StartOptions{
		"nice range":      {NiceLevel: strp("40")},
		"nice number":     {NiceLevel: strp("high")},
		"oom range":       {OOMScoreAdj: strp("2000")},
		"respawn max":     {RespawnMax: strp("-1")},
		"duration":        {RespawnDelay: strp("soon")},
		"notify":          {Notify: strp("pipe:3")},
		"notify low fd":   {Notify: strp("fd:1")},
		"stdout conflict": {Stdout: strp("/var/log/x"), StdoutLogger: strp("logger")},
		"retry":           {Retry: strp("TERM/5/KILL")},
		"umask":           {Umask: strp("9")},
		"capability":      {Capabilities: strp("cap_nope")},
	}
	for name, o := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode("svc", o, []string{"x"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid), err.Error())
		})
	}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("3")
	require.NoError(t, err)
	assert.Equal(t, Schedule{{Signal: syscall.SIGTERM, Timeout: 3 * time.Second}, {Signal: syscall.SIGKILL, Timeout: 3 * time.Second}}, s)

	s, err = ParseSchedule("SIGINT/forever")
	require.NoError(t, err)
	assert.Equal(t, Schedule{{Signal: syscall.SIGINT, Forever: true}}, s)

	s, err = ParseSchedule("HUP/1/9/500ms")
	require.NoError(t, err)
	assert.Equal(t, "SIGHUP/1/SIGKILL/0.5", s.String())

	assert.Equal(t, "SIGTERM/5/SIGKILL/5", DefaultSchedule().String())

	_, err = ParseSchedule("NOPE/1")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestParseSignal(t *testing.T) {
	for in, want := range map[string]syscall.Signal{"HUP": syscall.SIGHUP, "sigusr1": syscall.SIGUSR1, "15": syscall.SIGTERM} {
		got, err := ParseSignal(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "0", "99", "SIGFOO"} {
		_, err := ParseSignal(bad)
		assert.Error(t, err, bad)
	}
}
