package control

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode(t *testing.T) {
	b, err := Request{Kind: KindStart, Service: "sshd"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "sshd\n", string(b))

	b, err = Request{Kind: KindStart, Service: "sshd", Reply: "sshd.42.1"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "sshd sshd.42.1\n", string(b))

	b, err = Request{Kind: KindStop, Service: "sshd"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "stop\n", string(b))

	b, err = Request{Kind: KindSignal, Service: "sshd", Signal: "HUP"}.Encode()
	require.NoError(t, err)
	assert.Equal(t, "signal HUP\n", string(b))

	_, err = Request{Kind: KindSignal, Service: "sshd"}.Encode()
	assert.ErrorIs(t, err, ErrNoSignal)
	_, err = Request{Kind: KindStart}.Encode()
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = Request{Kind: KindStart, Service: "sshd", Reply: "../x"}.Encode()
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = Request{Kind: KindSignal, Service: "sshd", Signal: "HUP\nstop"}.Encode()
	assert.ErrorIs(t, err, ErrBadRequest)
	_, err = Request{}.Encode()
	assert.ErrorIs(t, err, ErrBadRequest)
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		channel string
		payload string
		want    Request
		err     error
	}{
		{RegistrationName, "sshd", Request{Kind: KindStart, Service: "sshd"}, nil},
		{RegistrationName, "sshd\n", Request{Kind: KindStart, Service: "sshd"}, nil},
		{RegistrationName, "sshd sshd.7.9\n", Request{Kind: KindStart, Service: "sshd", Reply: "sshd.7.9"}, nil},
		{RegistrationName, "sshd ..", Request{}, ErrBadRequest},
		{RegistrationName, "sshd a b", Request{}, ErrBadRequest},
		{RegistrationName, "", Request{}, ErrBadRequest},
		{RegistrationName, "../etc", Request{}, ErrBadRequest},
		{"sshd", "stop", Request{Kind: KindStop, Service: "sshd"}, nil},
		{"sshd", "signal 15", Request{Kind: KindSignal, Service: "sshd", Signal: "15"}, nil},
		{"sshd", "signal  USR1 ", Request{Kind: KindSignal, Service: "sshd", Signal: "USR1"}, nil},
		{"sshd", "signal", Request{}, ErrNoSignal},
		{"sshd", "restart", Request{}, ErrBadRequest},
	}
	for _, tt := range tests {
		got, err := ParseRequest(tt.channel, []byte(tt.payload))
		if tt.err != nil {
			assert.ErrorIs(t, err, tt.err, "%s %q", tt.channel, tt.payload)
			continue
		}
		require.NoError(t, err, "%s %q", tt.channel, tt.payload)
		assert.Equal(t, tt.want, got)
	}
}

func TestRoundTrip(t *testing.T) {
	for _, r := range []Request{
		{Kind: KindStart, Service: "cron", Reply: "cron.1.2"},
		{Kind: KindStop, Service: "cron"},
		{Kind: KindSignal, Service: "cron", Signal: "SIGHUP"},
	} {
		b, err := r.Encode()
		require.NoError(t, err)
		channel := r.Service
		if r.Kind == KindStart {
			channel = RegistrationName
		}
		got, err := ParseRequest(channel, b)
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	assert.Equal(t, "signal", KindSignal.String())
}
