package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sandbox-admin/internal/vm"
)

type stubController struct {
	calls []string
	err   error
	ip    string
}

func (s *stubController) record(op string, args ...string) (*vm.Result, error) {
	s.calls = append(s.calls, fmt.Sprint(append([]string{op}, args...)))
	if s.err != nil {
		return nil, s.err
	}
	return &vm.Result{Success: true, Message: op + " ok", State: vm.StateRunning}, nil
}

func (s *stubController) Name() string { return "stub" }
func (s *stubController) Start(_ context.Context, n string) (*vm.Result, error) {
	return s.record("start", n)
}
func (s *stubController) PowerOff(_ context.Context, n string) (*vm.Result, error) {
	return s.record("poweroff", n)
}
func (s *stubController) Pause(_ context.Context, n string) (*vm.Result, error) {
	return s.record("pause", n)
}
func (s *stubController) Resume(_ context.Context, n string) (*vm.Result, error) {
	return s.record("resume", n)
}
func (s *stubController) Reset(_ context.Context, n string) (*vm.Result, error) {
	return s.record("reset", n)
}
func (s *stubController) SaveState(_ context.Context, n string) (*vm.Result, error) {
	return s.record("savestate", n)
}
func (s *stubController) Shutdown(_ context.Context, n string) (*vm.Result, error) {
	return s.record("shutdown", n)
}
func (s *stubController) TakeSnapshot(_ context.Context, n, snap string) (*vm.Result, error) {
	return s.record("snapshot", n, snap)
}
func (s *stubController) RestoreSnapshot(_ context.Context, n, snap string) (*vm.Result, error) {
	return s.record("restore", n, snap)
}
func (s *stubController) RestoreCurrentSnapshot(_ context.Context, n string) (*vm.Result, error) {
	return s.record("restore-current", n)
}
func (s *stubController) Info(_ context.Context, n string) (*vm.Info, error) {
	if _, err := s.record("info", n); err != nil {
		return nil, err
	}
	return &vm.Info{Name: n, State: vm.StatePoweredOff}, nil
}
func (s *stubController) IPAddress(_ context.Context, n string) (string, error) {
	if _, err := s.record("ip", n); err != nil {
		return "", err
	}
	return s.ip, nil
}
func (s *stubController) ListRunning(context.Context) ([]vm.Machine, error) {
	if _, err := s.record("running"); err != nil {
		return nil, err
	}
	return nil, nil
}
func (s *stubController) Screenshot(_ context.Context, n, path string) (*vm.Result, error) {
	return s.record("screenshot", n, path)
}

func TestRun_Verbs(t *testing.T) {
	tests := []struct {
		args []string
		call string
	}{
		{[]string{"start"}, "[start win10]"},
		{[]string{"poweroff"}, "[poweroff win10]"},
		{[]string{"pause"}, "[pause win10]"},
		{[]string{"resume"}, "[resume win10]"},
		{[]string{"reset"}, "[reset win10]"},
		{[]string{"savestate"}, "[savestate win10]"},
		{[]string{"shutdown"}, "[shutdown win10]"},
		{[]string{"snapshot", "clean"}, "[snapshot win10 clean]"},
		{[]string{"restore", "clean"}, "[restore win10 clean]"},
		{[]string{"restore-current"}, "[restore-current win10]"},
		{[]string{"screenshot", "/tmp/x.png"}, "[screenshot win10 /tmp/x.png]"},
	}
	for _, tt := range tests {
		t.Run(tt.args[0], func(t *testing.T) {
			c := &stubController{}
			var out bytes.Buffer
			require.NoError(t, run(context.Background(), c, "win10", tt.args, &out))
			assert.Equal(t, []string{tt.call}, c.calls)

			var res vm.Result
			require.NoError(t, json.Unmarshal(out.Bytes(), &res))
			assert.True(t, res.Success)
		})
	}
}

func TestRun_Queries(t *testing.T) {
	c := &stubController{ip: "192.168.56.101"}

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), c, "win10", []string{"ip"}, &out))
	assert.JSONEq(t, `{"vm":"win10","ip":"192.168.56.101","reported":true}`, out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), c, "win10", []string{"running"}, &out))
	assert.JSONEq(t, `{"machines":[]}`, out.String())

	out.Reset()
	require.NoError(t, run(context.Background(), c, "win10", []string{"info"}, &out))
	var info vm.Info
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, vm.StatePoweredOff, info.State)
}

func TestRun_Usage(t *testing.T) {
	c := &stubController{}
	for _, args := range [][]string{
		nil,
		{"explode"},
		{"snapshot"},
		{"restore", "a", "b"},
		{"start", "extra"},
	} {
		err := run(context.Background(), c, "win10", args, &bytes.Buffer{})
		assert.ErrorIs(t, err, errUsage, "%v", args)
	}
	assert.Empty(t, c.calls)
}

func TestRun_ControllerErrorKind(t *testing.T) {
	c := &stubController{err: &vm.OpError{Op: "start", VM: "ghost", Err: vm.ErrNotFound}}

	err := run(context.Background(), c, "ghost", []string{"start"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, vm.ErrNotFound))

	var out bytes.Buffer
	writeFailure(&out, err)
	assert.Contains(t, out.String(), `"kind":"not_found"`)
}
