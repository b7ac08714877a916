/* SPDX-License-Identifier: BSD-2-Clause */

package main

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver map[string][]netip.Addr

func (f fakeResolver) LookupNetIP(_ context.Context, network, host string) ([]netip.Addr, error) {
	addrs, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	var ret []netip.Addr
	for _, a := range addrs {
		if network == "ip" || (network == "ip4") == a.Unmap().Is4() {
			ret = append(ret, a)
		}
	}
	return ret, nil
}

func TestResolve(t *testing.T) {
	r := fakeResolver{
		"dual.example": {netip.MustParseAddr("::ffff:192.0.2.1"), netip.MustParseAddr("2001:db8::1")},
		"v4.example":   {netip.MustParseAddr("192.0.2.2")},
	}
	ctx := context.Background()
	for _, tc := range []struct {
		host string
		af   family
		want string
	}{
		{"dual.example", familyAny, "192.0.2.1"},
		{"dual.example", family4, "192.0.2.1"},
		{"dual.example", family6, "2001:db8::1"},
		{"v4.example", familyAny, "192.0.2.2"},
		{"192.0.2.3", family4, "192.0.2.3"},
		{"2001:db8::3", familyAny, "2001:db8::3"},
	} {
		addr, err := resolve(ctx, r, tc.host, tc.af)
		require.NoError(t, err, tc.host)
		assert.Equal(t, tc.want, addr.String(), tc.host)
	}

	_, err := resolve(ctx, r, "v4.example", family6)
	assert.ErrorIs(t, err, ErrNoAddress)
	_, err = resolve(ctx, r, "192.0.2.3", family6)
	assert.ErrorIs(t, err, ErrNoAddress)
	_, err = resolve(ctx, r, "missing.example", familyAny)
	assert.Error(t, err)
}

func TestParseFamily(t *testing.T) {
	for _, s := range []string{"any", "4", "6"} {
		f, err := parseFamily(s)
		require.NoError(t, err)
		assert.Equal(t, family(s), f)
	}
	_, err := parseFamily("5")
	assert.Error(t, err)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd("test")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPrintCommand(t *testing.T) {
	out, err := execute(t, "--print-command", "scamper", "--protocol", "icmp", "--min-ttl", "2", "--probing-rate", "100", "8.8.8.8")
	require.NoError(t, err)
	assert.Equal(t, `scamper -p 100 -O json -I "tracelb -P icmp-echo -s 24000 -d 33434 -f 2 -q 1 -w 1 8.8.8.8"`+"\n", out)

	out, err = execute(t, "--print-command", "paris-traceroute", "--af", "4", "192.0.2.1")
	require.NoError(t, err)
	assert.Contains(t, out, "--udp --first 1 --max-hops 32")
}

func TestEnvironment(t *testing.T) {
	t.Setenv("MDA_MIN_TTL", "3")
	t.Setenv("MDA_PROTOCOL", "icmp")
	out, err := execute(t, "--print-command", "paris-traceroute", "192.0.2.1")
	require.NoError(t, err)
	assert.Contains(t, out, "--icmp --first 3 ")
}

func TestConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mda.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max-ttl: 16\nsrc-port: 30000\n"), 0o644))
	out, err := execute(t, "--config", path, "--print-command", "paris-traceroute", "192.0.2.1")
	require.NoError(t, err)
	assert.Contains(t, out, "--src-port 30000 ")
	assert.Contains(t, out, "--max-hops 16 ")

	// flags override the file
	out, err = execute(t, "--config", path, "--max-ttl", "20", "--print-command", "paris-traceroute", "192.0.2.1")
	require.NoError(t, err)
	assert.Contains(t, out, "--max-hops 20 ")

	_, err = execute(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "192.0.2.1")
	assert.Error(t, err)
}

func TestInvalidArguments(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"--format", "xml", "192.0.2.1"},
		{"--protocol", "tcp", "192.0.2.1"},
		{"--strategy", "flow", "192.0.2.1"},
		{"--af", "5", "192.0.2.1"},
		{"--min-ttl", "300", "--print-command", "scamper", "192.0.2.1"},
		{"--min-ttl", "5", "--max-ttl", "4", "--print-command", "scamper", "192.0.2.1"},
		{"--confidence", "100", "--print-command", "scamper", "192.0.2.1"},
		{"--print-command", "mtr", "192.0.2.1"},
		{"192.0.2.1", "192.0.2.2"},
	} {
		_, err := execute(t, args...)
		assert.Error(t, err, strings.Join(args, " "))
	}
}

const topology = `
destination: 192.0.2.9
first: [10.0.0.1]
nodes:
  - address: 10.0.0.1
    next: [10.0.1.1, 10.0.1.2]
  - address: 10.0.1.1
    next: [10.0.2.1]
  - address: 10.0.1.2
    next: [10.0.2.1]
  - address: 10.0.2.1
`

func TestSimulate(t *testing.T) {
	dir := t.TempDir()
	topologyFile := filepath.Join(dir, "topology.yaml")
	metricsFile := filepath.Join(dir, "mda.prom")
	outputFile := filepath.Join(dir, "trace.txt")
	require.NoError(t, os.WriteFile(topologyFile, []byte(topology), 0o644))

	out, err := execute(t,
		"--simulate", topologyFile,
		"--log-level", "error",
		"--wait", "0s",
		"--max-ttl", "8",
		"--metrics-file", metricsFile,
		"--output-file", outputFile,
	)
	require.NoError(t, err)
	assert.Empty(t, out)

	b, err := os.ReadFile(outputFile)
	require.NoError(t, err)
	text := string(b)
	// table is the default format
	assert.Contains(t, text, "MPLS label stack")
	for _, addr := range []string{"10.0.0.1", "10.0.2.1", "192.0.2.9"} {
		assert.Contains(t, text, addr)
	}

	b, err = os.ReadFile(metricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(b), "mda_rounds_total")
}

func TestSimulateScamperJSON(t *testing.T) {
	topologyFile := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(topologyFile, []byte(topology), 0o644))

	out, err := execute(t, "--simulate", topologyFile, "--log-level", "error", "--wait", "0s", "--max-ttl", "8", "--format", "scamper-json")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], `"type":"cycle-start"`)
	assert.Contains(t, lines[1], `"type":"tracelb"`)
	assert.Contains(t, lines[2], `"type":"cycle-stop"`)
}
