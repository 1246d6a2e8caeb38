package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/labsearch/internal/config"
	"github.com/copyleftdev/labsearch/internal/optimization"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)

	cmd := newRootCmd(cfg)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func field(t *testing.T, output, name string) string {
	t.Helper()
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, name+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, name+":"))
		}
	}
	t.Fatalf("field %q not in output:\n%s", name, output)
	return ""
}

func TestSearchCommand(t *testing.T) {
	out, err := execute(t, "search", "-L", "4", "-n", "50", "--seed", "1")
	require.NoError(t, err)

	assert.Equal(t, "energy", field(t, out, "objective"))
	assert.Equal(t, "4", field(t, out, "length"))
	assert.Equal(t, "2", field(t, out, "score"))
	assert.Equal(t, "4.0000", field(t, out, "merit factor"))
	assert.Equal(t, "50", field(t, out, "evaluations"))

	seq, err := optimization.ParseSequence(field(t, out, "sequence"))
	require.NoError(t, err)
	assert.Equal(t, 2, seq.Energy())
}

func TestSearchCommandIsReproducible(t *testing.T) {
	args := []string{"search", "--objective", "psl", "--strategy", "first", "-L", "24", "-n", "4000", "--seed", "3"}
	first, err := execute(t, args...)
	require.NoError(t, err)
	second, err := execute(t, args...)
	require.NoError(t, err)
	assert.Equal(t, field(t, first, "sequence"), field(t, second, "sequence"))
	assert.Equal(t, field(t, first, "score"), field(t, second, "psl"))
}

func TestSearchCommandRuns(t *testing.T) {
	out, err := execute(t, "search", "-L", "16", "-n", "1000", "--runs", "3", "-w", "2")
	require.NoError(t, err)
	assert.Contains(t, field(t, out, "runs"), "3 (best run")
	assert.Equal(t, "3000", field(t, out, "evaluations"))
}

func TestSearchCommandRejectsBadFlags(t *testing.T) {
	tests := [][]string{
		{"search", "-L", "1"},
		{"search", "-n", "0"},
		{"search", "-w", "0"},
		{"search", "--runs", "0"},
		{"search", "--objective", "merit"},
		{"search", "extra"},
	}
	for _, args := range tests {
		t.Run(strings.Join(args, " "), func(t *testing.T) {
			_, err := execute(t, args...)
			assert.Error(t, err)
		})
	}
}

func TestEvalCommand(t *testing.T) {
	tests := []struct {
		name   string
		args   []string
		energy string
		psl    string
	}{
		{name: "barker 13", args: []string{"eval", "+++++--++-+-+"}, energy: "6", psl: "1"},
		{name: "list", args: []string{"eval", "--", "1", "1", "1", "-1"}, energy: "2", psl: "1"},
		{name: "leading minus", args: []string{"eval", "--", "-+++"}, energy: "2", psl: "1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := execute(t, tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.energy, field(t, out, "energy"))
			assert.Equal(t, tt.psl, field(t, out, "psl"))
		})
	}

	out, err := execute(t, "eval", "-c", "+++")
	require.NoError(t, err)
	assert.Equal(t, "[2 1]", field(t, out, "correlations"))

	_, err = execute(t, "eval", "+")
	assert.Error(t, err)
	_, err = execute(t, "eval", "+x+")
	assert.Error(t, err)
}

func TestSearchCommandStructuredOutput(t *testing.T) {
	args := []string{"search", "-L", "10", "-n", "500", "--seed", "4", "--runs", "2"}

	text, err := execute(t, args...)
	require.NoError(t, err)

	out, err := execute(t, append(args, "--output", "json")...)
	require.NoError(t, err)
	var fromJSON report
	require.NoError(t, json.Unmarshal([]byte(out), &fromJSON))

	out, err = execute(t, append(args, "--output", "yaml")...)
	require.NoError(t, err)
	var fromYAML report
	require.NoError(t, yaml.Unmarshal([]byte(out), &fromYAML))

	assert.Equal(t, field(t, text, "sequence"), fromJSON.Sequence)
	assert.Equal(t, fromJSON.Sequence, fromYAML.Sequence)
	assert.Equal(t, fromJSON.Score, fromYAML.Score)
	assert.Equal(t, 2, fromYAML.Runs)
	assert.Equal(t, 1000, fromYAML.Evaluations)

	_, err = execute(t, append(args, "--output", "xml")...)
	assert.Error(t, err)
}
