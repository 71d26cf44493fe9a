package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"Title", "Score"}, [][]string{{"Alpha", "0.90"}, {"Beta"}}, []columnAlignment{alignLeft, alignRight})
	assert.Contains(t, out, "Alpha")
	assert.Contains(t, out, "0.90")
	assert.Contains(t, out, "Beta")
}

func TestRootCommandListsSubcommands(t *testing.T) {
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetArgs([]string{"--help"})
	require.NoError(t, cmd.Execute())

	help := buf.String()
	for _, name := range []string{"run", "clear", "ledger", "relink"} {
		assert.True(t, strings.Contains(help, name), "missing %s", name)
	}
}

func TestRunCommandRequiresTopic(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"run"})
	assert.Error(t, cmd.Execute())
}
