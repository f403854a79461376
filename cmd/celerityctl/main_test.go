package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/urfave/cli"
)

func newTestApp(out *bytes.Buffer) *cli.App {
	app := cli.NewApp()
	app.Name = "celerityctl"
	app.Writer = out
	app.ErrWriter = out
	app.Commands = []cli.Command{submitTaskCommand, snapshotCommand, shutdownCommand}
	return app
}

func TestSubmitTaskCommand(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(&out)
	err := app.Run([]string{"celerityctl", "submit-task", "--buffer", "1", "--extent", "16"})
	require.NoError(t, err)
	require.Contains(t, out.String(), "submitted task")
}

func TestSnapshotCommand(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(&out)
	err := app.Run([]string{"celerityctl", "snapshot"})
	require.NoError(t, err)
	require.Contains(t, out.String(), "\"lifecycle\"")
}

func TestShutdownCommand(t *testing.T) {
	var out bytes.Buffer
	app := newTestApp(&out)
	err := app.Run([]string{"celerityctl", "shutdown"})
	require.NoError(t, err)
	require.Contains(t, out.String(), "destroyed")
}
