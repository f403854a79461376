// celerityctl is a diagnostic CLI for the runtime: it boots a single-node
// instance in-process, drives one operation against it, and prints the
// result — there is no client/server split, the same way ghjramos-aistore's
// cmd/cli binary embeds an api client but this binary embeds the runtime
// itself. Grounded on cmd/cli/cli/object.go's command-handler shape
// (Action: func(c *cli.Context) error, output via c.App.Writer) using the
// urfave/cli v1 API already in go.mod.
/*
 * Copyright (c) 2018-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"

	"github.com/ridhitbhura/celerity-runtime/internal/ids"
	"github.com/ridhitbhura/celerity-runtime/internal/rtcfg"
	"github.com/ridhitbhura/celerity-runtime/rangemapper"
	"github.com/ridhitbhura/celerity-runtime/region"
	"github.com/ridhitbhura/celerity-runtime/runtime"
	"github.com/ridhitbhura/celerity-runtime/serializer"
	"github.com/ridhitbhura/celerity-runtime/task"
)

var (
	bufferFlag = cli.Uint64Flag{Name: "buffer", Usage: "buffer id the task writes", Value: 1}
	extentFlag = cli.Int64Flag{Name: "extent", Usage: "1-D buffer extent", Value: 64}
	nameFlag   = cli.StringFlag{Name: "name", Usage: "debug name attached to the task"}
)

func main() {
	app := cli.NewApp()
	app.Name = "celerityctl"
	app.Usage = "drive a single-node celerity-runtime instance for diagnostics"
	app.Commands = []cli.Command{
		submitTaskCommand,
		snapshotCommand,
		shutdownCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "celerityctl: %v\n", err)
		os.Exit(1)
	}
}

// bootRuntime brings up a fresh single-node runtime with an inline
// execution queue, the same shape runtime_test.go uses for a self-contained
// node. It registers one buffer (--buffer, --extent) so the commands below
// have something to submit work against.
func bootRuntime(c *cli.Context) (*runtime.Runtime, ids.BufferID, error) {
	runtime.Reset()
	cfg := rtcfg.DefaultConfig()
	cfg.NodeCount = 1
	cfg.LocalNodeID = 0

	rt, err := runtime.New(cfg, runtime.Deps{ExecQueue: &serializer.InlineQueue{}})
	if err != nil {
		return nil, 0, err
	}
	bid := ids.BufferID(c.Uint64(bufferFlag.Name))
	extent := c.Int64(extentFlag.Name)
	rt.NotifyBufferCreated(bid, 1, region.Point{extent}, nil)
	return rt, bid, nil
}

var submitTaskCommand = cli.Command{
	Name:  "submit-task",
	Usage: "submit one master-node task that discard-writes the whole buffer, then shut down",
	Flags: []cli.Flag{bufferFlag, extentFlag, nameFlag},
	Action: func(c *cli.Context) error {
		rt, bid, err := bootRuntime(c)
		if err != nil {
			return err
		}
		extent := c.Int64(extentFlag.Name)
		mapper := rangemapper.Fixed(region.New(1, region.NewBox(1, region.Point{0}, region.Point{extent})))
		tid, err := rt.SubmitTask(task.Builder{
			Kind:     task.MasterNode,
			Geometry: task.Geometry{Dimensions: 1, GlobalSize: region.Point{extent}},
			Accesses: []task.BufferAccess{{Buffer: bid, Mode: task.DiscardWrite, Mapper: mapper}},
			DebugName: c.String(nameFlag.Name),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "submitted task %d (buffer %d, extent %d)\n", tid, bid, extent)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Startup(ctx); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond) // let the scheduler/executor goroutines lower and drain the task
		return rt.Shutdown()
	},
}

var snapshotCommand = cli.Command{
	Name:  "snapshot",
	Usage: "print the command graph snapshot for a freshly booted, empty runtime",
	Flags: []cli.Flag{bufferFlag, extentFlag},
	Action: func(c *cli.Context) error {
		rt, _, err := bootRuntime(c)
		if err != nil {
			return err
		}
		raw, err := rt.GetCommandGraphSnapshot()
		if err != nil {
			return err
		}
		var pretty map[string]interface{}
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(raw, &pretty); err != nil {
			return err
		}
		out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(pretty, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, string(out))
		return nil
	},
}

var shutdownCommand = cli.Command{
	Name:  "shutdown",
	Usage: "boot a runtime, start it with nothing submitted, and drain it immediately",
	Action: func(c *cli.Context) error {
		rt, _, err := bootRuntime(c)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rt.Startup(ctx); err != nil {
			return err
		}
		if err := rt.Shutdown(); err != nil {
			return err
		}
		fmt.Fprintf(c.App.Writer, "node %d: %s\n", 0, rt.Lifecycle())
		return nil
	},
}
