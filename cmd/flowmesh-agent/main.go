package main

import (
	"context"
	"os"

	cli "github.com/urfave/cli/v3"
)

func main() {
	cmd := &cli.Command{
		Name:                  "flowmesh-agent",
		EnableShellCompletion: true,
		Usage:                 "Run the per-participant flow orchestration agent",
		Commands: []*cli.Command{
			runCommand(),
			validateCommand(),
			proposeCommand(),
		},
	}

	err := cmd.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
