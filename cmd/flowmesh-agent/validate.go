package main

import (
	"context"
	"fmt"

	cli "github.com/urfave/cli/v3"

	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/log"
)

func validateCommand() *cli.Command {
	return &cli.Command{
		Name:      "validate",
		Usage:     "Validate a flow file without running it",
		ArgsUsage: "<flow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			path := command.Args().First()
			if path == "" {
				return fmt.Errorf("usage: flowmesh-agent validate <flow.yaml>")
			}

			spec, err := flow.Load(path)
			if err != nil {
				return err
			}

			fmt.Printf("flow %q is valid: %d steps, %d participants\n",
				spec.Name, len(spec.Steps), len(spec.Datasites.All))

			return nil
		},
	}
}
