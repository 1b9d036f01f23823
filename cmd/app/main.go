package main

import (
	"context"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func listFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "list",
		Aliases: []string{"l"},
		Usage:   "List name (defaults to client.default_list)",
		Sources: cli.EnvVars("ANYLIST_LIST"),
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:  "anylist",
		Usage: "Client, server supervisor and credential store for a remote list service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Supervise the server, refresh lists and serve the status API",
				Action: run,
			},
			{
				Name:  "login",
				Usage: "Save credentials",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true, Sources: cli.EnvVars("ANYLIST_EMAIL")},
					&cli.StringFlag{Name: "password", Required: true, Sources: cli.EnvVars("ANYLIST_PASSWORD")},
					&cli.StringFlag{Name: "server", Usage: "List service base URL", Sources: cli.EnvVars("ANYLIST_SERVER")},
				},
				Action: login,
			},
			{
				Name:   "logout",
				Usage:  "Delete saved credentials",
				Action: logout,
			},
			{
				Name:      "add",
				Usage:     "Add an item",
				ArgsUsage: "NAME",
				Flags: []cli.Flag{
					listFlag(),
					&cli.StringFlag{Name: "notes", Usage: "Item notes"},
				},
				Action: addItem,
			},
			{
				Name:      "remove",
				Usage:     "Remove an item",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{listFlag()},
				Action:    removeItem,
			},
			{
				Name:      "check",
				Usage:     "Mark an item as checked",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{listFlag()},
				Action:    setChecked(true),
			},
			{
				Name:      "uncheck",
				Usage:     "Mark an item as unchecked",
				ArgsUsage: "NAME",
				Flags:     []cli.Flag{listFlag()},
				Action:    setChecked(false),
			},
			{
				Name:  "items",
				Usage: "Print items of a list",
				Flags: []cli.Flag{
					listFlag(),
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "Include checked items"},
				},
				Action: listItems,
			},
			{
				Name:   "lists",
				Usage:  "Print list names",
				Action: listLists,
			},
		},
	}
}
