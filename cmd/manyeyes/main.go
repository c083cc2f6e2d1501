package main

import (
	"context"

	"manyeyes/internal"
	"manyeyes/pkg/log"

	"github.com/spf13/cobra"
)

func main() {
	app := internal.NewApp()

	root := &cobra.Command{
		Use:           "manyeyes",
		Short:         "Turn spare devices into cameras and watch them from anywhere",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if err := log.SetupLogger(app.LogLevel()); err != nil {
				return err
			}

			return app.Setup()
		},
	}

	app.BindFlags(root.PersistentFlags())

	register := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Register(cmd.Context())
		},
	}
	app.BindLoginFlags(register.Flags())

	login := &cobra.Command{
		Use:   "login",
		Short: "Log this device in and store its credentials",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Login(cmd.Context())
		},
	}
	app.BindLoginFlags(login.Flags())

	logout := &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored credentials",
		RunE: func(*cobra.Command, []string) error {
			return app.Logout()
		},
	}

	devices := &cobra.Command{
		Use:   "devices",
		Short: "List the devices of the account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Devices(cmd.Context())
		},
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "Connect to the relay and stream or watch",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			return app.Run(ctx, cancel)
		},
	}
	app.BindRunFlags(run.Flags())

	root.AddCommand(register, login, logout, devices, run)

	if err := root.ExecuteContext(context.Background()); err != nil {
		log.Fatal(err)
	}
}
