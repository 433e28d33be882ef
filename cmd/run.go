package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/site-enrich/internal/model"
)

var runCmd = &cobra.Command{
	Use:   "run [application-id]",
	Short: "Run the enrichment pipeline for one application in the foreground",
	Long:  "Runs the pipeline synchronously. With --address a new application is created first.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		address, _ := cmd.Flags().GetString("address")
		lat, _ := cmd.Flags().GetFloat64("lat")
		lng, _ := cmd.Flags().GetFloat64("lng")

		if len(args) == 0 && address == "" {
			return eris.New("run: pass an application id or --address")
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		id := ""
		if len(args) == 1 {
			id = args[0]
		} else {
			in := model.NewApplication{Address: address}
			if cmd.Flags().Changed("lat") && cmd.Flags().Changed("lng") {
				in.Coordinates = &model.Coordinates{Lat: lat, Lng: lng}
			}
			app, err := env.Store.CreateApplication(ctx, in)
			if err != nil {
				return eris.Wrap(err, "run: create application")
			}
			id = app.ID
			zap.L().Info("application created", zap.String("application_id", id))
		}

		runErr := env.Runner.Run(ctx, id)

		app, err := env.Store.GetApplication(ctx, id)
		if err != nil {
			return eris.Wrap(err, "run: reload application")
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(app); err != nil {
			return err
		}
		return runErr
	},
}

func init() {
	runCmd.Flags().String("address", "", "create a new application for this address")
	runCmd.Flags().Float64("lat", 0, "latitude of the new application")
	runCmd.Flags().Float64("lng", 0, "longitude of the new application")
	rootCmd.AddCommand(runCmd)
}
