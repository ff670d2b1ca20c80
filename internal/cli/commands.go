package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sgerhart/threatflux/internal/app"
	"github.com/sgerhart/threatflux/internal/auth"
	"github.com/sgerhart/threatflux/internal/config"
	"github.com/sgerhart/threatflux/internal/model"
	"github.com/sgerhart/threatflux/internal/store"
	"github.com/sgerhart/threatflux/internal/textclf"
)

func newTrainCmd() *cobra.Command {
	train := &cobra.Command{
		Use:   "train",
		Short: "Train and persist a model",
	}

	anomalyCmd := &cobra.Command{
		Use:   "anomaly",
		Short: "Train the anomaly model on stored network events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, _, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.TrainAnomaly(commandContext(cmd))
			if err != nil {
				return fmt.Errorf("anomaly training failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	var dataset string
	textCmd := &cobra.Command{
		Use:   "text",
		Short: "Train the text classifier on a labeled CSV dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(dataset)
			if err != nil {
				return fmt.Errorf("failed to open dataset: %w", err)
			}
			defer f.Close()

			a, _, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Service.TrainTextCSV(commandContext(cmd), f)
			if err != nil {
				return fmt.Errorf("text training failed: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	textCmd.Flags().StringVar(&dataset, "dataset", "", "CSV file with text/message and label/category columns")
	textCmd.MarkFlagRequired("dataset")

	train.AddCommand(anomalyCmd, textCmd)
	return train
}

func newClassifyCmd() *cobra.Command {
	var modelPath string
	cmd := &cobra.Command{
		Use:   "classify [text]",
		Short: "Classify one text with a trained text model",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelPath == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				modelPath = cfg.TextModelPath
			}
			m, err := textclf.Load(modelPath)
			if err != nil {
				return fmt.Errorf("failed to load text model: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), m.Predict(strings.Join(args, " ")))
		},
	}
	cmd.Flags().StringVar(&modelPath, "model", "", "Text model artifact (defaults to TEXT_MODEL_PATH)")
	return cmd
}

func newIngestCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "ingest [payload.json]",
		Short: "Run a raw event or pre-classified threat through the pipeline",
		Long: `ingest reads a JSON payload and processes it exactly as the service would,
using the configured store and any persisted models. --kind selects network, email,
sms or threat.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			a, _, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := commandContext(cmd)
			if err := a.Service.LoadModels(ctx, ""); err != nil {
				return err
			}

			if kind == "threat" {
				threat, err := a.Service.IngestThreat(ctx, data)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), threat)
			}
			res, err := a.Service.Ingest(ctx, model.EventKind(kind), data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "network", "Payload kind: network, email, sms or threat")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
	}

	run := func(down bool) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			if !down {
				// opening the store applies pending migrations
				st, err := app.OpenStore(commandContext(cmd), cfg, discardLogger(cmd))
				if err != nil {
					return err
				}
				defer st.Close()
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			}

			pg, err := store.NewPostgresStore(commandContext(cmd), cfg.DatabaseURL, cfg.DatabaseName, discardLogger(cmd))
			if err != nil {
				return err
			}
			defer pg.Close()
			if err := pg.MigrateDown(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations rolled back")
			return nil
		}
	}

	migrate.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply pending migrations", Args: cobra.NoArgs, RunE: run(false)},
		&cobra.Command{Use: "down", Short: "Roll back every migration", Args: cobra.NoArgs, RunE: run(true)},
	)
	return migrate
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for an AUTH_USERS entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
