package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apiclient "github.com/jmccormack1717/SecuraFlow/pkg/api/client"
	"github.com/jmccormack1717/SecuraFlow/pkg/config"
	"github.com/jmccormack1717/SecuraFlow/pkg/logger"
	"github.com/jmccormack1717/SecuraFlow/pkg/traffic"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type runOptions struct {
	apiURL       string
	ingestToken  string
	rate         float64
	anomalyRatio float64
	duration     time.Duration
	seed         int64
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "trafficgen",
		Short:         "Send synthetic API traffic to SecuraFlow",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand(), newSampleCommand(), newReportCommand())
	return root
}

func newRunCommand() *cobra.Command {
	cfg := config.LoadGeneratorConfig()
	opts := runOptions{
		apiURL:       cfg.APIURL,
		ingestToken:  cfg.IngestToken,
		rate:         cfg.Rate,
		anomalyRatio: cfg.AnomalyRatio,
		duration:     cfg.Duration,
		seed:         time.Now().UnixNano(),
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Stream observations to the ingestion endpoint",
		Long: `Generates normal and anomalous request observations and posts them to
POST /api/traffic at a fixed rate until interrupted or --duration elapses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.rate <= 0 {
				return errors.New("--rate must be positive")
			}
			client, err := traffic.NewClient(opts.apiURL, opts.ingestToken, &http.Client{Timeout: cfg.RequestTimeout})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.duration)
				defer cancel()
			}
			log := logger.New("trafficgen", slog.LevelInfo)
			return run(ctx, client, traffic.NewGenerator(opts.seed, opts.anomalyRatio), opts.rate, log)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.apiURL, "api-url", opts.apiURL, "SecuraFlow API base URL")
	flags.StringVar(&opts.ingestToken, "ingest-token", opts.ingestToken, "value for the X-Ingest-Token header")
	flags.Float64Var(&opts.rate, "rate", opts.rate, "observations per second")
	flags.Float64Var(&opts.anomalyRatio, "anomaly-ratio", opts.anomalyRatio, "fraction of observations generated as anomalies")
	flags.DurationVar(&opts.duration, "duration", opts.duration, "stop after this long (0 runs until interrupted)")
	flags.Int64Var(&opts.seed, "seed", opts.seed, "random seed")
	return cmd
}

func newSampleCommand() *cobra.Command {
	var (
		count        int
		anomalyRatio float64
		seed         int64
	)
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "Print generated observations as JSON lines",
		Long: `Writes observations in the replay log format to stdout, suitable for
TRAFFIC_REPLAY_PATH.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			gen := traffic.NewGenerator(seed, anomalyRatio)
			out := cmd.OutOrStdout()
			for i := 0; i < count; i++ {
				obs, _ := gen.Next()
				line, err := traffic.EncodeLine(obs)
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(out, string(line)); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&count, "count", 100, "number of observations")
	cmd.Flags().Float64Var(&anomalyRatio, "anomaly-ratio", 0.1, "fraction of observations generated as anomalies")
	cmd.Flags().Int64Var(&seed, "seed", 1, "random seed")
	return cmd
}

func newReportCommand() *cobra.Command {
	cfg := config.LoadGeneratorConfig()
	var (
		apiURL   = cfg.APIURL
		username = cfg.Username
		password = cfg.Password
		limit    = 10
		evaluate bool
	)
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise detector results after a run",
		Long: `Logs in, prints service health, optionally triggers a model evaluation
and lists the most recent unresolved anomalies.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if username == "" || password == "" {
				return errors.New("--username and --password are required")
			}
			api, err := apiclient.New(apiURL, apiclient.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			health, err := api.Health(ctx)
			if err != nil {
				return fmt.Errorf("health: %w", err)
			}
			fmt.Fprintf(out, "status=%s database=%s model_loaded=%t\n", health.Status, health.Database, health.ModelLoaded)

			login, err := api.Login(ctx, username, password)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			if evaluate {
				perf, err := api.Evaluate(ctx, login.AccessToken)
				if err != nil {
					return fmt.Errorf("evaluate: %w", err)
				}
				fmt.Fprintf(out, "model=%s predictions=%d precision=%.3f recall=%.3f f1=%.3f accuracy=%.3f\n",
					perf.ModelVersion, perf.TotalPredictions, perf.Precision, perf.Recall, perf.F1Score, perf.Accuracy)
			}

			unresolved := false
			page, err := api.ListAnomalies(ctx, login.AccessToken, apiclient.ListAnomaliesInput{Limit: limit, Resolved: &unresolved})
			if err != nil {
				return fmt.Errorf("list anomalies: %w", err)
			}
			fmt.Fprintf(out, "unresolved anomalies: %d\n", page.Total)
			for _, a := range page.Anomalies {
				endpoint, status := "", 0
				if a.TrafficLog != nil {
					endpoint, status = a.TrafficLog.Endpoint, a.TrafficLog.StatusCode
				}
				fmt.Fprintf(out, "  #%d %-20s score=%.2f status=%d %s\n", a.ID, a.Type, a.Score, status, endpoint)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&apiURL, "api-url", apiURL, "SecuraFlow API base URL")
	flags.StringVar(&username, "username", username, "account username")
	flags.StringVar(&password, "password", password, "account password")
	flags.IntVar(&limit, "limit", limit, "number of anomalies to list")
	flags.BoolVar(&evaluate, "evaluate", false, "run a model evaluation first")
	return cmd
}

func run(ctx context.Context, client *traffic.Client, gen *traffic.Generator, rate float64, log *slog.Logger) error {
	interval := time.Duration(float64(time.Second) / rate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sent, flagged, generated, failed int
	log.Info("traffic generation started", "rate", rate, "interval", interval)
	defer func() {
		log.Info("traffic generation stopped", "sent", sent, "generated_anomalies", generated, "flagged", flagged, "failed", failed)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		obs, anomalous := gen.Next()
		if anomalous {
			generated++
		}
		result, err := client.Send(ctx, obs)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failed++
			if errors.Is(err, traffic.ErrUnauthorized) {
				return err
			}
			log.Warn("send failed", "endpoint", obs.Endpoint, "error", err)
			continue
		}
		sent++
		if result.AnomalyDetected {
			flagged++
			log.Info("anomaly flagged",
				"endpoint", obs.Endpoint,
				"status", obs.StatusCode,
				"score", result.AnomalyScore,
				"type", result.AnomalyType,
			)
		}
	}
}
