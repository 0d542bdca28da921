package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-tagger/internal/config"
	"github.com/kozaktomas/face-tagger/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Consume image events from MQTT",
	Long: `Subscribe to MQTT_REQUEST_TOPIC and process every message as an event
envelope or a single image message. Each batch result is published to
MQTT_RESPONSE_TOPIC.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)

	workerCmd.Flags().Int("concurrency", 0, "Messages processed at once (defaults to PROCESSING_CONCURRENCY)")
	workerCmd.Flags().String("client-id", "", "MQTT client ID (random when empty)")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	a, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	concurrency := mustGetInt(cmd, "concurrency")
	if concurrency <= 0 {
		concurrency = cfg.Processing.Concurrency
	}

	w := worker.New(a.service, worker.Options{
		Broker:        cfg.MQTT.Broker,
		ClientID:      mustGetString(cmd, "client-id"),
		RequestTopic:  cfg.MQTT.RequestTopic,
		ResponseTopic: cfg.MQTT.ResponseTopic,
		QoS:           byte(cfg.MQTT.QoS),
		DefaultBucket: cfg.AWS.Bucket,
		Concurrency:   concurrency,
	})
	return w.Run(ctx)
}
