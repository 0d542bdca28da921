// Package worker consumes image events from an MQTT broker and publishes
// batch results back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/kozaktomas/face-tagger/internal/events"
	"github.com/kozaktomas/face-tagger/internal/identity"
	"github.com/kozaktomas/face-tagger/internal/logger"
)

// Processor runs a batch of jobs.
type Processor interface {
	ProcessBatch(ctx context.Context, jobs []identity.Job) (*identity.BatchResult, error)
}

type Options struct {
	Broker        string
	ClientID      string // random when empty
	RequestTopic  string
	ResponseTopic string
	QoS           byte
	DefaultBucket string
	// Concurrency bounds how many messages are processed at once.
	Concurrency    int
	ConnectTimeout time.Duration
}

// ErrorResponse is published when a message cannot be processed at all.
type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	ErrorType  string `json:"error_type"`
}

type Worker struct {
	processor Processor
	opts      Options
	log       *logger.Logger
}

func New(p Processor, opts Options) *Worker {
	if opts.ClientID == "" {
		opts.ClientID = "face-tagger-" + uuid.New().String()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	return &Worker{processor: p, opts: opts, log: logger.Named("worker")}
}

// Handle decodes one payload, processes it and returns the response body.
// A payload is either an event envelope or a single image message.
func (w *Worker) Handle(ctx context.Context, payload []byte) []byte {
	jobs, err := events.Parse(payload, w.opts.DefaultBucket)
	if err != nil {
		ref, msgErr := events.ParseMessage(payload, w.opts.DefaultBucket)
		if msgErr != nil {
			w.log.Warn().Err(err).Msg("discarding undecodable message")
			return marshalError(http.StatusBadRequest, err)
		}
		jobs = []identity.Job{{Ref: ref}}
	}

	result, err := w.processor.ProcessBatch(ctx, jobs)
	if err != nil {
		w.log.Error().Err(err).Int("jobs", len(jobs)).Msg("batch rejected")
		return marshalError(http.StatusServiceUnavailable, err)
	}
	out, err := json.Marshal(result)
	if err != nil {
		return marshalError(http.StatusInternalServerError, err)
	}
	return out
}

func marshalError(status int, err error) []byte {
	out, _ := json.Marshal(ErrorResponse{
		StatusCode: status,
		Error:      err.Error(),
		ErrorType:  identity.ErrorType(err),
	})
	return out
}

// Run connects, subscribes and processes messages until ctx is cancelled.
// In-flight messages finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	d := newDispatcher(w.opts.Concurrency)

	// Messages keep processing after ctx ends so a result is always published.
	workCtx := context.WithoutCancel(ctx)

	onMessage := func(c mqtt.Client, m mqtt.Message) {
		payload := m.Payload()
		accepted := d.submit(func() {
			resp := w.Handle(workCtx, payload)
			token := c.Publish(w.opts.ResponseTopic, w.opts.QoS, false, resp)
			if token.WaitTimeout(w.opts.ConnectTimeout) && token.Error() != nil {
				w.log.Error().Err(token.Error()).Str("topic", w.opts.ResponseTopic).Msg("failed to publish result")
			}
		})
		if !accepted {
			w.log.Warn().Str("topic", m.Topic()).Msg("worker stopping, message dropped")
		}
	}

	opts := mqtt.NewClientOptions().AddBroker(w.opts.Broker).SetClientID(w.opts.ClientID)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(5 * time.Second)
	opts.SetConnectTimeout(w.opts.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(false)
	opts.OnConnect = func(c mqtt.Client) {
		w.log.Info().Str("broker", w.opts.Broker).Str("client_id", w.opts.ClientID).Msg("connected to MQTT")
		token := c.Subscribe(w.opts.RequestTopic, w.opts.QoS, onMessage)
		if token.Wait() && token.Error() != nil {
			w.log.Error().Err(token.Error()).Str("topic", w.opts.RequestTopic).Msg("subscribe failed")
			return
		}
		w.log.Info().Str("topic", w.opts.RequestTopic).Msg("subscribed")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		w.log.Warn().Err(err).Msg("MQTT connection lost")
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(w.opts.ConnectTimeout) {
		return errors.New("timed out connecting to MQTT broker")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("connecting to MQTT broker: %w", err)
	}

	<-ctx.Done()
	w.log.Info().Msg("stopping worker")
	if t := client.Unsubscribe(w.opts.RequestTopic); t.WaitTimeout(5*time.Second) && t.Error() != nil {
		w.log.Warn().Err(t.Error()).Msg("unsubscribe failed")
	}
	d.stop()
	client.Disconnect(250)
	return nil
}
