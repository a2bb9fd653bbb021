package relic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

// DefaultPrefix is the topic prefix used when none is configured.
const DefaultPrefix = "wavemesh"

// Status values of a Reply.
const (
	StatusSuccess = "SUCCESS"
	StatusError   = "ERROR"
)

// Client is the subset of mqtt.Client the relic transport uses.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload any) mqtt.Token
}

// Request is published to a relic's request topic.
type Request struct {
	ID            string         `json:"id"`
	Relic         string         `json:"relic"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	ResponseTopic string         `json:"response_topic"`
	ExecutionID   string         `json:"execution_id,omitempty"`
	ActionID      string         `json:"action_id,omitempty"`
}

// Reply is published to the request's response topic.
type Reply struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RequestTopic returns the topic a relic listens on.
func RequestTopic(prefix, relic string) string {
	return fmt.Sprintf("%s/relics/%s/request", prefix, relic)
}

func responseTopic(prefix, relic, id string) string {
	return fmt.Sprintf("%s/relics/%s/response/%s", prefix, relic, id)
}

// MQTTOptions configure MQTT relic transport.
type MQTTOptions struct {
	Prefix string
	QoS    byte
	Logger logging.Logger
}

func mqttOptions(optFns []func(o *MQTTOptions)) MQTTOptions {
	opts := MQTTOptions{Prefix: DefaultPrefix, QoS: 1, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.Logger == nil {
		opts.Logger = logging.NoOpLogger{}
	}
	return opts
}

// MQTTExecutor calls remote relics over MQTT request/response.
type MQTTExecutor struct {
	client Client
	opts   MQTTOptions
}

// NewMQTTExecutor creates an executor publishing through client.
func NewMQTTExecutor(client Client, optFns ...func(o *MQTTOptions)) *MQTTExecutor {
	return &MQTTExecutor{client: client, opts: mqttOptions(optFns)}
}

// Execute implements core.Executor. It subscribes to a fresh response
// topic, publishes the request and waits for the reply or ctx.
func (e *MQTTExecutor) Execute(ctx context.Context, target string, params map[string]any) (any, error) {
	id := uuid.New().String()
	respTopic := responseTopic(e.opts.Prefix, target, id)
	logger := logging.With(logging.FromContext(ctx), "relic", target, "request_id", id)

	replies := make(chan Reply, 1)
	sub := e.client.Subscribe(respTopic, e.opts.QoS, func(_ mqtt.Client, msg mqtt.Message) {
		var r Reply
		if err := json.Unmarshal(msg.Payload(), &r); err != nil {
			logger.Warn("Malformed relic reply", "error", err)
			return
		}
		select {
		case replies <- r:
		default:
		}
	})
	if err := waitToken(ctx, sub); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", respTopic, err)
	}
	defer func() {
		// Unsubscribe even when ctx is done.
		_ = waitToken(context.Background(), e.client.Unsubscribe(respTopic))
	}()

	req := Request{ID: id, Relic: target, Parameters: params, ResponseTopic: respTopic}
	if info, ok := core.ActionInfoFromContext(ctx); ok {
		req.ExecutionID, req.ActionID = info.ExecutionID, info.ActionID
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode relic request: %w", err)
	}
	if err := waitToken(ctx, e.client.Publish(RequestTopic(e.opts.Prefix, target), e.opts.QoS, false, payload)); err != nil {
		return nil, fmt.Errorf("publish relic request: %w", err)
	}
	logger.Debug("Relic request published")

	select {
	case r := <-replies:
		if r.Status != StatusSuccess {
			if r.Error == "" {
				r.Error = "relic failed"
			}
			return nil, errors.New(r.Error)
		}
		return r.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Serve answers relic requests for every relic in table until ctx is done.
// Each request is handled on its own goroutine.
func Serve(ctx context.Context, client Client, table *Table, optFns ...func(o *MQTTOptions)) error {
	opts := mqttOptions(optFns)
	topic := RequestTopic(opts.Prefix, "+")

	handler := func(_ mqtt.Client, msg mqtt.Message) {
		var req Request
		if err := json.Unmarshal(msg.Payload(), &req); err != nil || req.ResponseTopic == "" {
			opts.Logger.Warn("Malformed relic request", "topic", msg.Topic())
			return
		}
		go func() {
			reply := Reply{ID: req.ID, Status: StatusSuccess}
			r, ok := table.Get(relicFromTopic(msg.Topic()))
			var (
				out any
				err error
			)
			if !ok {
				err = fmt.Errorf("%w: %s", ErrUnknownRelic, req.Relic)
			} else {
				out, err = r.Call(ctx, req.Parameters)
			}
			if err != nil {
				reply.Status, reply.Error = StatusError, err.Error()
			} else {
				reply.Result = out
			}
			payload, err := json.Marshal(reply)
			if err != nil {
				payload, _ = json.Marshal(Reply{ID: req.ID, Status: StatusError, Error: err.Error()})
			}
			if err := waitToken(ctx, client.Publish(req.ResponseTopic, opts.QoS, false, payload)); err != nil {
				opts.Logger.Warn("Relic reply failed", "relic", req.Relic, "error", err)
			}
		}()
	}

	if err := waitToken(ctx, client.Subscribe(topic, opts.QoS, handler)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	opts.Logger.Info("Serving relics", "topic", topic, "relics", table.Names())

	<-ctx.Done()
	_ = waitToken(context.Background(), client.Unsubscribe(topic))
	return nil
}

func relicFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return ""
	}
	return parts[len(parts)-2]
}

// waitToken waits for an MQTT token or ctx.
func waitToken(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// BrokerOptions configure Connect.
type BrokerOptions struct {
	URL      string
	ClientID string
	Username string
	Password string
	Timeout  time.Duration
}

// Connect dials an MQTT broker with auto-reconnect enabled.
func Connect(ctx context.Context, b BrokerOptions) (mqtt.Client, error) {
	clientID := b.ClientID
	if clientID == "" {
		clientID = "wavemesh-" + uuid.New().String()
	}
	opts := mqtt.NewClientOptions().AddBroker(b.URL)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	if b.Username != "" {
		opts.SetUsername(b.Username)
		opts.SetPassword(b.Password)
	}
	if b.Timeout > 0 {
		opts.SetConnectTimeout(b.Timeout)
	}

	client := mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		return nil, fmt.Errorf("connect to %s: %w", b.URL, err)
	}
	return client, nil
}
