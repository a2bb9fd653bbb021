package main

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/wavemesh"
	"github.com/hupe1980/wavemesh/agent"
	"github.com/hupe1980/wavemesh/checkpoint"
	"github.com/hupe1980/wavemesh/config"
	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/engine"
	"github.com/hupe1980/wavemesh/logging"
	"github.com/hupe1980/wavemesh/model"
	"github.com/hupe1980/wavemesh/model/anthropic"
	"github.com/hupe1980/wavemesh/model/openai"
	"github.com/hupe1980/wavemesh/registry"
	"github.com/hupe1980/wavemesh/relic"
)

// runtime is a Mesh built from a Config plus the broker connection it owns.
type runtime struct {
	*wavemesh.Mesh

	cfg    config.Config
	logger logging.Logger
	mqtt   mqtt.Client
}

func newRuntime(ctx context.Context, cfg config.Config, logger logging.Logger, promReg prometheus.Registerer) (*runtime, error) {
	rt := &runtime{cfg: cfg, logger: logger}

	store, err := newStore(cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	m, err := newModel(cfg.Model)
	if err != nil {
		return nil, errors.Join(err, closeStore(store))
	}

	var remote core.Executor
	if cfg.MQTT.Enabled {
		client, err := relic.Connect(ctx, relic.BrokerOptions{
			URL:      cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Timeout:  cfg.MQTT.Timeout.Std(),
		})
		if err != nil {
			return nil, errors.Join(err, closeStore(store))
		}
		rt.mqtt = client
		remote = relic.NewMQTTExecutor(client, func(o *relic.MQTTOptions) {
			o.Prefix = cfg.MQTT.Prefix
			o.QoS = byte(cfg.MQTT.QoS)
			o.Logger = logger
		})
	}

	rt.Mesh = wavemesh.New(func(o *wavemesh.Options) {
		o.EngineConfig = engine.Config{
			MaxConcurrentInvocations: cfg.Engine.MaxConcurrentInvocations,
			EventBufferSize:          cfg.Engine.EventBuffer,
			MaxDelegationDepth:       cfg.Engine.MaxDelegationDepth,
		}
		o.DefaultMaxParallel = cfg.Engine.MaxParallel
		o.DefaultTimeout = cfg.Engine.DefaultTimeout.Std()
		o.RateLimits = cfg.DispatchRateLimits()
		o.Relics = map[string]relic.Relic{"counter": relic.NewCounter()}
		o.RemoteRelics = remote
		o.Model = m
		o.Registry = registry.New(func(ro *registry.Options) {
			ro.Capacity = cfg.Registry.Capacity
			ro.Registerer = promReg
			ro.Logger = logger
		})
		o.Checkpoints = store
		o.NoCheckpoints = store == nil
		o.Logger = logger
	})
	return rt, nil
}

// registerPlans registers an agent replaying set with the configured loop
// settings.
func (rt *runtime) registerPlans(set *core.PlanSet) string {
	return rt.RegisterPlans(set,
		agent.WithMaxIters(rt.cfg.Engine.MaxIterations),
		agent.WithInterval(rt.cfg.Engine.Interval.Std()),
		agent.WithDelegationLimits(rt.cfg.DelegationLimits()),
	)
}

// Close shuts the mesh down and drops the broker connection.
func (rt *runtime) Close(ctx context.Context) error {
	err := rt.Shutdown(ctx)
	if rt.mqtt != nil {
		rt.mqtt.Disconnect(250)
	}
	return err
}

func closeStore(s checkpoint.Store) error {
	if s == nil {
		return nil
	}
	return s.Close()
}

func newStore(cfg config.CheckpointConfig, logger logging.Logger) (checkpoint.Store, error) {
	switch cfg.Driver {
	case "badger":
		s, err := checkpoint.NewBadgerStore(func(o *checkpoint.BadgerOptions) {
			o.Path = cfg.Path
			o.Logger = logger
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return checkpoint.NewInMemoryStore(), nil
	default:
		return nil, nil
	}
}

func newModel(cfg config.ModelConfig) (model.Model, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewModel(func(o *anthropic.Options) {
			if cfg.Name != "" {
				o.Model = anthropicsdk.Model(cfg.Name)
			}
			o.APIKey = cfg.APIKey
			o.Temperature = cfg.Temperature
			o.MaxTokens = cfg.MaxTokens
			if cfg.BaseURL != "" {
				o.RequestOptions = append(o.RequestOptions, anthropicopt.WithBaseURL(cfg.BaseURL))
			}
		}), nil
	case "openai":
		return openai.NewModel(func(o *openai.Options) {
			if cfg.Name != "" {
				o.Model = cfg.Name
			}
			o.Temperature = cfg.Temperature
			o.MaxCompletionTokens = cfg.MaxTokens
			if cfg.APIKey != "" {
				o.RequestOptions = append(o.RequestOptions, openaiopt.WithAPIKey(cfg.APIKey))
			}
			if cfg.BaseURL != "" {
				o.RequestOptions = append(o.RequestOptions, openaiopt.WithBaseURL(cfg.BaseURL))
			}
		}), nil
	case "mock", "":
		name := cfg.Name
		if name == "" {
			name = "mock"
		}
		return model.NewMockModel(name), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}
