package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hupe1980/wavemesh/core"
	"github.com/hupe1980/wavemesh/logging"
)

var (
	tracer = otel.Tracer("wavemesh.scheduler")
	meter  = otel.Meter("wavemesh.scheduler")
)

// instruments are created once per process; otel hands out no-op
// instruments until a MeterProvider is installed.
type instruments struct {
	actionLatency  metric.Float64Histogram
	actionOutcomes metric.Int64Counter
	activeActions  metric.Int64UpDownCounter
	planLatency    metric.Float64Histogram
	deadlocks      metric.Int64Counter
}

var (
	instrumentsOnce sync.Once
	sharedInstr     instruments
)

func loadInstruments(logger logging.Logger) *instruments {
	instrumentsOnce.Do(func() {
		var initErrors []string
		var err error

		sharedInstr.actionLatency, err = meter.Float64Histogram("wavemesh_action_duration_seconds",
			metric.WithDescription("Time spent executing each action"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "action_latency: "+err.Error())
		}

		sharedInstr.actionOutcomes, err = meter.Int64Counter("wavemesh_action_total",
			metric.WithDescription("Number of finished actions by type and status"),
		)
		if err != nil {
			initErrors = append(initErrors, "action_outcomes: "+err.Error())
		}

		sharedInstr.activeActions, err = meter.Int64UpDownCounter("wavemesh_active_actions",
			metric.WithDescription("Number of currently running actions"),
		)
		if err != nil {
			initErrors = append(initErrors, "active_actions: "+err.Error())
		}

		sharedInstr.planLatency, err = meter.Float64Histogram("wavemesh_plan_duration_seconds",
			metric.WithDescription("Time spent driving one plan to completion"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "plan_latency: "+err.Error())
		}

		sharedInstr.deadlocks, err = meter.Int64Counter("wavemesh_plan_deadlock_total",
			metric.WithDescription("Number of plans that ended with blocked actions"),
		)
		if err != nil {
			initErrors = append(initErrors, "deadlocks: "+err.Error())
		}

		if len(initErrors) > 0 {
			logger.Error("Failed to initialize some scheduler metrics", "failed_count", len(initErrors), "errors", initErrors)
		}
	})
	return &sharedInstr
}

func (in *instruments) actionStarted(ctx context.Context, a core.Action) {
	if in.activeActions != nil {
		in.activeActions.Add(ctx, 1, metric.WithAttributes(attribute.String("action.type", string(a.Type))))
	}
}

func (in *instruments) actionFinished(ctx context.Context, r core.ActionResult) {
	attrs := metric.WithAttributes(
		attribute.String("action.type", string(r.Type)),
		attribute.String("action.status", string(r.Status)),
	)
	if in.activeActions != nil {
		in.activeActions.Add(ctx, -1, metric.WithAttributes(attribute.String("action.type", string(r.Type))))
	}
	if in.actionLatency != nil {
		in.actionLatency.Record(ctx, r.Duration.Seconds(), attrs)
	}
	if in.actionOutcomes != nil {
		in.actionOutcomes.Add(ctx, 1, attrs)
	}
}

func (in *instruments) planFinished(ctx context.Context, d time.Duration, rep *Report) {
	if in.planLatency != nil {
		in.planLatency.Record(ctx, d.Seconds(), metric.WithAttributes(
			attribute.Bool("plan.stopped", rep.Stopped),
			attribute.Bool("plan.deadlocked", rep.Deadlocked),
		))
	}
	if rep.Deadlocked && in.deadlocks != nil {
		in.deadlocks.Add(ctx, 1)
	}
}
