// Command schedule-creator is the Lambda dispatcher: it registers one schedule per
// invocation and returns its result, or fails the invocation with the dispatch error.
package main

import (
	"context"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/austindbirch/schedhook/internal/config"
	"github.com/austindbirch/schedhook/internal/dispatch"
	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/schedule"
	"github.com/austindbirch/schedhook/internal/tracing"
)

var logger = logging.New("schedhook-schedule-creator")

// newDispatcher is swapped in tests.
var newDispatcher = func(cfg config.Scheduler) *dispatch.Dispatcher {
	return dispatch.New(cfg, dispatch.WithLogger(logger))
}

func handle(ctx context.Context, req schedule.Request) (schedule.Result, error) {
	res, err := newDispatcher(config.SchedulerFromEnv()).Dispatch(ctx, req)
	if err != nil {
		return schedule.Result{}, err
	}
	return res, nil
}

func main() {
	shutdown, err := tracing.InitTracingFromEnv(context.Background(), "schedhook-schedule-creator")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	lambda.Start(handle)
}
