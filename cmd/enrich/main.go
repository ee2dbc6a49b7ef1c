// Command enrich is the Lambda normalizer: it turns the first record of a DynamoDB
// stream event into a schedule request for the schedule-creator function.
package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/schedhook/internal/logging"
	"github.com/austindbirch/schedhook/internal/metrics"
	"github.com/austindbirch/schedhook/internal/normalize"
	"github.com/austindbirch/schedhook/internal/schedule"
	"github.com/austindbirch/schedhook/internal/tracing"
)

const sourceLambda = "lambda"

var logger = logging.New("schedhook-enrich")

// handle accepts either a stream event object or a bare array of records.
func handle(ctx context.Context, payload json.RawMessage) (schedule.Request, error) {
	ctx, span := tracing.StartSpan(ctx, "enrich.normalize")
	defer span.End()

	event, err := normalize.DecodeEvent(payload)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logger.WithContext(ctx).WithError(err).Error("undecodable event")
		return schedule.Request{}, err
	}

	req, err := normalize.FromEvent(event)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		logger.WithContext(ctx).WithField("records", len(event.Records)).WithError(err).Error("normalize failed")
		return schedule.Request{}, err
	}
	span.SetAttributes(attribute.String("schedule.name", req.Name))
	metrics.RecordNormalized(sourceLambda, 1)

	logger.WithContext(ctx).WithSchedule(req.Name).WithField("expression", req.ScheduleExpression).Info("request normalized")
	return req, nil
}

func main() {
	shutdown, err := tracing.InitTracingFromEnv(context.Background(), "schedhook-enrich")
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdown()

	lambda.Start(handle)
}
