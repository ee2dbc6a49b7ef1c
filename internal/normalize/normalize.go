// Package normalize turns change-feed records into schedule requests.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"

	"github.com/austindbirch/schedhook/internal/schedule"
)

var (
	ErrEmptyEvent      = errors.New("event has no records")
	ErrNoNewImage      = errors.New("record has no new image")
	ErrMissingField    = errors.New("missing field")
	ErrUnsupportedType = errors.New("unsupported attribute type")
)

const (
	eventInsert = "INSERT"
	eventModify = "MODIFY"
	eventRemove = "REMOVE"
)

// Row is the new image of a change-feed row.
type Row struct {
	PK     string `json:"pk"`
	Date   string `json:"date"`
	Status string `json:"status,omitempty"`
}

// RowFromImage reads pk, date and status from a DynamoDB new image.
func RowFromImage(image map[string]events.DynamoDBAttributeValue) (Row, error) {
	if len(image) == 0 {
		return Row{}, ErrNoNewImage
	}

	pk, err := scalar(image, "pk", true)
	if err != nil {
		return Row{}, err
	}
	date, err := scalar(image, "date", true)
	if err != nil {
		return Row{}, err
	}
	status, err := scalar(image, "status", false)
	if err != nil {
		return Row{}, err
	}
	return Row{PK: pk, Date: date, Status: status}, nil
}

func scalar(image map[string]events.DynamoDBAttributeValue, key string, required bool) (string, error) {
	v, ok := image[key]
	if !ok || v.IsNull() {
		if required {
			return "", fmt.Errorf("%w: %s", ErrMissingField, key)
		}
		return "", nil
	}

	var s string
	switch v.DataType() {
	case events.DataTypeString:
		s = v.String()
	case events.DataTypeNumber:
		s = v.Number()
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedType, key)
	}
	if s == "" && required {
		return "", fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	return s, nil
}

// FromRow builds the request for a row. The row id is both the schedule name and
// its client token, so a replayed record cannot create a second schedule.
func FromRow(row Row) (schedule.Request, error) {
	input, err := json.Marshal(row)
	if err != nil {
		return schedule.Request{}, fmt.Errorf("encode row: %w", err)
	}
	return schedule.Request{
		ClientToken:                row.PK,
		Name:                       row.PK,
		ScheduleExpression:         schedule.AtExpression(row.Date),
		ScheduleExpressionTimezone: schedule.DefaultTimezone,
		TimeWindow:                 schedule.TimeWindow{Mode: schedule.TimeWindowOff},
		Input:                      string(input),
	}, nil
}

// FromRecord normalizes a single stream record.
func FromRecord(rec events.DynamoDBEventRecord) (schedule.Request, error) {
	row, err := RowFromImage(rec.Change.NewImage)
	if err != nil {
		return schedule.Request{}, err
	}
	return FromRow(row)
}

// FromEvent normalizes the first record of the event and ignores the rest.
func FromEvent(event events.DynamoDBEvent) (schedule.Request, error) {
	if len(event.Records) == 0 {
		return schedule.Request{}, ErrEmptyEvent
	}
	return FromRecord(event.Records[0])
}

// FromEventAll normalizes every INSERT or MODIFY record. REMOVE records and records
// without a new image are skipped; any other failure aborts with the record index.
func FromEventAll(event events.DynamoDBEvent) ([]schedule.Request, error) {
	if len(event.Records) == 0 {
		return nil, ErrEmptyEvent
	}

	reqs := make([]schedule.Request, 0, len(event.Records))
	for i, rec := range event.Records {
		if rec.EventName == eventRemove || len(rec.Change.NewImage) == 0 {
			continue
		}
		if rec.EventName != "" && rec.EventName != eventInsert && rec.EventName != eventModify {
			continue
		}
		req, err := FromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %w", i, rec.EventID, err)
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

// DecodeEvent accepts either a stream event ({"Records":[...]}) or a bare array of
// records as delivered by a pipe.
func DecodeEvent(data []byte) (events.DynamoDBEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return events.DynamoDBEvent{}, ErrEmptyEvent
	}

	if data[0] == '[' {
		var records []events.DynamoDBEventRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return events.DynamoDBEvent{}, fmt.Errorf("decode records: %w", err)
		}
		return events.DynamoDBEvent{Records: records}, nil
	}

	var event events.DynamoDBEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return events.DynamoDBEvent{}, fmt.Errorf("decode event: %w", err)
	}
	return event, nil
}
