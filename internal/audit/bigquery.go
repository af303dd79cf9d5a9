package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/bigquery"
	"github.com/google/uuid"
)

const modelOutputsTable = "model_outputs"

// ModelOutputRow is the model_outputs table schema.
type ModelOutputRow struct {
	OutputID  string `bigquery:"output_id"`  // REQUIRED
	OwnerID   string `bigquery:"owner_id"`   // REQUIRED
	MessageID string `bigquery:"message_id"` // REQUIRED

	ModelName string `bigquery:"model_name"` // REQUIRED

	RawOutput bigquery.NullString `bigquery:"raw_output"` // NULLABLE, verbatim model text
	RawJSON   bigquery.NullJSON   `bigquery:"raw_json"`   // NULLABLE, set only when the text is valid JSON

	Accepted  bool                   `bigquery:"accepted"`
	Reason    string                 `bigquery:"reason"`
	CreatedTS bigquery.NullTimestamp `bigquery:"created_ts"`
}

type rowPutter interface {
	Put(ctx context.Context, src interface{}) error
}

// BigQueryRecorder streams records into <dataset>.model_outputs.
type BigQueryRecorder struct {
	client   *bigquery.Client
	inserter rowPutter
}

// NewBigQueryRecorder opens a BigQuery client for projectID.
func NewBigQueryRecorder(ctx context.Context, projectID, datasetID string) (*BigQueryRecorder, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewBigQueryRecorder: bigquery client: %w", err)
	}
	return &BigQueryRecorder{
		client:   client,
		inserter: client.Dataset(datasetID).Table(modelOutputsTable).Inserter(),
	}, nil
}

// Close closes the BigQuery client connection.
func (r *BigQueryRecorder) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Record implements Recorder.
func (r *BigQueryRecorder) Record(ctx context.Context, rec *Record) error {
	stamp(rec)
	if err := r.inserter.Put(ctx, toModelOutputRow(rec)); err != nil {
		return fmt.Errorf("BigQueryRecorder.Record: inserting row: %w", err)
	}
	return nil
}

func toModelOutputRow(rec *Record) *ModelOutputRow {
	row := &ModelOutputRow{
		OutputID:  uuid.NewString(),
		OwnerID:   rec.OwnerID.String(),
		MessageID: rec.MessageID,
		ModelName: rec.ModelName,
		Accepted:  rec.Accepted,
		Reason:    rec.Reason,
		CreatedTS: bigquery.NullTimestamp{Timestamp: rec.CreatedAt, Valid: true},
	}
	if rec.RawOutput != "" {
		row.RawOutput = bigquery.NullString{StringVal: rec.RawOutput, Valid: true}
		if json.Valid([]byte(rec.RawOutput)) {
			row.RawJSON = bigquery.NullJSON{JSONVal: rec.RawOutput, Valid: true}
		}
	}
	return row
}
