// Package pipelinestore defines the read-only catalogue view the pipeline
// index refresher consumes.
package pipelinestore

import (
	"context"

	"github.com/tidemill/signalmesh/internal/domain/schema"
)

// Reader pages through active pipeline descriptors with a keyset cursor. An
// empty cursor starts from the beginning; an empty next cursor ends the scan.
// The view is eventually consistent: the index tolerates descriptors that are
// a refresh interval out of date.
type Reader interface {
	ListActive(ctx context.Context, cursor string, limit int) (descriptors []schema.PipelineDescriptor, next string, err error)
}
