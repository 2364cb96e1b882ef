package infra

import (
	"encoding/json"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/fleetkit/enrolltrack/internal/domain"
)

// NewJSONLSink returns an EventSink writing one JSON document per line.
// The uploader consuming the stream owns batching and transport; this
// sink only serializes. Writes are mutex-guarded because the poll loop
// and the summary timer both emit.
func NewJSONLSink(w io.Writer, logger *zap.Logger) domain.EventSink {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(event domain.EnrollmentEvent) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(event); err != nil {
			logger.Warn("failed to write event", zap.Error(err))
		}
	}
}
