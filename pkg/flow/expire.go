package flow

import (
	"context"
	"time"

	"github.com/marmos91/edgeflow/internal/logger"
	"github.com/marmos91/edgeflow/pkg/connection"
	"github.com/marmos91/edgeflow/pkg/flowfile"
	"github.com/marmos91/edgeflow/pkg/store/repository"
)

// expireTimeout bounds the tombstone append for expired records.
const expireTimeout = 30 * time.Second

// NewExpirationHandler returns a handler that deletes expired records from
// the repository and releases their claim references.
//
// If the tombstones cannot be written the claims are left alone: the
// records are still live in the repository and recovery puts them back on
// their connection, where they expire again.
func NewExpirationHandler(repos Repositories, log *logger.Logger) connection.ExpirationHandler {
	log = log.With("expiration")

	return func(conn *connection.Connection, expired []*flowfile.Record) {
		ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
		defer cancel()

		entries := make([]repository.Entry, 0, len(expired))
		for _, rec := range expired {
			entries = append(entries, repository.NewDelete(rec.ID))
		}
		if _, err := repos.FlowFiles.Append(ctx, entries); err != nil {
			log.Error("Failed to delete %d expired records from %s: %v", len(expired), conn.Name(), err)
			return
		}

		for _, rec := range expired {
			if rec.Content == nil {
				continue
			}
			if _, err := repos.Claims.Decrement(rec.Content.Claim); err != nil {
				log.Error("Expired %s: %v", rec.ID, err)
			}
		}
		log.Info("Expired %d records from %s", len(expired), conn.Name())
	}
}
