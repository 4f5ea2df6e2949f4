package simplestream

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/tendant/simple-stream/pkg/simplestream/metrics"
)

// EndpointResolver resolves sub-sessions by migrating a session's authorization
// to the endpoint hosting an object. Established sub-sessions are cached on the
// owning session for its whole lifetime.
//
// Concurrent first requests for the same (session, endpoint) pair share a single
// migration; a failed migration is reported to every waiter and not cached, so
// the next request tries again. A migration runs detached from its callers
// but is bounded by MigrationTimeout, so a hung endpoint fails the flight
// instead of holding it open.
type EndpointResolver struct {
	// MigrationTimeout bounds one migration; zero means DefaultMigrationTimeout
	MigrationTimeout time.Duration

	connector Connector
	logger    *slog.Logger
}

// DefaultMigrationTimeout bounds a migration when none is configured.
const DefaultMigrationTimeout = 30 * time.Second

// NewEndpointResolver creates a resolver backed by connector.
func NewEndpointResolver(connector Connector, logger *slog.Logger) *EndpointResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &EndpointResolver{connector: connector, logger: logger}
}

// ResolveSubSession implements SubSessionResolver.
func (r *EndpointResolver) ResolveSubSession(ctx context.Context, session *BackendSession, endpointID int) (Client, error) {
	if c, ok := session.SubSession(endpointID); ok {
		return c, nil
	}
	if endpointID == session.HomeEndpoint() {
		return session.Client(), nil
	}

	ch := session.migrations.DoChan(strconv.Itoa(endpointID), func() (interface{}, error) {
		// A previous flight may have committed while this one was queued.
		if c, ok := session.SubSession(endpointID); ok {
			return c, nil
		}
		// Detached from the caller so one disconnecting client does not fail the
		// migration for everyone sharing the flight.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.migrationTimeout())
		defer cancel()
		c, err := r.migrate(mctx, session, endpointID)
		metrics.RecordMigration(err == nil)
		if err != nil {
			return nil, err
		}
		session.storeSubSession(endpointID, c)
		return c, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(Client), nil
	}
}

func (r *EndpointResolver) migrationTimeout() time.Duration {
	if r.MigrationTimeout > 0 {
		return r.MigrationTimeout
	}
	return DefaultMigrationTimeout
}

func (r *EndpointResolver) migrate(ctx context.Context, session *BackendSession, endpointID int) (Client, error) {
	r.logger.Info("Migrating session to endpoint", "session", session.ID(), "home", session.HomeEndpoint(), "endpoint", endpointID)

	sub, err := r.connector.Connect(ctx, endpointID)
	if err != nil {
		return nil, &MigrationError{SessionID: session.ID(), EndpointID: endpointID, Op: "connect", Err: err}
	}
	ticket, err := session.Client().ExportAuthorization(ctx, endpointID)
	if err != nil {
		return nil, &MigrationError{SessionID: session.ID(), EndpointID: endpointID, Op: "export", Err: err}
	}
	if err := r.connector.ImportAuthorization(ctx, sub, ticket); err != nil {
		return nil, &MigrationError{SessionID: session.ID(), EndpointID: endpointID, Op: "import", Err: err}
	}

	r.logger.Info("Session migrated", "session", session.ID(), "endpoint", endpointID)
	return sub, nil
}
