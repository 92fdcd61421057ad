package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/roach88/transit/internal/ir"
	"github.com/roach88/transit/internal/metrics"
)

const (
	// PublicationName and SlotName are shared by every worker of a
	// deployment.
	PublicationName = "transit_transitions_cdc"
	SlotName        = "transit_transitions_cdc"

	// LeaderLockKey is the advisory lock held by the streaming worker.
	LeaderLockKey int64 = 0x7472616e736974
)

// Stream is a replication connection in copy-both mode.
type Stream interface {
	ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error)
	SendCopyData(ctx context.Context, data []byte) error
	Close(ctx context.Context) error
}

// Dialer opens a Stream positioned at the slot's confirmed position.
type Dialer func(ctx context.Context) (Stream, error)

// Replicator streams inserted transitions from a PostgreSQL logical
// replication slot using the pgoutput plugin.
//
// Run returns on connection loss; wrap it in Reconnecting to resume from the
// slot's last acknowledged position.
type Replicator struct {
	dial    Dialer
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

var _ Feed = (*Replicator)(nil)

type ReplicatorOption func(*Replicator)

func WithReplicationLogger(l *slog.Logger) ReplicatorOption {
	return func(r *Replicator) { r.logger = l }
}

func WithReplicationMetrics(m *metrics.Metrics) ReplicatorOption {
	return func(r *Replicator) { r.metrics = m }
}

// WithReplicationClock replaces time.Now for status update timestamps.
func WithReplicationClock(now func() time.Time) ReplicatorOption {
	return func(r *Replicator) { r.now = now }
}

// WithDialer replaces the PostgreSQL connection. Tests pass a fake stream.
func WithDialer(d Dialer) ReplicatorOption {
	return func(r *Replicator) { r.dial = d }
}

// NewReplicator returns a replicator for the database at url.
func NewReplicator(url string, opts ...ReplicatorOption) *Replicator {
	r := &Replicator{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.dial == nil {
		r.dial = func(ctx context.Context) (Stream, error) {
			return Connect(ctx, url, r.logger)
		}
	}
	return r
}

func (r *Replicator) Name() string { return "replication" }

// Run connects, waits for leadership, and streams until the connection
// fails or ctx is done.
func (r *Replicator) Run(ctx context.Context, sink Sink) error {
	s, err := r.dial(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = s.Close(closeCtx)
	}()
	return r.Stream(ctx, s, sink)
}

// Stream consumes an established copy-both stream.
func (r *Replicator) Stream(ctx context.Context, s Stream, sink Sink) error {
	dec := newDecoder()
	for {
		msg, err := s.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("replication receive: %w", err)
		}

		switch msg := msg.(type) {
		case *pgproto3.CopyData:
			if err := r.handle(ctx, s, dec, msg.Data, sink); err != nil {
				return err
			}
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("replication: %w", pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.CopyDone:
			return errors.New("replication: server ended the stream")
		default:
			r.logger.Debug("ignoring replication message", "type", fmt.Sprintf("%T", msg))
		}
	}
}

func (r *Replicator) handle(ctx context.Context, s Stream, dec *decoder, buf []byte, sink Sink) error {
	if len(buf) == 0 {
		return nil
	}

	switch buf[0] {
	case tagXLogData:
		x, err := parseXLogData(buf)
		if err != nil {
			r.logger.Warn("bad replication message", "error", err)
			return nil
		}
		t, err := dec.Decode(x.Data)
		if err != nil {
			r.logger.Warn("bad pgoutput message", "lsn", x.WALStart.String(), "error", err)
		}
		if t != nil {
			if err := deliver(ctx, r.Name(), sink, *t, r.logger, r.metrics); err != nil {
				return fmt.Errorf("deliver transition %s at %s: %w", t.ID, x.WALStart, err)
			}
			r.metrics.FeedDelivered(r.Name(), uint64(x.WALStart))
		}
		return r.ack(ctx, s, x.WALStart)

	case tagKeepalive:
		k, err := parseKeepalive(buf)
		if err != nil {
			r.logger.Warn("bad replication message", "error", err)
			return nil
		}
		if k.ReplyRequested {
			r.logger.Debug("acknowledging keepalive", "lsn", k.WALEnd.String())
			return r.ack(ctx, s, k.WALEnd)
		}
		return nil

	default:
		r.logger.Warn("unknown replication message",
			"error", ir.Protocol("unknown copy data tag %q", buf[0]))
		return nil
	}
}

// ack reports everything before pos+1 as durably processed.
func (r *Replicator) ack(ctx context.Context, s Stream, pos LSN) error {
	if err := s.SendCopyData(ctx, encodeStatusUpdate(pos+1, r.now())); err != nil {
		return fmt.Errorf("replication status update: %w", err)
	}
	return nil
}

// pgStream adapts a pgconn connection in copy-both mode.
type pgStream struct {
	conn *pgconn.PgConn
}

func (s *pgStream) ReceiveMessage(ctx context.Context) (pgproto3.BackendMessage, error) {
	return s.conn.ReceiveMessage(ctx)
}

func (s *pgStream) SendCopyData(ctx context.Context, data []byte) error {
	s.conn.Frontend().Send(&pgproto3.CopyData{Data: data})
	return s.conn.Frontend().Flush()
}

func (s *pgStream) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}

// Connect opens a replication connection to url, ensures the publication
// and slot exist, blocks until it holds the leader lock, and starts
// streaming.
func Connect(ctx context.Context, url string, logger *slog.Logger) (Stream, error) {
	cfg, err := pgconn.ParseConfig(url)
	if err != nil {
		return nil, ir.Configuration("replication connection string: %v", err)
	}
	cfg.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("replication connect: %w", err)
	}
	ok := false
	defer func() {
		if !ok {
			_ = conn.Close(context.WithoutCancel(ctx))
		}
	}()

	if err := ensureReplication(ctx, conn, logger); err != nil {
		return nil, err
	}

	logger.Debug("waiting for replication leader lock")
	if _, err := simpleQuery(ctx, conn, fmt.Sprintf("SELECT pg_advisory_lock(%d)", LeaderLockKey)); err != nil {
		return nil, fmt.Errorf("acquire leader lock: %w", err)
	}
	logger.Info("acquired replication leader lock", "slot", SlotName)

	if err := startReplication(ctx, conn); err != nil {
		return nil, err
	}
	ok = true
	return &pgStream{conn: conn}, nil
}

// ensureReplication creates the publication and slot when missing. A
// replication connection only speaks the simple query protocol, so names
// are inlined.
func ensureReplication(ctx context.Context, conn *pgconn.PgConn, logger *slog.Logger) error {
	rows, err := simpleQuery(ctx, conn, fmt.Sprintf(
		"SELECT pubname FROM pg_publication WHERE pubname = '%s'", PublicationName))
	if err != nil {
		return fmt.Errorf("check publication: %w", err)
	}
	if rows == 0 {
		logger.Info("creating publication", "publication", PublicationName)
		if _, err := simpleQuery(ctx, conn, fmt.Sprintf(
			"CREATE PUBLICATION %s FOR TABLE %s", PublicationName, transitionsTable)); err != nil {
			return fmt.Errorf("create publication: %w", err)
		}
	}

	rows, err = simpleQuery(ctx, conn, fmt.Sprintf(
		"SELECT slot_name FROM pg_replication_slots WHERE slot_name = '%s'", SlotName))
	if err != nil {
		return fmt.Errorf("check replication slot: %w", err)
	}
	if rows == 0 {
		logger.Info("creating replication slot", "slot", SlotName)
		if _, err := simpleQuery(ctx, conn, fmt.Sprintf(
			"SELECT pg_create_logical_replication_slot('%s', 'pgoutput')", SlotName)); err != nil {
			return fmt.Errorf("create replication slot: %w", err)
		}
	}
	return nil
}

// simpleQuery runs sql and returns the number of rows in its last result.
func simpleQuery(ctx context.Context, conn *pgconn.PgConn, sql string) (int, error) {
	results, err := conn.Exec(ctx, sql).ReadAll()
	if err != nil {
		return 0, err
	}
	if len(results) == 0 {
		return 0, nil
	}
	last := results[len(results)-1]
	if last.Err != nil {
		return 0, last.Err
	}
	return len(last.Rows), nil
}

func startReplication(ctx context.Context, conn *pgconn.PgConn) error {
	sql := fmt.Sprintf("START_REPLICATION SLOT %s LOGICAL 0/0 (proto_version '1', publication_names '%s')",
		SlotName, PublicationName)
	conn.Frontend().Send(&pgproto3.Query{String: sql})
	if err := conn.Frontend().Flush(); err != nil {
		return fmt.Errorf("start replication: %w", err)
	}

	for {
		msg, err := conn.ReceiveMessage(ctx)
		if err != nil {
			return fmt.Errorf("start replication: %w", err)
		}
		switch msg := msg.(type) {
		case *pgproto3.CopyBothResponse:
			return nil
		case *pgproto3.ErrorResponse:
			return fmt.Errorf("start replication: %w", pgconn.ErrorResponseToPgError(msg))
		case *pgproto3.NoticeResponse, *pgproto3.ParameterStatus:
		default:
			return ir.Protocol("start replication: unexpected %T", msg)
		}
	}
}
