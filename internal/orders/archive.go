package orders

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"tradegate/internal/model"
)

const archiveQueueSize = 1024

// SQLArchive persists terminal orders to sqlite or postgres.
type SQLArchive struct {
	db     *sql.DB
	driver string
	log    *zap.Logger
	queue  chan model.Order
	done   chan struct{}
}

// OpenArchive connects to the database and makes sure the table exists.
// driver is "sqlite" or "postgres".
func OpenArchive(ctx context.Context, driver, dsn string, log *zap.Logger) (*SQLArchive, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", driver)
	}
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening %s archive: %w", driver, err)
	}
	if driver == "sqlite" {
		// One writer avoids SQLITE_BUSY between the worker and lookups.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging %s archive: %w", driver, err)
	}
	a := &SQLArchive{
		db:     db,
		driver: driver,
		log:    log,
		queue:  make(chan model.Order, archiveQueueSize),
		done:   make(chan struct{}),
	}
	if err := a.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	log.Info("order_archive_opened", zap.String("driver", driver))
	return a, nil
}

func (a *SQLArchive) migrate(ctx context.Context) error {
	floatType := "REAL"
	if a.driver == "postgres" {
		floatType = "DOUBLE PRECISION"
	}
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS order_archive (
			order_id TEXT PRIMARY KEY,
			owner_session TEXT NOT NULL,
			client_request_id BIGINT NOT NULL,
			account TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity BIGINT NOT NULL,
			order_type TEXT NOT NULL,
			limit_price %[1]s,
			stop_price %[1]s,
			state TEXT NOT NULL,
			filled_quantity BIGINT NOT NULL,
			avg_fill_price %[1]s,
			message TEXT NOT NULL,
			created_ns BIGINT NOT NULL,
			updated_ns BIGINT NOT NULL
		)`, floatType)
	if _, err := a.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("creating order_archive: %w", err)
	}
	return nil
}

// rebind turns ? placeholders into $n for postgres.
func (a *SQLArchive) rebind(query string) string {
	if a.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Archive queues o for writing. It never blocks; a full queue drops the write with an error log.
func (a *SQLArchive) Archive(o model.Order) {
	select {
	case a.queue <- o:
	default:
		a.log.Error("order_archive_queue_full", zap.String("order_id", o.ID))
	}
}

// Run writes queued orders until ctx is done, then drains what is left.
func (a *SQLArchive) Run(ctx context.Context) {
	defer close(a.done)
	for {
		select {
		case o := <-a.queue:
			a.write(ctx, o)
		case <-ctx.Done():
			for {
				select {
				case o := <-a.queue:
					a.write(context.Background(), o)
				default:
					return
				}
			}
		}
	}
}

func (a *SQLArchive) write(ctx context.Context, o model.Order) {
	if err := a.Save(ctx, o); err != nil {
		a.log.Error("order_archive_write_failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

// Save upserts one order synchronously.
func (a *SQLArchive) Save(ctx context.Context, o model.Order) error {
	query := a.rebind(`
		INSERT INTO order_archive (order_id, owner_session, client_request_id, account, symbol, side,
			quantity, order_type, limit_price, stop_price, state, filled_quantity, avg_fill_price,
			message, created_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id) DO UPDATE SET
			state = excluded.state,
			filled_quantity = excluded.filled_quantity,
			avg_fill_price = excluded.avg_fill_price,
			message = excluded.message,
			updated_ns = excluded.updated_ns`)
	_, err := a.db.ExecContext(ctx, query,
		o.ID, string(o.Owner), o.ClientRequestID, o.Account, o.Symbol, string(o.Side),
		o.Quantity, string(o.Type), nullFloat(o.LimitPrice), nullFloat(o.StopPrice), string(o.State),
		o.FilledQuantity, nullFloat(o.AvgFillPrice), o.Message,
		o.CreatedAt.UnixNano(), o.LastUpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

// Lookup reads an archived order. The boolean is false when it is not archived.
func (a *SQLArchive) Lookup(ctx context.Context, id string) (model.Order, bool, error) {
	row := a.db.QueryRowContext(ctx, a.rebind(`
		SELECT order_id, owner_session, client_request_id, account, symbol, side, quantity, order_type,
			limit_price, stop_price, state, filled_quantity, avg_fill_price, message, created_ns, updated_ns
		FROM order_archive WHERE order_id = ?`), id)

	var (
		o                    model.Order
		owner, side, typ, st string
		limit, stop, avg     sql.NullFloat64
		createdNs, updatedNs int64
	)
	err := row.Scan(&o.ID, &owner, &o.ClientRequestID, &o.Account, &o.Symbol, &side, &o.Quantity, &typ,
		&limit, &stop, &st, &o.FilledQuantity, &avg, &o.Message, &createdNs, &updatedNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Order{}, false, nil
	}
	if err != nil {
		return model.Order{}, false, fmt.Errorf("loading order %s: %w", id, err)
	}
	o.Owner = model.SessionID(owner)
	o.Side = model.Side(side)
	o.Type = model.OrderType(typ)
	o.State = model.OrderState(st)
	o.LimitPrice = floatPtr(limit)
	o.StopPrice = floatPtr(stop)
	o.AvgFillPrice = floatPtr(avg)
	o.CreatedAt = time.Unix(0, createdNs).UTC()
	o.LastUpdatedAt = time.Unix(0, updatedNs).UTC()
	return o, true, nil
}

// Close waits for Run to finish draining, when it was started, and closes the database.
func (a *SQLArchive) Close(wait time.Duration) error {
	select {
	case <-a.done:
	case <-time.After(wait):
	}
	return a.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
