package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisStreamSink publishes every appended event onto a Redis stream,
// giving downstream consumers a durable, ordered replica of the
// in-memory chain without making the log itself depend on Redis being
// reachable.
type RedisStreamSink struct {
	client *redis.Client
	stream string
}

// NewRedisStreamSink wires a Sink against an already-constructed
// *redis.Client, mirroring the single-client-field shape of
// orchestrator.PaymentManager.
func NewRedisStreamSink(client *redis.Client, stream string) *RedisStreamSink {
	return &RedisStreamSink{client: client, stream: stream}
}

// Write XADDs the event's canonical export form to the configured
// stream. Errors are returned to the caller (Log.Append logs and
// swallows them; the in-memory chain is authoritative).
func (s *RedisStreamSink) Write(e Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	prev := ""
	if len(e.PreviousHash) > 0 {
		prev = fmt.Sprintf("%x", e.PreviousHash)
	}

	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"event_id":    e.EventID.Hex(),
			"auction_id":  e.AuctionID.Hex(),
			"payload_tag": string(e.PayloadTag),
			"payload":     string(e.RawPayload),
			"hash":        fmt.Sprintf("%x", e.EventHash),
			"prev_hash":   prev,
			"timestamp":   e.Timestamp.Format(time.RFC3339Nano),
		},
	}).Err()
}

// ClickHouseSink batch-inserts events into a ClickHouse "events" table
// for long-horizon analytics queries, adapted from the analytics
// module's ClickHouseClient: a single *driver.Conn with schema
// initialized up front and PrepareBatch/Send per insert.
type ClickHouseSink struct {
	conn driver.Conn
}

// NewClickHouseSink opens a connection to addr, verifies it, and
// ensures the events table exists.
func NewClickHouseSink(addr string) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: "settlement",
			Username: "default",
			Password: "",
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, err
	}

	sink := &ClickHouseSink{conn: conn}
	if err := sink.initSchema(context.Background()); err != nil {
		log.WithError(err).Warn("eventlog: clickhouse schema initialization skipped")
	}
	return sink, nil
}

func (s *ClickHouseSink) initSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS events (
		event_id String,
		auction_id String,
		payload_tag String,
		payload String,
		hash String,
		prev_hash String,
		timestamp DateTime64(9),
		date Date MATERIALIZED toDate(timestamp)
	) ENGINE = MergeTree()
	PARTITION BY toYYYYMM(date)
	ORDER BY (auction_id, timestamp)
	TTL date + INTERVAL 365 DAY
	`
	return s.conn.Exec(ctx, schema)
}

// Write batch-inserts a single event row. Real deployments would
// buffer and flush on an interval; one row per batch is enough here
// since the log already serializes Append calls.
func (s *ClickHouseSink) Write(e Event) error {
	ctx := context.Background()
	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO events")
	if err != nil {
		return err
	}

	prev := ""
	if len(e.PreviousHash) > 0 {
		prev = fmt.Sprintf("%x", e.PreviousHash)
	}

	payload, err := json.Marshal(e.RawPayload)
	if err != nil {
		return err
	}

	if err := batch.Append(
		e.EventID.Hex(),
		e.AuctionID.Hex(),
		string(e.PayloadTag),
		string(payload),
		fmt.Sprintf("%x", e.EventHash),
		prev,
		e.Timestamp,
	); err != nil {
		return err
	}

	return batch.Send()
}

// Close releases the underlying ClickHouse connection.
func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
