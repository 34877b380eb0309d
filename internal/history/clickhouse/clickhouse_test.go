package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/clickhouse"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/probehub/probehub/internal/history"
)

func setupClickHouseContainer(ctx context.Context, t *testing.T) (testcontainers.Container, string) {
	t.Helper()

	container, err := clickhouse.Run(ctx,
		"clickhouse/clickhouse-server:24.3.2.23",
		clickhouse.WithUsername("default"),
		clickhouse.WithPassword(""),
		clickhouse.WithDatabase("default"),
		testcontainers.WithWaitStrategy(
			wait.ForHTTP("/ping").
				WithPort("8123/tcp").
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("failed to start ClickHouse container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		t.Fatalf("failed to get mapped port: %v", err)
	}

	return container, host + ":" + port.Port()
}

func setupSinkWithTable(ctx context.Context, t *testing.T, dsn, table string) *Sink {
	t.Helper()

	sink, err := New(dsn, table)
	if err != nil {
		t.Fatalf("failed to create sink: %v", err)
	}

	err = sink.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+table+` (
			type String,
			occurred_at DateTime64(6),
			probe_id UInt32,
			target String,
			mode String,
			status String,
			exit_code Int32,
			duration_ms Int64,
			err String
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, probe_id)
	`)
	if err != nil {
		t.Fatalf("failed to create table: %v", err)
	}
	return sink
}

func TestClickHouseSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	container, dsn := setupClickHouseContainer(ctx, t)
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("failed to terminate ClickHouse container: %v", err)
		}
	}()

	sink := setupSinkWithTable(ctx, t, dsn, "dispatch_history")
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("failed to close sink: %v", err)
		}
	}()

	started := history.Event{
		Type: history.EventDispatchStarted, OccurredAt: time.Now(),
		ProbeID: 1, Target: "nrf52840", Mode: "flash",
	}
	if err := sink.Send(ctx, started); err != nil {
		t.Fatalf("send start event: %v", err)
	}

	completed := history.Event{
		Type: history.EventDispatchCompleted, OccurredAt: time.Now(),
		ProbeID: 1, Target: "nrf52840", Mode: "flash", Status: "ok", Duration: time.Second,
	}
	if err := sink.Send(ctx, completed); err != nil {
		t.Fatalf("send completed event: %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	row := sink.conn.QueryRow(ctx, "SELECT COUNT(*) FROM dispatch_history WHERE probe_id = ?", 1)
	var count uint64
	if err := row.Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestClickHouseSink_ConnectionError(t *testing.T) {
	if _, err := New("invalid-host:9000", "dispatch_history"); err == nil {
		t.Error("expected error with invalid connection, got nil")
	}
}
