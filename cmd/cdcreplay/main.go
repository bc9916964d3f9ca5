// Command cdcreplay connects to one PostgreSQL or MySQL source and prints
// the decoded row-change stream as JSON lines on stdout. It exists to
// exercise the two engines end-to-end; embedding applications are expected
// to call internal/pgproto and internal/mysqlproto directly rather than
// shell out to this binary. Flag/signal/shutdown shape follows the
// teacher's cmd/dbbouncer/main.go.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/dbbouncer/cdc/internal/cdcerr"
	"github.com/dbbouncer/cdc/internal/config"
	"github.com/dbbouncer/cdc/internal/debughttp"
	"github.com/dbbouncer/cdc/internal/event"
	"github.com/dbbouncer/cdc/internal/metrics"
	"github.com/dbbouncer/cdc/internal/mysqlproto"
	"github.com/dbbouncer/cdc/internal/pgproto"
)

func main() {
	engine := flag.String("engine", "", "postgres or mysql")
	sourceID := flag.String("source-id", "default", "identifier attached to emitted events and metrics")
	host := flag.String("host", "localhost", "source host")
	port := flag.Int("port", 0, "source port (defaults: 5432 postgres, 3306 mysql)")
	user := flag.String("user", "", "replication user")
	password := flag.String("password", "", "replication password (postgres also reads the PGPASSWORD env var)")
	database := flag.String("database", "", "postgres database name (ignored for mysql)")
	slotName := flag.String("slot", "cdcreplay", "postgres replication slot name")
	serverID := flag.Uint("server-id", 0, "mysql replica server id (required for mysql)")
	switchToReplica := flag.Bool("switch-to-replica", false, "mysql only: before registering, follow SHOW REPLICAS to an attached replica instead of streaming from the dialed host")
	debugAddr := flag.String("debug-addr", "", "address to serve /debugz and /metrics on, e.g. :6060 (disabled if empty)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	collector := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var state struct {
		status string
		cursor string
	}
	state.status = "starting"

	if *debugAddr != "" {
		srv := debughttp.NewServer(func() debughttp.EngineStatus {
			return debughttp.EngineStatus{
				SourceID: *sourceID,
				Engine:   *engine,
				State:    state.status,
				Cursor:   state.cursor,
				Since:    time.Now(),
			}
		}, collector)
		if err := srv.Start(*debugAddr); err != nil {
			logger.Error("failed to start debug server", "err", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}

	enc := json.NewEncoder(os.Stdout)

	var err error
	switch *engine {
	case "postgres":
		err = runPostgres(ctx, postgresArgs{
			host: *host, port: *port, user: *user, password: *password,
			database: *database, slotName: *slotName,
		}, *sourceID, collector, enc, &state.status, &state.cursor)
	case "mysql":
		err = runMySQL(ctx, mysqlArgs{
			host: *host, port: *port, user: *user, password: *password,
			serverID: uint32(*serverID), switchToReplica: *switchToReplica,
		}, *sourceID, collector, enc, &state.status, &state.cursor)
	default:
		fmt.Fprintln(os.Stderr, "cdcreplay: -engine must be \"postgres\" or \"mysql\"")
		os.Exit(2)
	}

	if err != nil && !cdcerr.Is(err, cdcerr.KindCancelled) {
		logger.Error("engine exited with error", "err", err)
		os.Exit(1)
	}
}

type postgresArgs struct {
	host, user, password, database, slotName string
	port                                      int
}

func runPostgres(ctx context.Context, a postgresArgs, sourceID string, collector *metrics.Collector, enc *json.Encoder, status, cursorStr *string) error {
	cfg, err := config.LoadPG(config.PGConfig{
		Host: a.host, Port: a.port, User: a.user, Password: a.password,
		Database: a.database, SlotName: a.slotName,
	})
	if err != nil {
		return fmt.Errorf("loading postgres config: %w", err)
	}

	conn, err := pgproto.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer conn.Close()
	*status = "connected"

	exists, err := conn.SlotExists(cfg.SlotName)
	if err != nil {
		return fmt.Errorf("checking replication slot: %w", err)
	}
	startLSN, err := pgproto.ParseLSN(cfg.StartLSN)
	if err != nil {
		return fmt.Errorf("parsing start_lsn: %w", err)
	}
	if !exists {
		if !cfg.SlotCreateMissing {
			return cdcerr.New(cdcerr.KindSchemaMissing, fmt.Sprintf("replication slot %q does not exist", cfg.SlotName))
		}
		startLSN, err = conn.CreateReplicationSlot(cfg.SlotName, cfg.SlotTemporary)
		if err != nil {
			return fmt.Errorf("creating replication slot: %w", err)
		}
	}

	sink := event.NewSink(64)
	*status = "streaming"
	startedAt := time.Now()
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- conn.Stream(pgproto.StreamOptions{
			SlotName:       cfg.SlotName,
			StartLSN:       startLSN,
			StatusInterval: cfg.StatusInterval,
		}, sink, ctx.Done())
	}()

	err = drainSink(sink, "postgres", sourceID, collector, enc, cursorStr)
	if se := <-streamErr; se != nil && err == nil {
		err = se
	}
	collector.StreamEnded(sourceID, "postgres", time.Since(startedAt))
	*status = "stopped"
	return err
}

// drainSink reads events off sink until it closes, stamping SourceID/EventID,
// encoding each as a JSON line, and advancing the durable cursor via
// sink.Commit only after a successful write — a failed encode leaves the
// last-committed cursor where it was, so a restart replays instead of
// silently skipping it.
func drainSink(sink *event.Sink, engine, sourceID string, collector *metrics.Collector, enc *json.Encoder, cursorStr *string) error {
	var terminal error
	for v := range sink.Events() {
		switch val := v.(type) {
		case event.RowEvent:
			val.SourceID = sourceID
			val.EventID = uuid.NewString()
			*cursorStr = val.Cursor.String()
			collector.EventEmitted(sourceID, engine, val.Op.String())
			if err := enc.Encode(val); err != nil {
				terminal = fmt.Errorf("writing event: %w", err)
				continue
			}
			sink.Commit(val.Cursor)
		case event.ErrorSentinel:
			terminal = val.Err
		}
	}
	return terminal
}

type mysqlArgs struct {
	host, user, password string
	port                 int
	serverID             uint32
	switchToReplica      bool
}

func runMySQL(ctx context.Context, a mysqlArgs, sourceID string, collector *metrics.Collector, enc *json.Encoder, status, cursorStr *string) error {
	cfg, err := config.LoadMySQL(config.MySQLConfig{
		Host: a.host, Port: a.port, User: a.user, Password: a.password, ServerID: a.serverID,
	})
	if err != nil {
		return fmt.Errorf("loading mysql config: %w", err)
	}

	conn, err := mysqlproto.Dial(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connecting to mysql: %w", err)
	}
	defer conn.Close()
	*status = "connected"

	if a.switchToReplica {
		replica, err := conn.SwitchToReplica(ctx)
		if err != nil {
			return fmt.Errorf("switching to an attached replica: %w", err)
		}
		conn = replica
		defer conn.Close()
	}

	if err := conn.Register(mysqlproto.RegisterOptions{ServerID: cfg.ServerID, StartFile: cfg.StartFile, StartPos: cfg.StartPos}); err != nil {
		return fmt.Errorf("registering as replica: %w", err)
	}

	sink := event.NewSink(64)
	onSchemaHint := func(database, rawSQL string) {
		slog.Info("schema-affecting statement observed", "database", database, "sql", rawSQL)
	}
	*status = "streaming"
	startedAt := time.Now()
	streamErr := make(chan error, 1)
	go func() {
		streamErr <- conn.Stream(mysqlproto.RegisterOptions{ServerID: cfg.ServerID, StartFile: cfg.StartFile, StartPos: cfg.StartPos}, sink, onSchemaHint, ctx.Done())
	}()

	err = drainSink(sink, "mysql", sourceID, collector, enc, cursorStr)
	if se := <-streamErr; se != nil && err == nil {
		err = se
	}
	collector.StreamEnded(sourceID, "mysql", time.Since(startedAt))
	*status = "stopped"
	return err
}
