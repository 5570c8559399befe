// Command tablestore runs the connector: one CDC ingest.Source per
// configured Postgres table feeding a tablestore table.Write session, and
// one queryproxy.Proxy exposing every table (plus its system tables) over
// the Postgres wire protocol via DuckDB. This is the teacher's main.go
// (replicator + proxy, started as two goroutines under one cancellation
// context) with the replicator's Iceberg destination swapped for this
// repo's own snapshot/manifest storage engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"tablestore/commit"
	"tablestore/config"
	"tablestore/fileio"
	"tablestore/ingest"
	"tablestore/queryproxy"
	"tablestore/schema"
	"tablestore/table"
)

func main() {
	configFile := flag.String("config", "config.yaml", "path to connector config file")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(*configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("loading config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	io_ := fileio.NewLocalFileIO()
	lock := &commit.LocalLock{}

	var handles []queryproxy.Handle
	var sources []*ingest.Source

	for _, ref := range cfg.Tables {
		tableRoot := fmt.Sprintf("%s/%s/%s", cfg.Warehouse.Path, ref.Schema, ref.Name)
		if err := io_.Mkdirs(ctx, tableRoot); err != nil {
			log.Fatal().Err(err).Str("table", ref.Name).Msg("creating table root")
		}

		schemaMgr := schema.NewManager(io_, tableRoot)
		s, err := openOrIntroduceSchema(ctx, schemaMgr, cfg, ref)
		if err != nil {
			log.Fatal().Err(err).Str("table", ref.Name).Msg("resolving schema")
		}

		t, err := table.Open(ctx, io_, tableRoot, s, ref.Options, lock, nil)
		if err != nil {
			log.Fatal().Err(err).Str("table", ref.Name).Msg("opening table")
		}

		handles = append(handles, queryproxy.Handle{Name: ref.Name, Table: t, Schemas: schemaMgr})

		keyPositions := keyFieldPositions(s)
		write := table.NewWrite(t, "ingest-"+ref.Name, s.ID, s.RowType(), keyPositions, -1)

		src := &ingest.Source{
			Log:         log.Logger.With().Str("table", ref.Name).Logger(),
			Host:        cfg.Postgres.Host,
			Port:        cfg.Postgres.Port,
			User:        cfg.Postgres.User,
			Password:    cfg.Postgres.Password,
			Database:    cfg.Postgres.Database,
			Slot:        cfg.Postgres.Slot + "_" + ref.Name,
			Publication: cfg.Postgres.Publication,
			Namespace:   ref.Schema,
			TableName:   ref.Name,
			Table:       t,
			Write:       write,
		}
		sources = append(sources, src)
	}

	for _, src := range sources {
		src := src
		go func() {
			if err := ingest.Connect(ctx, src); err != nil {
				log.Error().Err(err).Msg("ingest: connecting")
				cancel()
				return
			}
			defer src.Close(context.Background())
			if err := src.Run(ctx); err != nil {
				log.Error().Err(err).Msg("ingest: stream ended")
				cancel()
			}
		}()
	}

	proxy, err := queryproxy.New(cfg, handles)
	if err != nil {
		log.Fatal().Err(err).Msg("starting query proxy")
	}
	defer proxy.Close()

	go func() {
		if err := proxy.Start(ctx); err != nil {
			log.Error().Err(err).Msg("query proxy stopped")
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info().Msg("shutting down")
	case <-ctx.Done():
		log.Info().Msg("context canceled")
	}
}

// openOrIntroduceSchema returns the table's latest schema if one already
// exists, otherwise introspects the source Postgres table and creates
// schema 0 from it (spec.md §4.B CreateTable).
func openOrIntroduceSchema(ctx context.Context, mgr *schema.Manager, cfg *config.Config, ref config.TableRef) (*schema.Schema, error) {
	if ids, err := mgr.ListAll(ctx); err == nil && len(ids) > 0 {
		return mgr.Latest(ctx)
	}

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.Postgres.User, cfg.Postgres.Password, cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.Database)
	src, err := ingest.IntrospectSourceSchema(ctx, dsn, ref.Schema, ref.Name)
	if err != nil {
		return nil, err
	}

	partitionKeys := config.SplitCSV(ref.PartitionKeys)
	primaryKeys := config.SplitCSV(ref.PrimaryKey)
	def := src.TableDef(partitionKeys, primaryKeys)
	return mgr.CreateTable(ctx, def)
}

func keyFieldPositions(s *schema.Schema) []int {
	if len(s.PrimaryKeys) == 0 {
		return nil
	}
	rowType := s.RowType()
	positions := make([]int, 0, len(s.PrimaryKeys))
	for _, name := range s.PrimaryKeys {
		for i, f := range rowType.Fields {
			if f.Name == name {
				positions = append(positions, i)
				break
			}
		}
	}
	return positions
}
