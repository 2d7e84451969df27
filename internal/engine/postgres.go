package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/celerix-dev/ussd-whisperer/pkg/schema"
	"github.com/celerix-dev/ussd-whisperer/pkg/sdk"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresConfig configures the pgx pool of the Postgres backend.
type PostgresConfig struct {
	URL            string        `mapstructure:"url"`
	MaxConns       int32         `mapstructure:"max_conns" validate:"gte=2"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	Channel        string        `mapstructure:"channel"`
}

const defaultChannel = "ussd_changes"

var channelPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

const (
	schemaDDL = `
CREATE TABLE IF NOT EXISTS ussd_codes (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	code TEXT NOT NULL CHECK (code <> ''),
	description TEXT,
	category TEXT,
	operator TEXT,
	sim_id UUID,
	status TEXT NOT NULL DEFAULT 'idle' CHECK (status IN ('idle','running','success','error')),
	last_executed_at TIMESTAMPTZ,
	last_result TEXT,
	levels JSONB NOT NULL DEFAULT '[]'::jsonb,
	current_level INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sim_cards (
	id UUID PRIMARY KEY,
	name TEXT NOT NULL,
	operator TEXT NOT NULL CHECK (operator IN ('inwi','iam','orange')),
	enabled BOOLEAN NOT NULL DEFAULT true,
	daily_activation_count INTEGER NOT NULL DEFAULT 0,
	activation_day DATE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE FUNCTION ussd_notify_change() RETURNS trigger AS $$
DECLARE
	row_id TEXT;
BEGIN
	IF TG_OP = 'DELETE' THEN
		row_id := OLD.id::text;
	ELSE
		row_id := NEW.id::text;
	END IF;
	PERFORM pg_notify(TG_ARGV[0], json_build_object('table', TG_TABLE_NAME, 'op', lower(TG_OP), 'id', row_id)::text);
	RETURN NULL;
END;
$$ LANGUAGE plpgsql;
`

	// Only validated identifiers are substituted; see channelPattern.
	triggerDDL = `
DROP TRIGGER IF EXISTS %[1]s_notify ON %[1]s;
CREATE TRIGGER %[1]s_notify AFTER INSERT OR UPDATE OR DELETE ON %[1]s
	FOR EACH ROW EXECUTE FUNCTION ussd_notify_change('%[2]s');
`

	recordColumns = `id::text, name, code, coalesce(description, ''), coalesce(category, ''), coalesce(operator, ''),
	coalesce(sim_id::text, ''), status, last_executed_at, coalesce(last_result, ''), levels, current_level, created_at`

	simColumns = `id::text, name, operator, enabled, daily_activation_count,
	coalesce(to_char(activation_day, 'YYYY-MM-DD'), ''), created_at`

	insertRecordQuery = `INSERT INTO ussd_codes (id, name, code, description, category, operator, sim_id, status, levels, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, 'idle', $8, $9)
	RETURNING ` + recordColumns

	selectRecordQuery = `SELECT ` + recordColumns + ` FROM ussd_codes WHERE id = $1`

	deleteRecordQuery = `DELETE FROM ussd_codes WHERE id = $1`

	listSimsQuery = `SELECT ` + simColumns + ` FROM sim_cards ORDER BY created_at DESC, id ASC`

	insertSimQuery = `INSERT INTO sim_cards (id, name, operator, enabled, created_at)
	VALUES ($1, $2, $3, true, $4)
	RETURNING ` + simColumns

	setSimEnabledQuery = `UPDATE sim_cards SET enabled = $2 WHERE id = $1 RETURNING ` + simColumns

	selectSimQuery = `SELECT ` + simColumns + ` FROM sim_cards WHERE id = $1`

	deleteSimQuery = `DELETE FROM sim_cards WHERE id = $1`

	// One statement so concurrent activations cannot overshoot the limit.
	recordActivationQuery = `UPDATE sim_cards SET
		daily_activation_count = CASE WHEN activation_day = $2::date THEN daily_activation_count + 1 ELSE 1 END,
		activation_day = $2::date
	WHERE id = $1 AND enabled
		AND (activation_day IS DISTINCT FROM $2::date OR daily_activation_count < $3)
	RETURNING ` + simColumns
)

var orderClauses = map[schema.Order]string{
	schema.OrderCreatedDesc: "created_at DESC, id ASC",
	schema.OrderCreatedAsc:  "created_at ASC, id ASC",
	schema.OrderNameAsc:     "name ASC, id ASC",
}

// PostgresStore is the relational backend. Change notifications are driven by
// table triggers and LISTEN/NOTIFY, so writes from other processes are seen too.
type PostgresStore struct {
	pool    *pgxpool.Pool
	log     *zap.Logger
	channel string
	feed    changeFeed
	now     func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ sdk.RecordStore = (*PostgresStore)(nil)

// OpenPostgres connects, applies the schema and starts the change listener.
func OpenPostgres(ctx context.Context, cfg PostgresConfig, log *zap.Logger) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required")
	}
	channel := cfg.Channel
	if channel == "" {
		channel = defaultChannel
	}
	if !channelPattern.MatchString(channel) {
		return nil, fmt.Errorf("invalid notification channel %q", channel)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 0
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if err := migrate(ctx, pool, channel); err != nil {
		pool.Close()
		return nil, err
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	s := &PostgresStore{
		pool:    pool,
		log:     log,
		channel: channel,
		now:     time.Now,
		cancel:  cancel,
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.listen(listenCtx)
	}()
	return s, nil
}

func migrate(ctx context.Context, pool *pgxpool.Pool, channel string) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	for _, table := range []string{schema.TableRecords, schema.TableSims} {
		ddl := fmt.Sprintf(triggerDDL, table, channel)
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("failed to install %s trigger: %w", table, err)
		}
	}
	return nil
}

// Close stops the listener and closes the pool.
func (s *PostgresStore) Close() error {
	s.cancel()
	s.wg.Wait()
	s.pool.Close()
	return nil
}

// Subscribe registers fn for every change notified by the database.
func (s *PostgresStore) Subscribe(fn func(schema.Change)) sdk.Subscription {
	return s.feed.subscribe(fn)
}

// listen holds one pool connection in LISTEN mode and reconnects until ctx is done.
func (s *PostgresStore) listen(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.listenOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("change listener stopped, reconnecting", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

func (s *PostgresStore) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	defer func() {
		conn.Exec(context.Background(), "UNLISTEN *")
		conn.Release()
	}()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var ch schema.Change
		if err := json.Unmarshal([]byte(n.Payload), &ch); err != nil {
			s.log.Warn("malformed change payload", zap.String("payload", n.Payload), zap.Error(err))
			continue
		}
		s.feed.publish(ch)
	}
}

// --- Records ---

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (schema.UssdRecord, error) {
	if _, err := uuid.Parse(id); err != nil {
		return schema.UssdRecord{}, ErrRecordNotFound
	}
	r, err := scanRecord(s.pool.QueryRow(ctx, selectRecordQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.UssdRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return schema.UssdRecord{}, fmt.Errorf("select record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, order schema.Order) ([]schema.UssdRecord, error) {
	clause, ok := orderClauses[order]
	if !ok {
		clause = orderClauses[schema.OrderCreatedDesc]
	}
	rows, err := s.pool.Query(ctx, `SELECT `+recordColumns+` FROM ussd_codes ORDER BY `+clause)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	list := []schema.UssdRecord{}
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	return list, nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, in schema.NewRecord) (schema.UssdRecord, error) {
	in = in.Normalize()
	if err := in.Validate(); err != nil {
		return schema.UssdRecord{}, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	levels := in.Levels
	if levels == nil {
		levels = []schema.Level{}
	}
	levelsJSON, err := json.Marshal(levels)
	if err != nil {
		return schema.UssdRecord{}, fmt.Errorf("encode levels: %w", err)
	}

	r, err := scanRecord(s.pool.QueryRow(ctx, insertRecordQuery,
		id,
		in.Name,
		in.Code,
		nullIfEmpty(in.Description),
		nullIfEmpty(in.Category),
		nullIfEmpty(in.Operator),
		nullIfEmpty(in.SimID),
		levelsJSON,
		s.now().UTC(),
	))
	if isUniqueViolation(err) {
		return schema.UssdRecord{}, ErrRecordExists
	}
	if err != nil {
		return schema.UssdRecord{}, fmt.Errorf("insert record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, id string, patch schema.RecordPatch) error {
	if patch.Empty() {
		return nil
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}

	var (
		sets []string
		args []any
	)
	set := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Status != nil {
		set("status", string(*patch.Status))
	}
	if patch.CurrentLevel != nil {
		set("current_level", *patch.CurrentLevel)
	}
	if patch.LastExecutedAt != nil {
		set("last_executed_at", patch.LastExecutedAt.UTC())
	}
	if patch.LastResult != nil {
		set("last_result", *patch.LastResult)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE ussd_codes SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))

	// Zero affected rows means the record was deleted; that is not an error.
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrRecordNotFound
	}
	tag, err := s.pool.Exec(ctx, deleteRecordQuery, id)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

// --- SIM cards ---

func (s *PostgresStore) ListSims(ctx context.Context) ([]schema.SimCard, error) {
	rows, err := s.pool.Query(ctx, listSimsQuery)
	if err != nil {
		return nil, fmt.Errorf("list sims: %w", err)
	}
	defer rows.Close()

	list := []schema.SimCard{}
	for rows.Next() {
		sim, err := scanSim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sim: %w", err)
		}
		list = append(list, sim)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sims: %w", err)
	}
	return list, nil
}

func (s *PostgresStore) InsertSim(ctx context.Context, in schema.NewSim) (schema.SimCard, error) {
	if err := in.Validate(); err != nil {
		return schema.SimCard{}, err
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	sim, err := scanSim(s.pool.QueryRow(ctx, insertSimQuery, id, in.Name, in.Operator, s.now().UTC()))
	if isUniqueViolation(err) {
		return schema.SimCard{}, ErrSimExists
	}
	if err != nil {
		return schema.SimCard{}, fmt.Errorf("insert sim: %w", err)
	}
	return sim, nil
}

func (s *PostgresStore) SetSimEnabled(ctx context.Context, id string, enabled bool) (schema.SimCard, error) {
	if _, err := uuid.Parse(id); err != nil {
		return schema.SimCard{}, ErrSimNotFound
	}
	sim, err := scanSim(s.pool.QueryRow(ctx, setSimEnabledQuery, id, enabled))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.SimCard{}, ErrSimNotFound
	}
	if err != nil {
		return schema.SimCard{}, fmt.Errorf("update sim: %w", err)
	}
	return sim, nil
}

func (s *PostgresStore) DeleteSim(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrSimNotFound
	}
	tag, err := s.pool.Exec(ctx, deleteSimQuery, id)
	if err != nil {
		return fmt.Errorf("delete sim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSimNotFound
	}
	return nil
}

func (s *PostgresStore) RecordActivation(ctx context.Context, id string) (schema.SimCard, error) {
	if _, err := uuid.Parse(id); err != nil {
		return schema.SimCard{}, ErrSimNotFound
	}
	day := s.now().UTC().Format(time.DateOnly)

	sim, err := scanSim(s.pool.QueryRow(ctx, recordActivationQuery, id, day, schema.DailyActivationLimit))
	if err == nil {
		return sim, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return schema.SimCard{}, fmt.Errorf("record activation: %w", err)
	}

	// Nothing was updated: find out why.
	current, err := scanSim(s.pool.QueryRow(ctx, selectSimQuery, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return schema.SimCard{}, ErrSimNotFound
	}
	if err != nil {
		return schema.SimCard{}, fmt.Errorf("select sim: %w", err)
	}
	if !current.Enabled {
		return schema.SimCard{}, ErrSimDisabled
	}
	return schema.SimCard{}, ErrActivationLimit
}

// --- Scanning ---

func scanRecord(row pgx.Row) (schema.UssdRecord, error) {
	var (
		r          schema.UssdRecord
		status     string
		levelsJSON []byte
	)
	err := row.Scan(
		&r.ID,
		&r.Name,
		&r.Code,
		&r.Description,
		&r.Category,
		&r.Operator,
		&r.SimID,
		&status,
		&r.LastExecutedAt,
		&r.LastResult,
		&levelsJSON,
		&r.CurrentLevel,
		&r.CreatedAt,
	)
	if err != nil {
		return schema.UssdRecord{}, err
	}
	r.Status = schema.Status(status)
	if len(levelsJSON) > 0 {
		if err := json.Unmarshal(levelsJSON, &r.Levels); err != nil {
			return schema.UssdRecord{}, fmt.Errorf("decode levels: %w", err)
		}
	}
	if len(r.Levels) == 0 {
		r.Levels = nil
	}
	return r, nil
}

func scanSim(row pgx.Row) (schema.SimCard, error) {
	var s schema.SimCard
	err := row.Scan(
		&s.ID,
		&s.Name,
		&s.Operator,
		&s.Enabled,
		&s.DailyActivationCount,
		&s.ActivationDay,
		&s.CreatedAt,
	)
	return s, err
}

// isUniqueViolation reports a primary key or unique constraint conflict.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
