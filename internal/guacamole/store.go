// Package guacamole keeps the connection records of an Apache Guacamole
// database in step with the consoles of running instances.
package guacamole

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"

	"github.com/javanstorm/nodelab/internal/vm"
)

var (
	ErrNotFound     = errors.New("guacamole: connection not found")
	ErrAdminMissing = errors.New("guacamole: admin entity not found")
)

// Protocol is a Guacamole connection protocol.
type Protocol string

const (
	ProtocolVNC    Protocol = "vnc"
	ProtocolTelnet Protocol = "telnet"
)

// ProtocolFor returns the console protocol used for kind. Routers expose
// their serial line over telnet, nodes a VNC display.
func ProtocolFor(kind vm.Kind) Protocol {
	if kind == vm.KindRouter {
		return ProtocolTelnet
	}
	return ProtocolVNC
}

const maxConnections = 5

// Connection is a gateway connection record with its parameters.
type Connection struct {
	ID       int64
	Name     string
	Protocol Protocol
	Params   map[string]string
}

// Ref returns the identifier used in console URLs.
func (c *Connection) Ref() string {
	return strconv.FormatInt(c.ID, 10)
}

// Store talks to the Guacamole database.
type Store struct {
	db      *sql.DB
	admin   string
	timeout time.Duration
}

// New wraps an open database handle. Every call is bounded by timeout.
func New(db *sql.DB, admin string, timeout time.Duration) *Store {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Store{db: db, admin: admin, timeout: timeout}
}

// Open connects to the gateway database. For MySQL the dial timeout is
// taken from timeout so an unreachable gateway fails fast.
func Open(driver, dsn, admin string, timeout time.Duration) (*Store, error) {
	if driver == "mysql" {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			return nil, fmt.Errorf("parse gateway dsn: %w", err)
		}
		if cfg.Timeout == 0 {
			cfg.Timeout = timeout
		}
		log.WithFields(log.Fields{
			"addr": cfg.Addr,
			"db":   cfg.DBName,
			"user": cfg.User,
		}).Debug("gateway database configured")
		dsn = cfg.FormatDSN()
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gateway database: %w", err)
	}
	db.SetMaxOpenConns(10)
	return New(db, admin, timeout), nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the gateway database answers.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// params returns the parameters written for a new connection.
func params(proto Protocol, host string, port int) [][2]string {
	p := [][2]string{
		{"hostname", host},
		{"port", strconv.Itoa(port)},
	}
	if proto == ProtocolVNC {
		p = append(p,
			[2]string{"password", ""},
			[2]string{"enable-sftp", "false"},
			[2]string{"color-depth", "24"},
			[2]string{"cursor", "local"},
		)
	}
	return p
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findConnection(ctx context.Context, q querier, name string) (*Connection, error) {
	c := &Connection{Name: name, Params: make(map[string]string)}
	err := q.QueryRowContext(ctx,
		"SELECT connection_id, protocol FROM guacamole_connection WHERE connection_name = ?",
		name).Scan(&c.ID, &c.Protocol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("query connection %s: %w", name, err)
	}

	rows, err := q.QueryContext(ctx,
		"SELECT parameter_name, parameter_value FROM guacamole_connection_parameter WHERE connection_id = ?",
		c.ID)
	if err != nil {
		return nil, fmt.Errorf("query parameters of %s: %w", name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan parameter of %s: %w", name, err)
		}
		c.Params[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read parameters of %s: %w", name, err)
	}
	return c, nil
}

// FindConnection returns the connection named name.
func (s *Store) FindConnection(ctx context.Context, name string) (*Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return findConnection(ctx, s.db, name)
}

// SyncConnection makes the connection for name point at host:port and
// returns its reference. An existing record has its protocol and port
// corrected and every connection's hostname rewritten to host; a missing
// record is created with its parameters and an admin READ grant. Either
// path commits as one transaction.
func (s *Store) SyncConnection(ctx context.Context, name, host string, port int, proto Protocol) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin gateway transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT connection_id FROM guacamole_connection WHERE connection_name = ?",
		name).Scan(&id)
	switch {
	case err == nil:
		if err := s.correct(ctx, tx, id, host, port, proto); err != nil {
			return "", fmt.Errorf("update connection %s: %w", name, err)
		}
	case errors.Is(err, sql.ErrNoRows):
		id, err = s.insert(ctx, tx, name, host, port, proto)
		if err != nil {
			return "", fmt.Errorf("create connection %s: %w", name, err)
		}
	default:
		return "", fmt.Errorf("query connection %s: %w", name, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit connection %s: %w", name, err)
	}

	log.WithFields(log.Fields{
		"name":     name,
		"id":       id,
		"protocol": proto,
		"port":     port,
	}).Info("gateway connection synced")
	return strconv.FormatInt(id, 10), nil
}

func (s *Store) correct(ctx context.Context, tx *sql.Tx, id int64, host string, port int, proto Protocol) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE guacamole_connection SET protocol = ? WHERE connection_id = ? AND protocol <> ?",
		string(proto), id, string(proto))
	if err != nil {
		return err
	}
	// Every matched row differs in protocol, so changed and matched counts agree.
	flipped, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if flipped > 0 {
		if err := reshapeParams(ctx, tx, id, params(proto, host, port)); err != nil {
			return err
		}
	}

	for _, p := range [][2]string{{"port", strconv.Itoa(port)}, {"hostname", host}} {
		if err := upsertParam(ctx, tx, id, p[0], p[1]); err != nil {
			return err
		}
	}

	_, err = rewriteHostnames(ctx, tx, host)
	return err
}

// reshapeParams drops parameters outside want and inserts the ones missing.
// Values already present are kept.
func reshapeParams(ctx context.Context, tx *sql.Tx, id int64, want [][2]string) error {
	rows, err := tx.QueryContext(ctx,
		"SELECT parameter_name FROM guacamole_connection_parameter WHERE connection_id = ?", id)
	if err != nil {
		return err
	}
	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		have[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	keep := make(map[string]bool, len(want))
	for _, p := range want {
		keep[p[0]] = true
		if have[p[0]] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO guacamole_connection_parameter (connection_id, parameter_name, parameter_value) VALUES (?, ?, ?)",
			id, p[0], p[1]); err != nil {
			return err
		}
	}
	for name := range have {
		if keep[name] {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM guacamole_connection_parameter WHERE connection_id = ? AND parameter_name = ?",
			id, name); err != nil {
			return err
		}
	}
	return nil
}

// upsertParam sets one parameter of a connection, inserting it if missing.
// MySQL reports changed rather than matched rows, so existence is tested
// with a query instead of RowsAffected.
func upsertParam(ctx context.Context, tx *sql.Tx, id int64, name, value string) error {
	var have int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM guacamole_connection_parameter WHERE connection_id = ? AND parameter_name = ?",
		id, name).Scan(&have); err != nil {
		return err
	}
	stmt := "UPDATE guacamole_connection_parameter SET parameter_value = ? WHERE connection_id = ? AND parameter_name = ?"
	if have == 0 {
		stmt = "INSERT INTO guacamole_connection_parameter (parameter_value, connection_id, parameter_name) VALUES (?, ?, ?)"
	}
	_, err := tx.ExecContext(ctx, stmt, value, id, name)
	return err
}

func (s *Store) insert(ctx context.Context, tx *sql.Tx, name, host string, port int, proto Protocol) (int64, error) {
	var entity int64
	if err := tx.QueryRowContext(ctx,
		"SELECT entity_id FROM guacamole_entity WHERE name = ?", s.admin).Scan(&entity); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", ErrAdminMissing, s.admin)
		}
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO guacamole_connection (connection_name, protocol, max_connections, max_connections_per_user) VALUES (?, ?, ?, ?)",
		name, string(proto), maxConnections, maxConnections)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	for _, p := range params(proto, host, port) {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO guacamole_connection_parameter (connection_id, parameter_name, parameter_value) VALUES (?, ?, ?)",
			id, p[0], p[1]); err != nil {
			return 0, err
		}
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO guacamole_connection_permission (entity_id, connection_id, permission) VALUES (?, ?, 'READ')",
		entity, id); err != nil {
		return 0, err
	}
	return id, nil
}

func rewriteHostnames(ctx context.Context, tx *sql.Tx, host string) (int64, error) {
	res, err := tx.ExecContext(ctx,
		"UPDATE guacamole_connection_parameter SET parameter_value = ? WHERE parameter_name = 'hostname' AND parameter_value <> ?",
		host, host)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RewriteAddresses points every connection's hostname at host and returns
// how many records changed.
func (s *Store) RewriteAddresses(ctx context.Context, host string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin gateway transaction: %w", err)
	}
	defer tx.Rollback()

	n, err := rewriteHostnames(ctx, tx, host)
	if err != nil {
		return 0, fmt.Errorf("rewrite hostnames: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit hostnames: %w", err)
	}
	return n, nil
}

// DeleteConnection removes the connection for name with its parameters and
// permissions. Deleting a missing connection succeeds.
func (s *Store) DeleteConnection(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin gateway transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	err = tx.QueryRowContext(ctx,
		"SELECT connection_id FROM guacamole_connection WHERE connection_name = ?", name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("query connection %s: %w", name, err)
	}

	for _, stmt := range []string{
		"DELETE FROM guacamole_connection_parameter WHERE connection_id = ?",
		"DELETE FROM guacamole_connection_permission WHERE connection_id = ?",
		"DELETE FROM guacamole_connection WHERE connection_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
			return fmt.Errorf("delete connection %s: %w", name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete of %s: %w", name, err)
	}

	log.WithFields(log.Fields{"name": name, "id": id}).Info("gateway connection deleted")
	return nil
}
