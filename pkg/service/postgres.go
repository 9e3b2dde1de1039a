package service

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultPostgresTimeout bounds connect plus ping for one check
const DefaultPostgresTimeout = 5 * time.Second

// PostgresService probes a PostgreSQL database by connecting and pinging
type PostgresService struct {
	name    string
	uri     string
	timeout time.Duration
}

// NewPostgresService creates a probe for one PostgreSQL database
func NewPostgresService(name, uri string) *PostgresService {
	return &PostgresService{
		name:    name,
		uri:     uri,
		timeout: DefaultPostgresTimeout,
	}
}

// WithTimeout sets the check timeout
func (s *PostgresService) WithTimeout(timeout time.Duration) *PostgresService {
	s.timeout = timeout
	return s
}

func (s *PostgresService) Kind() Kind          { return KindPostgres }
func (s *PostgresService) Category() string    { return CategoryInfra }
func (s *PostgresService) NS() string          { return "" }
func (s *PostgresService) Description() string { return s.name }

func (s *PostgresService) Key() string {
	return fmt.Sprintf("%s|%s|%s", KindPostgres, s.name, s.uri)
}

func (s *PostgresService) String() string {
	return fmt.Sprintf("postgres name=%s", s.name)
}

// Check opens a connection and pings the database
func (s *PostgresService) Check(ctx context.Context) (Status, Extra) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conn, err := pgx.Connect(ctx, s.uri)
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	defer conn.Close(context.Background())

	if err := conn.Ping(ctx); err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	return StatusOK, nil
}
