package main

import (
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

type PostgresDB struct {
	*sqlStore
	dsn string
}

func NewPostgresDB(dsn string) (*PostgresDB, error) {
	d, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	p := &PostgresDB{sqlStore: newSQLStore(d, isPostgresUniqueViolation), dsn: dsn}
	if err := p.Init(); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDB) Init() error {
	// rely on migrations to create tables; just verify connectivity
	return p.db.Ping()
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
