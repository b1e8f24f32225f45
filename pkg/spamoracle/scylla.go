package spamoracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
)

// Scylla reads risk levels straight from the registry's scores table.
type Scylla struct {
	session  *gocql.Session
	minLevel RiskLevel
}

// ConnectScylla opens a session against the registry keyspace.
func ConnectScylla(keyspace string, timeout time.Duration, hosts ...string) (*gocql.Session, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.One
	cluster.ProtoVersion = 4
	cluster.Timeout = timeout
	cluster.ConnectTimeout = timeout

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to scylla: %w", err)
	}
	return session, nil
}

func NewScylla(session *gocql.Session, minLevel RiskLevel) *Scylla {
	return &Scylla{session: session, minLevel: minLevel}
}

func (s *Scylla) CheckSpamNumber(ctx context.Context, number string) <-chan Verdict {
	return Func(s.check).CheckSpamNumber(ctx, number)
}

func (s *Scylla) check(ctx context.Context, number string) Verdict {
	var level string
	err := s.session.Query(`SELECT risk_level FROM scores WHERE phone_number = ?`, number).
		WithContext(ctx).Scan(&level)
	return scyllaVerdict(RiskLevel(level), err, s.minLevel)
}

func (s *Scylla) Close() {
	s.session.Close()
}

func scyllaVerdict(level RiskLevel, err error, minLevel RiskLevel) Verdict {
	v := Verdict{Source: "scylla"}
	if errors.Is(err, gocql.ErrNotFound) {
		return v
	}
	if err != nil {
		v.Err = fmt.Errorf("scylla: failed to get score: %w", err)
		return v
	}
	v.IsSpam = level.AtLeast(minLevel)
	return v
}
