package health

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// Probe kinds accepted in configuration
const (
	ProbeKindRedis    = "redis"
	ProbeKindPostgres = "postgres"
	ProbeKindMongo    = "mongo"
	ProbeKindTCP      = "tcp"
	ProbeKindHTTP     = "http"
)

// ProbeSpec is the configured form of a probe target
type ProbeSpec struct {
	ID     string `mapstructure:"id" yaml:"id"`
	Kind   string `mapstructure:"kind" yaml:"kind"`
	Target string `mapstructure:"target" yaml:"target"`
}

// NewRedisProbe pings a Redis server
func NewRedisProbe(client redis.UniversalClient) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
}

// NewPostgresProbe pings a PostgreSQL database
func NewPostgresProbe(db *sql.DB) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		return db.PingContext(ctx)
	})
}

// NewMongoProbe pings the primary of a MongoDB deployment
func NewMongoProbe(client *mongo.Client) Probe {
	return ProbeFunc(func(ctx context.Context) error {
		return client.Ping(ctx, readpref.Primary())
	})
}

// NewTCPProbe checks that addr accepts connections
func NewTCPProbe(addr string) Probe {
	var d net.Dialer
	return ProbeFunc(func(ctx context.Context) error {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	})
}

// NewHTTPProbe expects a 2xx response from url
func NewHTTPProbe(url string, client *http.Client) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return ProbeFunc(func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	})
}

// BuildTargets turns probe specs into targets. The returned close function
// releases every client that was opened, including on error.
func BuildTargets(ctx context.Context, specs []ProbeSpec) ([]Target, func() error, error) {
	targets := make([]Target, 0, len(specs))
	var closers []func() error

	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}

	for _, spec := range specs {
		var probe Probe
		switch spec.Kind {
		case ProbeKindRedis:
			client := redis.NewClient(&redis.Options{Addr: spec.Target})
			closers = append(closers, client.Close)
			probe = NewRedisProbe(client)

		case ProbeKindPostgres:
			db, err := sql.Open("postgres", spec.Target)
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("probe %s: failed to open postgres: %w", spec.ID, err)
			}
			closers = append(closers, db.Close)
			probe = NewPostgresProbe(db)

		case ProbeKindMongo:
			client, err := mongo.Connect(ctx, options.Client().ApplyURI(spec.Target))
			if err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("probe %s: failed to create mongo client: %w", spec.ID, err)
			}
			closers = append(closers, func() error { return client.Disconnect(context.Background()) })
			probe = NewMongoProbe(client)

		case ProbeKindTCP:
			probe = NewTCPProbe(spec.Target)

		case ProbeKindHTTP:
			probe = NewHTTPProbe(spec.Target, nil)

		default:
			closeAll()
			return nil, nil, fmt.Errorf("probe %s: unknown kind %q", spec.ID, spec.Kind)
		}

		targets = append(targets, Target{ID: spec.ID, Kind: spec.Kind, Probe: probe})
	}

	return targets, closeAll, nil
}
