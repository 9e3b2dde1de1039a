package service

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

// DefaultMongoTimeout bounds server selection and the ping for one check
const DefaultMongoTimeout = 5 * time.Second

// MongoService probes a MongoDB cluster by connecting and pinging the
// primary
type MongoService struct {
	name    string
	uri     string
	timeout time.Duration
}

// NewMongoService creates a probe for one MongoDB cluster
func NewMongoService(name, uri string) *MongoService {
	return &MongoService{
		name:    name,
		uri:     uri,
		timeout: DefaultMongoTimeout,
	}
}

// WithTimeout sets the server selection timeout
func (s *MongoService) WithTimeout(timeout time.Duration) *MongoService {
	s.timeout = timeout
	return s
}

func (s *MongoService) Kind() Kind          { return KindMongo }
func (s *MongoService) Category() string    { return CategoryInfra }
func (s *MongoService) NS() string          { return "" }
func (s *MongoService) Description() string { return s.name }

func (s *MongoService) Key() string {
	return fmt.Sprintf("%s|%s|%s", KindMongo, s.name, s.uri)
}

func (s *MongoService) String() string {
	return fmt.Sprintf("mongo name=%s", s.name)
}

// Check connects to the cluster and pings the primary
func (s *MongoService) Check(ctx context.Context) (Status, Extra) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	opts := options.Client().ApplyURI(s.uri).SetServerSelectionTimeout(s.timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	defer client.Disconnect(context.Background())

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return StatusFail, Extra{"exception": err.Error()}
	}
	return StatusOK, nil
}
