package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ypcloud/uptimed/pkg/metrics"
	"github.com/ypcloud/uptimed/pkg/period"
	"github.com/ypcloud/uptimed/pkg/service"
)

// Collection names
const (
	colServices      = "uptime"
	colDowntimes     = "uptime_history"
	colSLADaily      = "daily_uptime"
	colSLAWeekly     = "weekly_uptime"
	colSLAMonthly    = "monthly_uptime"
	colConsolidation = "consolidation_state"
	colInstance      = "instance_state"
)

// DefaultMongoDB is the database name when configuration leaves it empty
const DefaultMongoDB = "cloud-uptime"

// DefaultMongoTimeout bounds server selection and readiness pings
const DefaultMongoTimeout = 5 * time.Second

// instanceID is the fixed ID of the single heartbeat document
var instanceID, _ = primitive.ObjectIDFromHex("000000000000000000000001")

// MongoConfig holds the connection settings of the Mongo backend
type MongoConfig struct {
	URI     string
	DB      string
	Timeout time.Duration
}

// MongoStorage implements Store on MongoDB, the production backend. It
// keeps resolved service and open-downtime ObjectIDs in an in-memory
// cache so steady-state updates skip the identity lookups.
type MongoStorage struct {
	client *mongo.Client
	db     *mongo.Database
	cache  *cache.Cache
}

type serviceDoc struct {
	ID           primitive.ObjectID `bson:"_id,omitempty"`
	Category     string             `bson:"category"`
	Kind         string             `bson:"kind"`
	NS           string             `bson:"ns,omitempty"`
	Description  string             `bson:"description"`
	Status       service.Status     `bson:"status"`
	PublicStatus *service.Status    `bson:"status_public,omitempty"`
}

func (d *serviceDoc) record() ServiceRecord {
	return ServiceRecord{
		ID:           d.ID.Hex(),
		Category:     d.Category,
		Kind:         service.Kind(d.Kind),
		NS:           d.NS,
		Description:  d.Description,
		Status:       d.Status,
		PublicStatus: d.PublicStatus,
	}
}

// downtimeDoc keeps end without omitempty: an open window stores end=0
// and the open-downtime query matches on it.
type downtimeDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	ServiceID primitive.ObjectID `bson:"_id_uptime"`
	Date      int64              `bson:"date"`
	End       int64              `bson:"end"`
	Extra     map[string]string  `bson:"extra,omitempty"`
}

func (d *downtimeDoc) downtime() Downtime {
	return Downtime{
		ID:        d.ID.Hex(),
		ServiceID: d.ServiceID.Hex(),
		Start:     d.Date,
		End:       d.End,
		Extra:     d.Extra,
	}
}

type slaDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	ServiceID primitive.ObjectID `bson:"_id_uptime"`
	Date      int64              `bson:"date"`
	Duration  int64              `bson:"duration"`
	SLA       float64            `bson:"sla"`
}

type watermarkDoc struct {
	Kind string `bson:"_id"`
	Date int64  `bson:"date"`
}

type heartbeatDoc struct {
	ID   primitive.ObjectID `bson:"_id"`
	Date int64              `bson:"date"`
}

// NewMongoStorage connects to MongoDB and bootstraps the collections and
// indexes
func NewMongoStorage(ctx context.Context, cfg MongoConfig) (*MongoStorage, error) {
	if cfg.DB == "" {
		cfg.DB = DefaultMongoDB
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultMongoTimeout
	}

	opts := options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(cfg.Timeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}

	s := &MongoStorage{
		client: client,
		db:     client.Database(cfg.DB),
		cache:  cache.New(cache.NoExpiration, 0),
	}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStorage) ensureIndexes(ctx context.Context) error {
	hashed := func(field string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: field, Value: "hashed"}}}
	}
	asc := func(field string) mongo.IndexModel {
		return mongo.IndexModel{Keys: bson.D{{Key: field, Value: 1}}}
	}

	if _, err := s.db.Collection(colServices).Indexes().CreateMany(ctx, []mongo.IndexModel{hashed("category"), hashed("ns")}); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", colServices, err)
	}
	for _, col := range []string{colDowntimes, colSLADaily, colSLAWeekly, colSLAMonthly} {
		if _, err := s.db.Collection(col).Indexes().CreateMany(ctx, []mongo.IndexModel{asc("_id_uptime"), asc("date")}); err != nil {
			return fmt.Errorf("failed to create %s indexes: %w", col, err)
		}
	}
	if _, err := s.db.Collection(colInstance).Indexes().CreateOne(ctx, asc("date")); err != nil {
		return fmt.Errorf("failed to create %s indexes: %w", colInstance, err)
	}
	return nil
}

// Ready reports whether the primary answers a ping
func (s *MongoStorage) Ready(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, DefaultMongoTimeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary()) == nil
}

// Close disconnects from MongoDB
func (s *MongoStorage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// UpdateStatus records a reported status following the shared update
// protocol: resolve or create the record, heal any half-applied previous
// update, then apply the transition status-first.
func (s *MongoStorage) UpdateStatus(ctx context.Context, svc service.Service, status service.Status, extra service.Extra) error {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "update_status")

	doc, err := s.findDoc(ctx, svc)
	if err != nil {
		return err
	}
	if doc == nil {
		return s.insertService(ctx, svc, status, extra)
	}

	openID, hasOpen, err := s.openDowntimeID(ctx, doc.ID)
	if err != nil {
		return err
	}

	if doc.Status == status {
		// The stored status already matches: heal the downtime side if a
		// previous update crashed between its two writes.
		switch {
		case status == service.StatusOK && hasOpen:
			return s.closeDowntime(ctx, doc.ID, openID)
		case status == service.StatusFail && !hasOpen:
			return s.openDowntime(ctx, doc.ID, extra)
		}
		return nil
	}

	if err := s.setStatus(ctx, doc.ID, status); err != nil {
		return err
	}
	if status == service.StatusFail {
		if !hasOpen {
			return s.openDowntime(ctx, doc.ID, extra)
		}
		return nil
	}
	if hasOpen {
		return s.closeDowntime(ctx, doc.ID, openID)
	}
	return nil
}

// Services lists the records matching the query, ordered by category and
// description
func (s *MongoStorage) Services(ctx context.Context, q Query) ([]ServiceRecord, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "services")

	filter := bson.M{}
	if q.Category != "" {
		filter["category"] = q.Category
	}
	if q.NS != "" {
		filter["ns"] = q.NS
	}

	opts := options.Find().SetSort(bson.D{{Key: "category", Value: 1}, {Key: "description", Value: 1}})
	cursor, err := s.services().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	var docs []serviceDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	records := make([]ServiceRecord, 0, len(docs))
	for i := range docs {
		records = append(records, docs[i].record())
	}
	return records, nil
}

// FindService returns the record describing the probed target, or
// (nil, nil) when the service was never stored
func (s *MongoStorage) FindService(ctx context.Context, svc service.Service) (*ServiceRecord, error) {
	doc, err := s.findDoc(ctx, svc)
	if err != nil || doc == nil {
		return nil, err
	}
	rec := doc.record()
	return &rec, nil
}

// Downtimes returns the outage windows overlapping
// [start, start+duration), oldest first
func (s *MongoStorage) Downtimes(ctx context.Context, serviceID string, start, duration int64) ([]Downtime, error) {
	oid, err := primitive.ObjectIDFromHex(serviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid service id %q: %w", serviceID, err)
	}

	filter := bson.M{
		"_id_uptime": oid,
		"date":       bson.M{"$lt": start + duration},
		"$or":        bson.A{bson.M{"end": bson.M{"$gt": start}}, bson.M{"end": 0}},
	}
	opts := options.Find().SetSort(bson.D{{Key: "date", Value: 1}})
	cursor, err := s.downtimes().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list downtimes: %w", err)
	}
	var docs []downtimeDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	downs := make([]Downtime, 0, len(docs))
	for i := range docs {
		downs = append(downs, docs[i].downtime())
	}
	return downs, nil
}

// OpenDowntimeSince reports whether the service has an open downtime
// that started at or before the cutoff
func (s *MongoStorage) OpenDowntimeSince(ctx context.Context, serviceID string, before int64) (bool, error) {
	oid, err := primitive.ObjectIDFromHex(serviceID)
	if err != nil {
		return false, fmt.Errorf("invalid service id %q: %w", serviceID, err)
	}

	var doc downtimeDoc
	err = s.downtimes().FindOne(ctx, bson.M{"_id_uptime": oid, "end": 0}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return doc.Date <= before, nil
}

// SetPublicStatus writes the smoothed status shown on status pages
func (s *MongoStorage) SetPublicStatus(ctx context.Context, serviceID string, status service.Status) error {
	oid, err := primitive.ObjectIDFromHex(serviceID)
	if err != nil {
		return fmt.Errorf("invalid service id %q: %w", serviceID, err)
	}
	_, err = s.services().UpdateOne(ctx, bson.M{"_id": oid}, bson.M{"$set": bson.M{"status_public": status}})
	if err != nil {
		return fmt.Errorf("failed to update public status: %w", err)
	}
	return nil
}

// SLA computes the availability percentage over [start, start+duration)
func (s *MongoStorage) SLA(ctx context.Context, serviceID string, start, duration int64) (float64, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "sla")

	downs, err := s.Downtimes(ctx, serviceID, start, duration)
	if err != nil {
		return 0, err
	}
	return slaOf(downs, start, duration), nil
}

// Watermark returns the next consolidation trigger for a period kind
func (s *MongoStorage) Watermark(ctx context.Context, kind period.Kind) (int64, bool, error) {
	var doc watermarkDoc
	err := s.db.Collection(colConsolidation).FindOne(ctx, bson.M{"_id": string(kind)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return doc.Date, true, nil
}

// SetWatermark durably advances the consolidation trigger
func (s *MongoStorage) SetWatermark(ctx context.Context, kind period.Kind, ts int64) error {
	_, err := s.db.Collection(colConsolidation).UpdateOne(ctx,
		bson.M{"_id": string(kind)},
		bson.M{"$set": bson.M{"date": ts}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to set %s watermark: %w", kind, err)
	}
	return nil
}

// UpsertSLA writes one consolidated availability row, replacing any
// previous row for the same service and period start
func (s *MongoStorage) UpsertSLA(ctx context.Context, kind period.Kind, serviceID string, periodStart int64, sla float64) error {
	col, err := slaCollection(kind)
	if err != nil {
		return err
	}
	oid, err := primitive.ObjectIDFromHex(serviceID)
	if err != nil {
		return fmt.Errorf("invalid service id %q: %w", serviceID, err)
	}

	_, err = s.db.Collection(col).UpdateOne(ctx,
		bson.M{"_id_uptime": oid, "date": periodStart},
		bson.M{"$set": bson.M{"duration": kind.Seconds(periodStart), "sla": sla}},
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to upsert %s sla: %w", kind, err)
	}
	return nil
}

// SLAHistory lists the consolidated rows for a service, newest first
func (s *MongoStorage) SLAHistory(ctx context.Context, kind period.Kind, serviceID string) ([]SLAEntry, error) {
	col, err := slaCollection(kind)
	if err != nil {
		return nil, err
	}
	oid, err := primitive.ObjectIDFromHex(serviceID)
	if err != nil {
		return nil, fmt.Errorf("invalid service id %q: %w", serviceID, err)
	}

	opts := options.Find().SetSort(bson.D{{Key: "date", Value: -1}})
	cursor, err := s.db.Collection(col).Find(ctx, bson.M{"_id_uptime": oid}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sla: %w", kind, err)
	}
	var docs []slaDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	entries := make([]SLAEntry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, SLAEntry{
			ServiceID: doc.ServiceID.Hex(),
			Start:     doc.Date,
			Duration:  doc.Duration,
			SLA:       doc.SLA,
		})
	}
	return entries, nil
}

// EnsureInstance creates the heartbeat document when missing. A fresh
// document carries a zero timestamp so the first heartbeat always
// matches.
func (s *MongoStorage) EnsureInstance(ctx context.Context) error {
	count, err := s.db.Collection(colInstance).CountDocuments(ctx, bson.M{"_id": instanceID})
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.db.Collection(colInstance).InsertOne(ctx, heartbeatDoc{ID: instanceID})
	if mongo.IsDuplicateKeyError(err) {
		// Another instance created it between the count and the insert.
		return nil
	}
	return err
}

// Heartbeat refreshes the heartbeat timestamp if it is at least olderThan
// old. The conditional update decides the takeover: only a row older than
// the cutoff matches, and the matched count reports who won.
func (s *MongoStorage) Heartbeat(ctx context.Context, olderThan time.Duration) (bool, error) {
	defer metrics.NewTimer().ObserveDurationVec(metrics.StorageOpDuration, "heartbeat")

	ts := now()
	res, err := s.db.Collection(colInstance).UpdateOne(ctx,
		bson.M{"_id": instanceID, "date": bson.M{"$lte": ts - int64(olderThan/time.Second)}},
		bson.M{"$set": bson.M{"date": ts}})
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (s *MongoStorage) services() *mongo.Collection {
	return s.db.Collection(colServices)
}

func (s *MongoStorage) downtimes() *mongo.Collection {
	return s.db.Collection(colDowntimes)
}

// findDoc resolves the service document, by cached ID when possible and
// by identity query otherwise. A stale cached ID falls back to the
// identity query.
func (s *MongoStorage) findDoc(ctx context.Context, svc service.Service) (*serviceDoc, error) {
	if id, ok := s.cache.Get(svcKey(svc)); ok {
		var doc serviceDoc
		err := s.services().FindOne(ctx, bson.M{"_id": id.(primitive.ObjectID)}).Decode(&doc)
		if err == nil {
			return &doc, nil
		}
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		s.cache.Delete(svcKey(svc))
	}

	var doc serviceDoc
	err := s.services().FindOne(ctx, identityFilter(svc)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.cache.Set(svcKey(svc), doc.ID, cache.NoExpiration)
	return &doc, nil
}

func (s *MongoStorage) insertService(ctx context.Context, svc service.Service, status service.Status, extra service.Extra) error {
	doc := serviceDoc{
		Category:    svc.Category(),
		Kind:        string(svc.Kind()),
		NS:          svc.NS(),
		Description: svc.Description(),
		Status:      service.StatusOK,
	}
	res, err := s.services().InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to insert service: %w", err)
	}
	id := res.InsertedID.(primitive.ObjectID)
	s.cache.Set(svcKey(svc), id, cache.NoExpiration)

	if status == service.StatusFail {
		if err := s.setStatus(ctx, id, service.StatusFail); err != nil {
			return err
		}
		return s.openDowntime(ctx, id, extra)
	}
	return nil
}

func (s *MongoStorage) setStatus(ctx context.Context, id primitive.ObjectID, status service.Status) error {
	_, err := s.services().UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"status": status}})
	if err != nil {
		return fmt.Errorf("failed to update status: %w", err)
	}
	return nil
}

// openDowntimeID resolves the open downtime of a service, consulting the
// cache first. Only the ID is needed: closing updates by ID.
func (s *MongoStorage) openDowntimeID(ctx context.Context, serviceID primitive.ObjectID) (primitive.ObjectID, bool, error) {
	if id, ok := s.cache.Get(downKey(serviceID)); ok {
		return id.(primitive.ObjectID), true, nil
	}

	var doc downtimeDoc
	err := s.downtimes().FindOne(ctx, bson.M{"_id_uptime": serviceID, "end": 0}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return primitive.NilObjectID, false, nil
	}
	if err != nil {
		return primitive.NilObjectID, false, err
	}
	s.cache.Set(downKey(serviceID), doc.ID, cache.NoExpiration)
	return doc.ID, true, nil
}

func (s *MongoStorage) openDowntime(ctx context.Context, serviceID primitive.ObjectID, extra service.Extra) error {
	doc := downtimeDoc{ServiceID: serviceID, Date: now()}
	if len(extra) > 0 {
		doc.Extra = extra
	}
	res, err := s.downtimes().InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("failed to open downtime: %w", err)
	}
	s.cache.Set(downKey(serviceID), res.InsertedID.(primitive.ObjectID), cache.NoExpiration)
	return nil
}

func (s *MongoStorage) closeDowntime(ctx context.Context, serviceID, downtimeID primitive.ObjectID) error {
	_, err := s.downtimes().UpdateOne(ctx, bson.M{"_id": downtimeID}, bson.M{"$set": bson.M{"end": now()}})
	if err != nil {
		return fmt.Errorf("failed to close downtime: %w", err)
	}
	s.cache.Delete(downKey(serviceID))
	return nil
}

func identityFilter(svc service.Service) bson.M {
	filter := bson.M{
		"category":    svc.Category(),
		"kind":        string(svc.Kind()),
		"description": svc.Description(),
	}
	if svc.Kind() == service.KindIngress {
		filter["ns"] = svc.NS()
	}
	return filter
}

func slaCollection(kind period.Kind) (string, error) {
	switch kind {
	case period.Daily:
		return colSLADaily, nil
	case period.Weekly:
		return colSLAWeekly, nil
	case period.Monthly:
		return colSLAMonthly, nil
	default:
		return "", fmt.Errorf("unknown period kind: %s", kind)
	}
}

func svcKey(svc service.Service) string {
	return "svc|" + svc.Key()
}

func downKey(id primitive.ObjectID) string {
	return "down|" + id.Hex()
}
