package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fsmawi/wip/pkg/api"
)

// DefaultMongoDatabase is used when no database name is configured.
const DefaultMongoDatabase = "wip"

// MongoServerStore is a ServerStore backed by MongoDB. Server IDs come from
// a counter document so they stay int64 like every other backend.
type MongoServerStore struct {
	coll     *mongo.Collection
	counters *mongo.Collection
	now      func() time.Time
}

var _ ServerStore = (*MongoServerStore)(nil)

type mongoServerDoc struct {
	ID            int64  `bson:"_id"`
	Hostname      string `bson:"hostname"`
	TotalCapacity int    `bson:"total_capacity"`
	Status        string `bson:"status"`
	CreatedAt     int64  `bson:"created_at"`
}

// NewMongoServerStore creates the servers collection indexes in db and
// returns a store backed by it.
func NewMongoServerStore(ctx context.Context, db *mongo.Database) (*MongoServerStore, error) {
	s := &MongoServerStore{
		coll:     db.Collection("servers"),
		counters: db.Collection("counters"),
		now:      time.Now,
	}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "hostname", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoServerStore) nextID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "servers"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	return doc.Seq, err
}

func (s *MongoServerStore) SaveServer(ctx context.Context, srv *api.Server) error {
	if srv.Hostname == "" {
		return &api.ValidationError{Field: "hostname", Reason: "must be set"}
	}
	if srv.Status == "" {
		srv.Status = api.ServerAvailable
	}

	if srv.ID == 0 {
		id, err := s.nextID(ctx)
		if err != nil {
			return err
		}
		if srv.CreatedAt.IsZero() {
			srv.CreatedAt = s.now()
		}
		_, err = s.coll.InsertOne(ctx, mongoServerDoc{
			ID:            id,
			Hostname:      srv.Hostname,
			TotalCapacity: srv.TotalCapacity,
			Status:        string(srv.Status),
			CreatedAt:     toNanos(srv.CreatedAt),
		})
		if err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return &api.DuplicateServerError{Hostname: srv.Hostname}
			}
			return err
		}
		srv.ID = id
		return nil
	}

	res, err := s.coll.UpdateByID(ctx, srv.ID, bson.M{
		"$set": bson.M{
			"hostname":       srv.Hostname,
			"total_capacity": srv.TotalCapacity,
			"status":         string(srv.Status),
		},
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return &api.DuplicateServerError{Hostname: srv.Hostname}
		}
		return err
	}
	if res.MatchedCount == 0 {
		return ErrServerNotFound
	}
	return nil
}

func (d mongoServerDoc) toServer() *api.Server {
	return &api.Server{
		ID:            d.ID,
		Hostname:      d.Hostname,
		TotalCapacity: d.TotalCapacity,
		Status:        api.ServerStatus(d.Status),
		CreatedAt:     fromNanos(d.CreatedAt),
	}
}

func (s *MongoServerStore) findOne(ctx context.Context, filter bson.M) (*api.Server, error) {
	var doc mongoServerDoc
	if err := s.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrServerNotFound
		}
		return nil, err
	}
	return doc.toServer(), nil
}

func (s *MongoServerStore) GetServer(ctx context.Context, id int64) (*api.Server, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

func (s *MongoServerStore) GetServerByHostname(ctx context.Context, hostname string) (*api.Server, error) {
	return s.findOne(ctx, bson.M{"hostname": hostname})
}

func (s *MongoServerStore) ListServers(ctx context.Context) ([]*api.Server, error) {
	return s.find(ctx, bson.M{})
}

func (s *MongoServerStore) GetActiveServers(ctx context.Context) ([]*api.Server, error) {
	return s.find(ctx, bson.M{"status": string(api.ServerAvailable)})
}

func (s *MongoServerStore) find(ctx context.Context, filter bson.M) ([]*api.Server, error) {
	cur, err := s.coll.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []*api.Server
	for cur.Next(ctx) {
		var doc mongoServerDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toServer())
	}
	return out, cur.Err()
}

func (s *MongoServerStore) DeleteServer(ctx context.Context, id int64) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrServerNotFound
	}
	return nil
}

// MongoEventStore is an EventStore backed by MongoDB.
type MongoEventStore struct {
	coll *mongo.Collection
}

var _ EventStore = (*MongoEventStore)(nil)

type mongoEventDoc struct {
	TaskID    int64  `bson:"task_id"`
	At        int64  `bson:"at"`
	Type      string `bson:"type"`
	FromState string `bson:"from_state,omitempty"`
	Trigger   string `bson:"trigger,omitempty"`
	ToState   string `bson:"to_state,omitempty"`
	Detail    string `bson:"detail,omitempty"`
	Error     string `bson:"error,omitempty"`
}

// NewMongoEventStore creates the events collection indexes in db and returns
// a store backed by it.
func NewMongoEventStore(ctx context.Context, db *mongo.Database) (*MongoEventStore, error) {
	s := &MongoEventStore{coll: db.Collection("events")}
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "task_id", Value: 1}, {Key: "at", Value: 1}},
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MongoEventStore) AppendEvent(ctx context.Context, ev api.StepEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.coll.InsertOne(ctx, mongoEventDoc{
		TaskID:    ev.TaskID,
		At:        at.UnixNano(),
		Type:      string(ev.Type),
		FromState: ev.FromState,
		Trigger:   ev.Trigger,
		ToState:   ev.ToState,
		Detail:    ev.Detail,
		Error:     ev.Error,
	})
	return err
}

func (s *MongoEventStore) ListEvents(ctx context.Context, taskID int64) ([]api.StepEvent, error) {
	// ObjectIDs break ties between events stamped with the same nanosecond.
	opts := options.Find().SetSort(bson.D{{Key: "at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := s.coll.Find(ctx, bson.M{"task_id": taskID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []api.StepEvent
	for cur.Next(ctx) {
		var doc mongoEventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, api.StepEvent{
			TaskID:    doc.TaskID,
			At:        time.Unix(0, doc.At),
			Type:      api.EventType(doc.Type),
			FromState: doc.FromState,
			Trigger:   doc.Trigger,
			ToState:   doc.ToState,
			Detail:    doc.Detail,
			Error:     doc.Error,
		})
	}
	return out, cur.Err()
}

func (s *MongoEventStore) DeleteEvents(ctx context.Context, taskIDs []int64) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := s.coll.DeleteMany(ctx, bson.M{"task_id": bson.M{"$in": taskIDs}})
	return err
}
