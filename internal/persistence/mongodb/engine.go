package mongodb

import (
	"context"
	"time"

	"github.com/goevery/intercept/internal/broadcaster"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const retention = 30 * 24 * time.Hour

type Message struct {
	Id        string         `bson:"_id"`
	Seq       uint64         `bson:"seq"`
	Source    string         `bson:"source"`
	Protocol  string         `bson:"protocol"`
	Address   string         `bson:"address"`
	Timestamp time.Time      `bson:"timestamp"`
	Payload   map[string]any `bson:"payload"`
	Raw       string         `bson:"raw"`
}

type PersistenceEngine struct {
	collection *mongo.Collection
}

func NewPersistenceEngine(client *mongo.Client, database string) *PersistenceEngine {
	collection := client.Database(database).Collection("messages")

	return &PersistenceEngine{
		collection,
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	ttlIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "timestamp", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(retention.Seconds())),
	}

	sourceIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "source", Value: 1},
			{Key: "timestamp", Value: -1},
		},
	}

	_, err := e.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{ttlIndexModel, sourceIndexModel})

	return err
}

func (e *PersistenceEngine) Save(ctx context.Context, message broadcaster.Message) error {
	_, err := e.collection.InsertOne(ctx, toDocument(message))

	return err
}

// Close leaves the client open; its owner disconnects it.
func (e *PersistenceEngine) Close(ctx context.Context) error {
	return nil
}

func (e *PersistenceEngine) Describe() string {
	return "mongodb:" + e.collection.Database().Name() + "." + e.collection.Name()
}

func toDocument(message broadcaster.Message) Message {
	payload := make(map[string]any, message.Payload.Len())
	for _, key := range message.Payload.Keys() {
		value, _ := message.Payload.Get(key)

		switch value.Kind() {
		case broadcaster.KindNumber:
			n, _ := value.Num()
			payload[key] = n
		case broadcaster.KindBool:
			b, _ := value.Bool()
			payload[key] = b
		default:
			payload[key] = value.String()
		}
	}

	return Message{
		Id:        message.Id,
		Seq:       message.Seq,
		Source:    string(message.Source),
		Protocol:  message.Protocol,
		Address:   message.Address,
		Timestamp: message.Timestamp,
		Payload:   payload,
		Raw:       message.Raw,
	}
}
