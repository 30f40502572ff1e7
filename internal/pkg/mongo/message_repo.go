package mongo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MessageRepo interface {
	SaveMessage(ctx context.Context, msg *Message) error
	GetHistory(ctx context.Context, convID uint64, limit int, offset int) ([]*Message, error)
	SyncMessages(ctx context.Context, convID uint64, lastSeq uint64, limit int) ([]*Message, error)
	GetMessageByID(ctx context.Context, id string) (*Message, error)
	MarkRead(ctx context.Context, id string, readAt time.Time) error
	GetLatest(ctx context.Context, convID uint64) (*Message, error)
}

type messageRepoImpl struct {
	col *mongo.Collection
}

func NewMessageRepo(db *mongo.Database) MessageRepo {
	return &messageRepoImpl{
		col: db.Collection("message"),
	}
}

// SaveMessage 将消息存入 MongoDB，并回填生成的 ObjectID
func (s *messageRepoImpl) SaveMessage(ctx context.Context, msg *Message) error {
	res, err := s.col.InsertOne(ctx, msg)
	if err != nil {
		return err
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		msg.ID = oid.Hex()
	}
	return nil
}

// GetHistory 按序号升序分页读取会话消息
func (s *messageRepoImpl) GetHistory(ctx context.Context, convID uint64, limit int, offset int) ([]*Message, error) {
	filter := bson.M{"conversation_id": convID}

	findOptions := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))

	return s.find(ctx, filter, findOptions)
}

// SyncMessages 断线重连后的补拉：读取 lastSeq 之后的全部增量
func (s *messageRepoImpl) SyncMessages(ctx context.Context, convID uint64, lastSeq uint64, limit int) ([]*Message, error) {
	filter := bson.M{
		"conversation_id": convID,
		"seq":             bson.M{"$gt": lastSeq},
	}

	findOptions := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetLimit(int64(limit))

	return s.find(ctx, filter, findOptions)
}

// GetMessageByID 精确查询
func (s *messageRepoImpl) GetMessageByID(ctx context.Context, id string) (*Message, error) {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, mongo.ErrNoDocuments
	}

	var msg Message
	if err := s.col.FindOne(ctx, bson.M{"_id": oid}).Decode(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// MarkRead 设置消息已读时间。过滤条件要求 read_at 尚未设置，
// 因此重复调用不会改写首次已读时间。
func (s *messageRepoImpl) MarkRead(ctx context.Context, id string, readAt time.Time) error {
	oid, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return mongo.ErrNoDocuments
	}

	filter := bson.M{
		"_id":     oid,
		"read_at": bson.M{"$exists": false},
	}
	update := bson.M{"$set": bson.M{"read_at": readAt}}

	_, err = s.col.UpdateOne(ctx, filter, update)
	return err
}

// GetLatest 返回会话中序号最大的消息
func (s *messageRepoImpl) GetLatest(ctx context.Context, convID uint64) (*Message, error) {
	findOptions := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})

	var msg Message
	err := s.col.FindOne(ctx, bson.M{"conversation_id": convID}, findOptions).Decode(&msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *messageRepoImpl) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]*Message, error) {
	cursor, err := s.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var messages []*Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, err
	}

	return messages, nil
}
