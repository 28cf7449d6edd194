package txn

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readconcern"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"
)

const (
	labelTransientTransaction = "TransientTransactionError"
	labelUnknownCommitResult  = "UnknownTransactionCommitResult"
	codeWriteConflict         = 112
)

// MongoSessions starts snapshot-isolated, majority-acknowledged and
// journaled transactions on a shared client.
type MongoSessions struct {
	client *mongo.Client
	txOpts *options.TransactionOptionsBuilder
}

func NewMongoSessions(client *mongo.Client) *MongoSessions {
	journal := true
	wc := writeconcern.Majority()
	wc.Journal = &journal

	return &MongoSessions{
		client: client,
		txOpts: options.Transaction().
			SetReadConcern(readconcern.Snapshot()).
			SetWriteConcern(wc),
	}
}

func (m *MongoSessions) NewSession(context.Context) (Session, error) {
	sess, err := m.client.StartSession()
	if err != nil {
		return nil, err
	}
	return &mongoSession{sess: sess, opts: m.txOpts}, nil
}

type mongoSession struct {
	sess *mongo.Session
	opts *options.TransactionOptionsBuilder
}

func (s *mongoSession) Begin() error {
	return s.sess.StartTransaction(s.opts)
}

func (s *mongoSession) Bind(ctx context.Context) context.Context {
	return mongo.NewSessionContext(ctx, s.sess)
}

func (s *mongoSession) Commit(ctx context.Context) error {
	return s.sess.CommitTransaction(ctx)
}

func (s *mongoSession) Abort(ctx context.Context) error {
	return s.sess.AbortTransaction(ctx)
}

func (s *mongoSession) End(ctx context.Context) {
	s.sess.EndSession(ctx)
}

type labeledError interface {
	HasErrorLabel(label string) bool
}

// IsTransient reports whether err is worth retrying in a fresh transaction:
// a write conflict, a network failure or an ambiguous commit.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var le labeledError
	if errors.As(err, &le) {
		if le.HasErrorLabel(labelTransientTransaction) || le.HasErrorLabel(labelUnknownCommitResult) {
			return true
		}
	}

	var se mongo.ServerError
	if errors.As(err, &se) && se.HasErrorCode(codeWriteConflict) {
		return true
	}
	return mongo.IsNetworkError(err)
}
