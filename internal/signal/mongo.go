package signal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Collection names. One flat collection per document family; the Firestore
// style subcollection paths ("calls/{id}/candidates") become a callId field.
const (
	collCalls      = "calls"
	collCandidates = "call_candidates"
	collNotices    = "notifications"
	collSummaries  = "conversation_calls"
)

// MongoStore is a Store backed by MongoDB. Watches use change streams, so
// the deployment must be a replica set (a single-node replica set is fine).
type MongoStore struct {
	client *mongo.Client
	db     *mongo.Database
}

// mongoCandidate wraps an IceCandidate with its parent call id for storage
// in the flat candidate collection.
type mongoCandidate struct {
	ID           string `bson:"_id"`
	CallID       string `bson:"callId"`
	IceCandidate `bson:",inline"`
}

// mongoNotice keys a notice by (recipient, callId) the way the original
// per-user subcollection did.
type mongoNotice struct {
	ID               string `bson:"_id"` // recipient + "/" + callId
	InvitationNotice `bson:",inline"`
}

// ConnectMongo connects to the signaling database and prepares the indexes
// the watch queries rely on.
func ConnectMongo(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect signaling store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping signaling store: %w", err)
	}

	s := &MongoStore{client: client, db: client.Database(database)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return s, nil
}

func (s *MongoStore) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collNotices).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "recipient", Value: 1}, {Key: "status", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("notice index: %w", err)
	}
	_, err = s.db.Collection(collCandidates).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "callId", Value: 1}, {Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("candidate index: %w", err)
	}
	return nil
}

// Close disconnects from the database.
func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *MongoStore) CreateCall(ctx context.Context, rec CallRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var existing CallRecord
	err := s.db.Collection(collCalls).FindOne(ctx, bson.M{"_id": rec.CallID}).Decode(&existing)
	switch {
	case err == nil:
		if existing.Status != StatusEnded {
			return ErrCallExists
		}
	case errors.Is(err, mongo.ErrNoDocuments):
	default:
		return fmt.Errorf("read call %s: %w", rec.CallID, err)
	}

	// Replace wholesale: a re-dial reuses the deterministic id and must not
	// inherit the previous attempt's answer or candidates.
	opts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(collCalls).ReplaceOne(ctx, bson.M{"_id": rec.CallID}, rec, opts); err != nil {
		return fmt.Errorf("create call %s: %w", rec.CallID, err)
	}
	if _, err := s.db.Collection(collCandidates).DeleteMany(ctx, bson.M{"callId": rec.CallID}); err != nil {
		log.Printf("SIGNAL: purge stale candidates for %s: %v", rec.CallID, err)
	}
	return nil
}

func (s *MongoStore) SetAnswer(ctx context.Context, callID string, answer SessionDescription) error {
	if err := answer.Validate(); err != nil {
		return err
	}
	res, err := s.db.Collection(collCalls).UpdateOne(ctx,
		bson.M{"_id": callID, "answer": bson.M{"$exists": false}, "status": StatusRinging},
		bson.M{"$set": bson.M{"answer": answer, "status": StatusOngoing}},
	)
	if err != nil {
		return fmt.Errorf("set answer for %s: %w", callID, err)
	}
	if res.ModifiedCount == 0 {
		if _, err := s.GetCall(ctx, callID); err != nil {
			return err
		}
		return ErrAlreadyAnswered
	}
	return nil
}

func (s *MongoStore) EndCall(ctx context.Context, callID string, end CallEnd) error {
	endedAt := end.EndedAt
	if endedAt.IsZero() {
		endedAt = time.Now().UTC()
	}
	res, err := s.db.Collection(collCalls).UpdateOne(ctx,
		bson.M{"_id": callID, "status": bson.M{"$ne": StatusEnded}},
		bson.M{"$set": bson.M{
			"status":    StatusEnded,
			"endedAt":   endedAt,
			"endedBy":   end.By,
			"endReason": end.Reason,
			"duration":  end.Duration,
		}},
	)
	if err != nil {
		return fmt.Errorf("end call %s: %w", callID, err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.GetCall(ctx, callID); err != nil {
			return err
		}
		// Already ended by the other side.
	}
	return nil
}

func (s *MongoStore) GetCall(ctx context.Context, callID string) (CallRecord, error) {
	var rec CallRecord
	err := s.db.Collection(collCalls).FindOne(ctx, bson.M{"_id": callID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return CallRecord{}, ErrCallNotFound
	}
	if err != nil {
		return CallRecord{}, fmt.Errorf("read call %s: %w", callID, err)
	}
	return rec, nil
}

func (s *MongoStore) WatchCall(ctx context.Context, callID string) (<-chan CallRecord, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{"fullDocument._id": callID}}}}
	cs, err := s.db.Collection(collCalls).Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch call %s: %w", callID, err)
	}

	out := make(chan CallRecord, watchBuf)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())

		if rec, err := s.GetCall(ctx, callID); err == nil {
			out <- rec
		}
		for cs.Next(ctx) {
			var ev struct {
				FullDocument CallRecord `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				log.Printf("SIGNAL: decode call event for %s: %v", callID, err)
				continue
			}
			if err := ev.FullDocument.Validate(); err != nil {
				log.Printf("SIGNAL: dropping malformed call record for %s: %v", callID, err)
				continue
			}
			out <- ev.FullDocument
		}
	}()
	return out, nil
}

func (s *MongoStore) AddCandidate(ctx context.Context, callID string, cand IceCandidate) error {
	if err := cand.Validate(); err != nil {
		return err
	}
	if cand.Timestamp.IsZero() {
		cand.Timestamp = time.Now().UTC()
	}
	doc := mongoCandidate{ID: uuid.NewString(), CallID: callID, IceCandidate: cand}
	if _, err := s.db.Collection(collCandidates).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("add candidate for %s: %w", callID, err)
	}
	return nil
}

func (s *MongoStore) WatchCandidates(ctx context.Context, callID, excludeSender string) (<-chan IceCandidate, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"operationType":       "insert",
		"fullDocument.callId": callID,
		"fullDocument.sender": bson.M{"$ne": excludeSender},
	}}}}
	cs, err := s.db.Collection(collCandidates).Watch(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("watch candidates for %s: %w", callID, err)
	}

	out := make(chan IceCandidate, watchBuf)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())

		// Replay candidates that arrived before the watch started.
		findOpts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
		cur, err := s.db.Collection(collCandidates).Find(ctx,
			bson.M{"callId": callID, "sender": bson.M{"$ne": excludeSender}}, findOpts)
		if err == nil {
			var existing []mongoCandidate
			if err := cur.All(ctx, &existing); err == nil {
				for _, c := range existing {
					out <- c.IceCandidate
				}
			}
		}

		for cs.Next(ctx) {
			var ev struct {
				FullDocument mongoCandidate `bson:"fullDocument"`
			}
			if err := cs.Decode(&ev); err != nil {
				log.Printf("SIGNAL: decode candidate event for %s: %v", callID, err)
				continue
			}
			if err := ev.FullDocument.Validate(); err != nil {
				log.Printf("SIGNAL: dropping malformed candidate for %s: %v", callID, err)
				continue
			}
			out <- ev.FullDocument.IceCandidate
		}
	}()
	return out, nil
}

func (s *MongoStore) PutInvite(ctx context.Context, notice InvitationNotice) error {
	if err := notice.Validate(); err != nil {
		return err
	}
	if notice.Timestamp.IsZero() {
		notice.Timestamp = time.Now().UTC()
	}
	doc := mongoNotice{ID: notice.Recipient + "/" + notice.CallID, InvitationNotice: notice}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.db.Collection(collNotices).ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("put invite %s: %w", doc.ID, err)
	}
	return nil
}

func (s *MongoStore) DeleteInvite(ctx context.Context, recipientID, callID string) error {
	_, err := s.db.Collection(collNotices).DeleteOne(ctx, bson.M{"_id": recipientID + "/" + callID})
	if err != nil {
		return fmt.Errorf("delete invite %s/%s: %w", recipientID, callID, err)
	}
	return nil
}

func (s *MongoStore) WatchRingingInvite(ctx context.Context, recipientID string) (<-chan *InvitationNotice, error) {
	pipeline := mongo.Pipeline{bson.D{{Key: "$match", Value: bson.M{
		"$or": bson.A{
			bson.M{"fullDocument.recipient": recipientID},
			// Deletes carry no full document; the document key prefix
			// identifies the recipient instead.
			bson.M{"operationType": "delete"},
		},
	}}}}
	cs, err := s.db.Collection(collNotices).Watch(ctx, pipeline,
		options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		return nil, fmt.Errorf("watch invites for %s: %w", recipientID, err)
	}

	out := make(chan *InvitationNotice, watchBuf)
	go func() {
		defer close(out)
		defer cs.Close(context.Background())

		send := func() {
			n, err := s.newestRinging(ctx, recipientID)
			if err != nil {
				log.Printf("SIGNAL: query ringing invite for %s: %v", recipientID, err)
				return
			}
			out <- n
		}

		send()
		for cs.Next(ctx) {
			// Every relevant change re-resolves the "newest still-ringing"
			// query rather than incrementally patching local state.
			send()
		}
	}()
	return out, nil
}

func (s *MongoStore) newestRinging(ctx context.Context, recipientID string) (*InvitationNotice, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	var doc mongoNotice
	err := s.db.Collection(collNotices).FindOne(ctx, bson.M{
		"recipient": recipientID,
		"type":      "call",
		"status":    StatusRinging,
	}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	n := doc.InvitationNotice
	return &n, nil
}

func (s *MongoStore) AppendSummary(ctx context.Context, conversationID string, sum CallSummary) error {
	sum.ConversationID = conversationID
	doc := struct {
		ID          string `bson:"_id"`
		CallSummary `bson:",inline"`
	}{ID: uuid.NewString(), CallSummary: sum}
	if _, err := s.db.Collection(collSummaries).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("append call summary for %s: %w", conversationID, err)
	}
	return nil
}
