// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package relayq

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

// MongoSink is a DataSink backed by a MongoDB database. Each CRUD
// collection maps to a Mongo collection of the same name.
type MongoSink struct {
	db *mongo.Database
}

// NewMongoSink returns a MongoSink writing to the given database.
func NewMongoSink(db *mongo.Database) *MongoSink {
	return &MongoSink{db: db}
}

func (s *MongoSink) Insert(ctx context.Context, collection string, doc map[string]any) error {
	_, err := s.db.Collection(collection).InsertOne(ctx, bson.M(doc))
	return err
}

func (s *MongoSink) Update(ctx context.Context, collection string, query, update map[string]any) (int64, error) {
	res, err := s.db.Collection(collection).UpdateMany(ctx, bson.M(query), bson.M{"$set": bson.M(update)})
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (s *MongoSink) Delete(ctx context.Context, collection string, query map[string]any) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, bson.M(query))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoSink) Find(ctx context.Context, collection string, query map[string]any) ([]map[string]any, error) {
	if query == nil {
		query = map[string]any{}
	}
	cur, err := s.db.Collection(collection).Find(ctx, bson.M(query))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []map[string]any
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}
