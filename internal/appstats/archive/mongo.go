// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package archive

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Mongo implements Archive on top of go.mongodb.org/mongo-driver.
type Mongo struct {
	client *mongo.Client
	db     *mongo.Database
}

// Connect dials the Mongo deployment at uri and returns an Archive over
// the named database. The connection is verified with a ping so a bad URI
// fails at startup rather than during the first rollup.
func Connect(ctx context.Context, uri, dbName string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo connect %s: %w", uri, err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo ping %s: %w", uri, err)
	}
	return &Mongo{client: client, db: client.Database(dbName)}, nil
}

func (m *Mongo) Collection(name string) Collection {
	return &mongoCollection{c: m.db.Collection(name)}
}

func (m *Mongo) Drop(ctx context.Context, name string) error {
	return m.db.Collection(name).Drop(ctx)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}

type mongoCollection struct {
	c *mongo.Collection
}

func (mc *mongoCollection) Insert(ctx context.Context, docs []Doc) error {
	if len(docs) == 0 {
		return nil
	}
	payload := make([]interface{}, len(docs))
	for i, d := range docs {
		// Strip any _id carried over from a previous insert so the store
		// assigns a fresh one; the rollup re-inserts copies of one doc at
		// shifted dates.
		if _, ok := d["_id"]; ok {
			clean := make(Doc, len(d))
			for k, v := range d {
				if k != "_id" {
					clean[k] = v
				}
			}
			d = clean
		}
		payload[i] = d
	}
	_, err := mc.c.InsertMany(ctx, payload)
	return err
}

func (mc *mongoCollection) Find(ctx context.Context, filter Doc, sortField string, desc bool, limit int64) ([]Doc, error) {
	if filter == nil {
		filter = Doc{}
	}
	opts := options.Find()
	if sortField != "" {
		dir := 1
		if desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: sortField, Value: dir}})
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cur, err := mc.c.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []Doc
	for cur.Next(ctx) {
		var d Doc
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, cur.Err()
}

func (mc *mongoCollection) FindOne(ctx context.Context, filter Doc) (Doc, error) {
	var d Doc
	err := mc.c.FindOne(ctx, filter).Decode(&d)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (mc *mongoCollection) Remove(ctx context.Context, filter Doc) (int64, error) {
	if filter == nil {
		filter = Doc{}
	}
	res, err := mc.c.DeleteMany(ctx, filter)
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (mc *mongoCollection) EnsureIndex(ctx context.Context, keys []string, expireAfter time.Duration) error {
	model := bson.D{}
	for _, k := range keys {
		model = append(model, bson.E{Key: k, Value: 1})
	}
	opts := options.Index()
	if expireAfter > 0 {
		opts.SetExpireAfterSeconds(int32(expireAfter.Seconds()))
	}
	_, err := mc.c.Indexes().CreateOne(ctx, mongo.IndexModel{Keys: model, Options: opts})
	return err
}

func (mc *mongoCollection) Averages(ctx context.Context, from, to time.Time, fields []string) ([]AverageRow, error) {
	group := bson.M{"_id": bson.M{"app_id": "$app_id", "name": "$name"}}
	for _, f := range fields {
		group[f] = bson.M{"$avg": "$" + f}
	}
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"date": bson.M{"$gte": from, "$lt": to}}}},
		{{Key: "$group", Value: group}},
	}
	cur, err := mc.c.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var out []AverageRow
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, err
		}
		row := AverageRow{Avg: make(map[string]float64, len(fields))}
		if id, ok := raw["_id"].(bson.M); ok {
			row.AppID, _ = id["app_id"].(string)
			row.Name, _ = id["name"].(string)
		}
		for _, f := range fields {
			switch v := raw[f].(type) {
			case float64:
				row.Avg[f] = v
			case int32:
				row.Avg[f] = float64(v)
			case int64:
				row.Avg[f] = float64(v)
			}
		}
		out = append(out, row)
	}
	return out, cur.Err()
}
