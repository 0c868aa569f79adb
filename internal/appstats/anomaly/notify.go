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

// Package anomaly reports detected anomalies: it persists them to the
// archive and hands them to a Notifier. Delivery transports (mail and the
// like) live behind the Notifier interface and are injected by the caller.
package anomaly

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"appstats/internal/appstats/archive"
	"appstats/internal/appstats/counter"
)

// Collection is the archive collection holding detected anomalies.
const Collection = "anomalies"

// Notifier delivers a non-empty set of anomalies somewhere.
type Notifier interface {
	Notify(ctx context.Context, anomalies []counter.Anomaly) error
}

// ConsoleNotifier prints anomalies one per line.
type ConsoleNotifier struct {
	W io.Writer
}

func (n ConsoleNotifier) Notify(_ context.Context, anomalies []counter.Anomaly) error {
	for _, a := range anomalies {
		if _, err := fmt.Fprintf(n.W, "anomaly: app_id=%s name=%s field=%s\n", a.AppID, a.Name, a.Field); err != nil {
			return err
		}
	}
	return nil
}

// LogNotifier reports anomalies through the structured log. It stands in
// for delivery transports that are wired per deployment.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, anomalies []counter.Anomaly) error {
	for _, a := range anomalies {
		logrus.WithFields(logrus.Fields{
			"app_id": a.AppID,
			"name":   a.Name,
			"field":  a.Field,
		}).Warn("anomaly detected")
	}
	return nil
}

// Persist stores the anomalies with a detection timestamp.
func Persist(ctx context.Context, arch archive.Archive, anomalies []counter.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}
	docs := make([]archive.Doc, 0, len(anomalies))
	now := time.Now().UTC()
	for _, a := range anomalies {
		docs = append(docs, archive.Doc{
			"app_id": a.AppID,
			"name":   a.Name,
			"field":  a.Field,
			"date":   now,
		})
	}
	return arch.Collection(Collection).Insert(ctx, docs)
}
