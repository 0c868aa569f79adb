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

package counter

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Anomaly identifies one metric whose recent mean deviates from its
// reference mean beyond the sensitivity threshold. Immutable.
type Anomaly struct {
	AppID string
	Name  string
	Field string
}

func (a Anomaly) String() string {
	return fmt.Sprintf("%s/%s/%s", a.AppID, a.Name, a.Field)
}

// FindAnomalies compares the mean of every field per (app_id, name) over a
// recent check window of checkHours against a reference window of refHours
// immediately before it. A field whose relative error reaches 1-sensitivity
// is reported. refHours must exceed checkHours; sensitivity lies in (0,1).
func (p *Periodic) FindAnomalies(ctx context.Context, refHours, checkHours int, sensitivity float64) ([]Anomaly, error) {
	if checkHours <= 0 || refHours <= 0 {
		return nil, fmt.Errorf("anomaly windows must be positive (ref=%d check=%d)", refHours, checkHours)
	}
	if refHours <= checkHours {
		return nil, fmt.Errorf("reference window (%dh) must exceed check window (%dh)", refHours, checkHours)
	}
	if sensitivity <= 0 || sensitivity >= 1 {
		return nil, fmt.Errorf("sensitivity %v out of range (0,1)", sensitivity)
	}

	now := p.now().UTC()
	checkFrom := now.Add(-time.Duration(checkHours) * time.Hour)
	refFrom := checkFrom.Add(-time.Duration(refHours) * time.Hour)

	fields := p.fields.Keys()
	refRows, err := p.coll.Averages(ctx, refFrom, checkFrom, fields)
	if err != nil {
		return nil, fmt.Errorf("reference window averages: %w", err)
	}
	checkRows, err := p.coll.Averages(ctx, checkFrom, now, fields)
	if err != nil {
		return nil, fmt.Errorf("check window averages: %w", err)
	}

	check := make(map[string]map[string]float64, len(checkRows))
	for _, row := range checkRows {
		check[row.AppID+","+row.Name] = row.Avg
	}

	threshold := 1 - sensitivity
	var out []Anomaly
	for _, row := range refRows {
		checkAvg := check[row.AppID+","+row.Name]
		for _, field := range fields {
			refVal, ok := row.Avg[field]
			if !ok || refVal == 0 {
				continue
			}
			relErr := math.Abs(refVal-checkAvg[field]) / refVal
			if relErr >= threshold {
				out = append(out, Anomaly{AppID: row.AppID, Name: row.Name, Field: field})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppID != out[j].AppID {
			return out[i].AppID < out[j].AppID
		}
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Field < out[j].Field
	})
	return out, nil
}
