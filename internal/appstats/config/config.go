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

// Package config loads service configuration: store endpoints, the tracked
// applications, the configured field set and the counter topology.
// Defaults live in code, an optional YAML file overrides them, and
// APPSTATS_* environment variables override both. Invalid configuration
// fails process start.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// NumberField is the implicit event-count column. It is always present in
// the configured field set.
const NumberField = "NUMBER"

// Field describes one metric column.
type Field struct {
	Key     string `mapstructure:"key"`
	Name    string `mapstructure:"name"`
	Format  string `mapstructure:"format"`
	Visible bool   `mapstructure:"visible"`
}

// Application is one tracked application (ordered; order drives UI lists).
type Application struct {
	ID   string `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// Periodic describes one aligned-bucket counter: interval = 60/Divider
// minutes, rows older than PeriodHours are evicted.
type Periodic struct {
	Divider     int `mapstructure:"divider"`
	PeriodHours int `mapstructure:"period_hours"`
}

// Rolling describes one sliding-window counter.
type Rolling struct {
	IntervalSecs int `mapstructure:"interval_secs"`
	SecsPerPart  int `mapstructure:"secs_per_part"`
}

// Config is the full service configuration.
type Config struct {
	RedisHost   string `mapstructure:"redis_host"`
	RedisPort   int    `mapstructure:"redis_port"`
	RedisDB     int    `mapstructure:"redis_db"`
	RedisPrefix string `mapstructure:"redis_prefix"`

	MongoURI    string `mapstructure:"mongo_uri"`
	MongoDBName string `mapstructure:"mongo_db_name"`

	HTTPAddr  string `mapstructure:"http_addr"`
	QueueSize int    `mapstructure:"queue_size"`

	Applications []Application `mapstructure:"applications"`
	Fields       []Field       `mapstructure:"fields"`
	TimeFields   []Field       `mapstructure:"time_fields"`

	Rollings  []Rolling  `mapstructure:"rollings"`
	Periodics []Periodic `mapstructure:"periodics"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("redis_host", "127.0.0.1")
	v.SetDefault("redis_port", 6379)
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "appstats")
	v.SetDefault("mongo_uri", "mongodb://127.0.0.1:27017")
	v.SetDefault("mongo_db_name", "appstats")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("queue_size", 1024)
}

func defaultFields() []Field {
	return []Field{
		{Key: NumberField, Name: "NUMBER", Visible: true},
		{Key: "cpu_time", Name: "CPU", Format: "time", Visible: true},
	}
}

func defaultTimeFields() []Field {
	return []Field{
		{Key: "real_time", Name: "TOTAL", Format: "time", Visible: true},
	}
}

func defaultRollings() []Rolling {
	return []Rolling{
		{IntervalSecs: 3600, SecsPerPart: 60},
		{IntervalSecs: 86400, SecsPerPart: 3600},
	}
}

func defaultPeriodics() []Periodic {
	return []Periodic{
		{Divider: 60, PeriodHours: 6},    // 1 min buckets, 6 h retention
		{Divider: 6, PeriodHours: 144},   // 10 min buckets, 6 days
		{Divider: 1, PeriodHours: 4368},  // 60 min buckets, half a year
	}
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("APPSTATS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.Fields) == 0 {
		cfg.Fields = defaultFields()
	}
	if len(cfg.TimeFields) == 0 {
		cfg.TimeFields = defaultTimeFields()
	}
	if len(cfg.Rollings) == 0 {
		cfg.Rollings = defaultRollings()
	}
	if len(cfg.Periodics) == 0 {
		cfg.Periodics = defaultPeriodics()
	}
	cfg.ensureNumber()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ensureNumber inserts the NUMBER field at the front when the configured
// fields omit it.
func (c *Config) ensureNumber() {
	for _, f := range append(append([]Field{}, c.Fields...), c.TimeFields...) {
		if f.Key == NumberField {
			return
		}
	}
	c.Fields = append([]Field{{Key: NumberField, Name: "NUMBER", Visible: true}}, c.Fields...)
}

// Validate fails fast on configuration the counters cannot run with.
func (c *Config) Validate() error {
	if c.RedisPrefix == "" {
		return fmt.Errorf("config: redis_prefix must not be empty")
	}
	if strings.Contains(c.RedisPrefix, ",") {
		return fmt.Errorf("config: redis_prefix must not contain a comma")
	}
	seen := map[string]bool{}
	for _, f := range c.AllFields() {
		if f.Key == "" {
			return fmt.Errorf("config: field with empty key")
		}
		if strings.Contains(f.Key, ",") {
			return fmt.Errorf("config: field key %q must not contain a comma", f.Key)
		}
		if seen[f.Key] {
			return fmt.Errorf("config: duplicate field key %q", f.Key)
		}
		seen[f.Key] = true
	}
	for _, p := range c.Periodics {
		if p.Divider < 1 || p.Divider > 60 {
			return fmt.Errorf("config: periodic divider %d out of range [1,60]", p.Divider)
		}
		if 60%p.Divider != 0 {
			return fmt.Errorf("config: periodic divider %d must divide 60", p.Divider)
		}
		if p.PeriodHours <= 0 {
			return fmt.Errorf("config: periodic period_hours must be positive")
		}
	}
	if len(c.Rollings) != 2 {
		return fmt.Errorf("config: exactly two rolling counters expected (hour, day), got %d", len(c.Rollings))
	}
	for _, r := range c.Rollings {
		if r.IntervalSecs <= 0 || r.SecsPerPart <= 0 {
			return fmt.Errorf("config: rolling interval and part must be positive")
		}
		if r.IntervalSecs%r.SecsPerPart != 0 {
			return fmt.Errorf("config: rolling part %ds must divide interval %ds", r.SecsPerPart, r.IntervalSecs)
		}
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("config: queue_size must be positive")
	}
	return nil
}

// AllFields returns FIELDS followed by TIME_FIELDS.
func (c *Config) AllFields() []Field {
	out := make([]Field, 0, len(c.Fields)+len(c.TimeFields))
	out = append(out, c.Fields...)
	out = append(out, c.TimeFields...)
	return out
}

// FieldKeys returns the keys of every configured field, NUMBER included.
func (c *Config) FieldKeys() []string {
	fields := c.AllFields()
	keys := make([]string, 0, len(fields))
	for _, f := range fields {
		keys = append(keys, f.Key)
	}
	return keys
}

// VisibleFieldKeys returns the keys of fields marked visible, in order.
func (c *Config) VisibleFieldKeys() []string {
	var keys []string
	for _, f := range c.AllFields() {
		if f.Visible {
			keys = append(keys, f.Key)
		}
	}
	return keys
}

// AppName resolves an application id to its display name; ok is false when
// the id is not configured.
func (c *Config) AppName(id string) (string, bool) {
	for _, a := range c.Applications {
		if a.ID == id {
			return a.Name, true
		}
	}
	return "", false
}

// RedisAddr returns host:port for the FastStore connection.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}
