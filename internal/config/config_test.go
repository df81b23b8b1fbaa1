// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("EXECUTION_MAX_PARALLEL_TASKS")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Execution.MaxParallelTasks != 200 {
		t.Fatalf("expected default max_parallel_tasks 200, got %d", cfg.Execution.MaxParallelTasks)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
	if cfg.Broker.TasksQueue != "tasks" || cfg.Broker.BatchJobsQueue != "batch_jobs" {
		t.Fatalf("unexpected default queue names: %+v", cfg.Broker)
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Execution.MaxParallelTasks = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for execution.max_parallel_tasks < 1")
	}

	cfg = defaultConfig()
	cfg.Execution.HeartbeatTTL = 3 * time.Second
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for heartbeat ttl < 5s")
	}

	cfg = defaultConfig()
	cfg.Ingestion.ChunkSize = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for ingestion.chunk_size < 1")
	}

	cfg = defaultConfig()
	cfg.EventStore.Addresses = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing event_store addresses")
	}

	cfg = defaultConfig()
	cfg.ObjectStore.Bucket = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing object_store bucket")
	}

	cfg = defaultConfig()
	cfg.Upstream.BaseURL = ""
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for missing upstream base_url")
	}
}

func TestBrokerURL(t *testing.T) {
	b := Broker{Host: "rabbit", Port: 5672, User: "u", Pass: "p", VHost: "/"}
	if got, want := b.URL(), "amqp://u:p@rabbit:5672/"; got != want {
		t.Fatalf("URL() = %q, want %q", got, want)
	}
}
