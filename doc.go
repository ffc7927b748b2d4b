// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

/*
Package relayq provides a distributed priority task queue backed by Redis.

RelayQ decouples request handlers from slow or bursty backing writes by
offloading them to asynchronous workers. Tasks carry a priority tier
(critical, high, normal, low), are delivered at most once to concurrent
consumers, and are retried with exponential backoff on failure.

# Data model

Each named queue is partitioned into four priority tiers. Every tier has
a ready set: a Redis sorted set of task ids scored by the task's
earliest eligible processing time, which makes delayed tasks and retry
backoff the same mechanism. Task records are JSON documents stored under
per-queue keys with a TTL; completed and failed records are kept for a
short retention window for status lookups, then dropped by the store.

Claiming a task is a remove-then-verify sequence: a worker removes a
candidate id from its ready set and trusts the claim only if the removal
count says it actually removed the entry. Losing the race to another
worker simply moves the scan to the next candidate, so two workers never
process the same task concurrently.

# Quick start

Producing tasks:

	engine, err := relayq.NewEngine(redisClient, relayq.EngineConfig{
		Queues: []string{"default", "critical"},
	})
	if err != nil {
		log.Fatal(err)
	}
	defer engine.Close()

	payload, _ := json.Marshal(map[string]string{"to": "a@b.com"})
	id, err := engine.Enqueue(ctx, "default", "send_email", payload,
		relayq.WithPriority(relayq.PriorityHigh),
		relayq.WithDelay(5*time.Minute),
	)

Processing tasks:

	registry := relayq.NewRegistry()
	registry.RegisterFunc("send_email", func(ctx context.Context, t *relayq.Task) error {
		var p struct {
			To string `json:"to"`
		}
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			return err
		}
		return mailer.Send(ctx, p.To)
	})

	srv := relayq.NewServer(engine, relayq.Config{
		Queues: map[string]int{
			"critical": 3,
			"default":  2,
		},
	})
	if err := srv.Run(registry); err != nil {
		log.Fatal(err)
	}

Task types without a registered handler fall back to a generic CRUD
handler when the registry is built with a DataSink:

	registry := relayq.NewRegistry(relayq.WithDataSink(relayq.NewMongoSink(db)))

The fallback interprets the payload as
{"operation": "insert|update|delete|find", "collection": ..., "data"|"query"|"update_data": ...}.

# Lifecycle

A task moves pending/retry -> processing -> completed, or back to retry
with backoff min(60*2^n, 3600) seconds on failure until its attempts are
exhausted, at which point it rests in the terminal failed state with its
last error recorded. Claimed tasks carry a lease; a janitor reschedules
tasks whose worker died holding the lease.

Observability is pull-based: callers poll Engine.TaskStatus and
Engine.QueueStats. The included cmd/relayqd binary wraps the engine in a
small HTTP facade with enqueue, status, and stats endpoints.
*/
package relayq
