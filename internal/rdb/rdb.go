// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

// Package rdb encapsulates the interactions with redis.
package rdb

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cast"

	"github.com/relayq/relayq/internal/base"
	"github.com/relayq/relayq/internal/errors"
	"github.com/relayq/relayq/internal/timeutil"
)

const (
	// Number of eligible candidates fetched per claim attempt. A small
	// batch keeps the window for losing ZREM races short without another
	// round trip on every lost race.
	claimBatchSize = 8

	// Page size for the stats SCAN over task record keys.
	statsScanCount = 512

	// DefaultLiveRetention is how long pending/retry/processing records
	// outlive their scheduled window before the store may drop them.
	DefaultLiveRetention = 24 * time.Hour

	// DefaultTerminalRetention is how long completed/failed records are
	// kept for status lookups.
	DefaultTerminalRetention = 2 * time.Hour
)

// RDB is a client interface to query and mutate task queues.
// It implements base.Broker.
type RDB struct {
	client            redis.UniversalClient
	clock             timeutil.Clock
	liveRetention     time.Duration
	terminalRetention time.Duration
}

// NewRDB returns a new instance of RDB.
func NewRDB(client redis.UniversalClient) *RDB {
	return &RDB{
		client:            client,
		clock:             timeutil.NewRealClock(),
		liveRetention:     DefaultLiveRetention,
		terminalRetention: DefaultTerminalRetention,
	}
}

// SetClock sets the clock used by RDB to the given clock.
//
// Use this function to set the clock to SimulatedClock in tests.
func (r *RDB) SetClock(c timeutil.Clock) {
	r.clock = c
}

// SetRetention overrides the record TTLs. Zero values keep the defaults.
func (r *RDB) SetRetention(live, terminal time.Duration) {
	if live > 0 {
		r.liveRetention = live
	}
	if terminal > 0 {
		r.terminalRetention = terminal
	}
}

// Ping checks the connection with redis server.
func (r *RDB) Ping() error {
	return r.client.Ping(context.Background()).Err()
}

// Close closes the connection with redis server.
func (r *RDB) Close() error {
	return r.client.Close()
}

// liveExpiration returns the TTL for a non-terminal record: the record
// must survive until its eligibility time plus the live retention.
func (r *RDB) liveExpiration(rec *base.TaskRecord) time.Duration {
	ttl := r.liveRetention
	if wait := time.Unix(rec.ProcessAfter, 0).Sub(r.clock.Now()); wait > 0 {
		ttl += wait
	}
	return ttl
}

// enqueueCmd persists the record and indexes it in its ready set in one
// server-side step, so a crash cannot leave an orphaned record.
//
// KEYS[1] -> relayq:{<qname>}:t:<task_id>
// KEYS[2] -> relayq:{<qname>}:ready:<priority>
// ARGV[1] -> encoded task record
// ARGV[2] -> record TTL in seconds
// ARGV[3] -> process_after score
// ARGV[4] -> task id
//
// Output:
// Returns 1 if successfully enqueued
// Returns 0 if task ID already exists
var enqueueCmd = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	return 0
end
redis.call("SET", KEYS[1], ARGV[1], "EX", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// Enqueue adds the given task record to the store and its ready set.
func (r *RDB) Enqueue(ctx context.Context, rec *base.TaskRecord) error {
	var op errors.Op = "rdb.Enqueue"
	encoded, err := base.EncodeRecord(rec)
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	keys := []string{
		base.TaskKey(rec.Queue, rec.ID),
		base.ReadyKey(rec.Queue, rec.Priority),
	}
	argv := []interface{}{
		encoded,
		int(r.liveExpiration(rec).Seconds()),
		rec.ProcessAfter,
		rec.ID,
	}
	n, err := enqueueCmd.Run(ctx, r.client, keys, argv...).Int64()
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if n == 0 {
		return errors.E(op, errors.AlreadyExists, errors.ErrTaskIDConflict)
	}
	return nil
}

// Claim takes one eligible task from the given (queue, priority) ready
// set and transitions it to processing under a lease.
//
// The take is remove-then-verify: each candidate id is ZREM'ed from the
// ready set and the claim is trusted only if the removal count is 1.
// A removal count of 0 means a concurrent worker already took the id,
// and the next candidate is tried instead. This discipline is what
// keeps delivery at-most-once across workers and processes.
func (r *RDB) Claim(ctx context.Context, qname string, p base.Priority, leaseExpiresAt time.Time) (*base.TaskRecord, error) {
	var op errors.Op = "rdb.Claim"
	now := r.clock.Now()
	readyKey := base.ReadyKey(qname, p)
	ids, err := r.client.ZRangeByScore(ctx, readyKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    strconv.FormatInt(now.Unix(), 10),
		Offset: 0,
		Count:  claimBatchSize,
	}).Result()
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	for _, id := range ids {
		removed, err := r.client.ZRem(ctx, readyKey, id).Result()
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		if removed == 0 {
			// Lost the race to another worker. Move on.
			continue
		}
		data, err := r.client.Get(ctx, base.TaskKey(qname, id)).Result()
		if err == redis.Nil {
			// Record expired with a stale ready-set entry. Nothing to claim.
			continue
		}
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		rec, err := base.DecodeRecord([]byte(data))
		if err != nil {
			continue
		}
		rec.Status = base.StatusProcessing
		rec.ProcessingStartedAt = now.Unix()
		rec.LeaseExpiresAt = leaseExpiresAt.Unix()
		if err := r.setRecord(ctx, rec, r.liveExpiration(rec)); err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		err = r.client.ZAdd(ctx, base.LeaseKey(qname), redis.Z{
			Score:  float64(leaseExpiresAt.Unix()),
			Member: id,
		}).Err()
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		return rec, nil
	}
	return nil, errors.E(op, errors.NotFound, errors.ErrNoTaskAvailable)
}

func (r *RDB) setRecord(ctx context.Context, rec *base.TaskRecord, ttl time.Duration) error {
	encoded, err := base.EncodeRecord(rec)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, base.TaskKey(rec.Queue, rec.ID), encoded, ttl).Err()
}

// MarkCompleted finalizes the task in the terminal completed state,
// releases its lease, and bumps the processed counter.
func (r *RDB) MarkCompleted(ctx context.Context, qname, id string, result []byte) error {
	var op errors.Op = "rdb.MarkCompleted"
	rec, err := r.GetRecord(ctx, qname, id)
	if err != nil {
		return err
	}
	rec.Status = base.StatusCompleted
	rec.CompletedAt = r.clock.Now().Unix()
	rec.LeaseExpiresAt = 0
	if len(result) > 0 {
		rec.Result = result
	}
	if err := r.setRecord(ctx, rec, r.terminalRetention); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if err := r.client.ZRem(ctx, base.LeaseKey(qname), id).Err(); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if err := r.client.Incr(ctx, base.ProcessedTotalKey(qname)).Err(); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	return nil
}

// Retry reschedules the given task to become eligible again at
// processAt: status retry, lease released, reinserted into its ready
// set scored by processAt.
func (r *RDB) Retry(ctx context.Context, rec *base.TaskRecord, processAt time.Time, errMsg string) error {
	var op errors.Op = "rdb.Retry"
	rec.Status = base.StatusRetry
	rec.ProcessAfter = processAt.Unix()
	rec.LastFailedAt = r.clock.Now().Unix()
	rec.LastError = errMsg
	rec.LeaseExpiresAt = 0
	if err := r.setRecord(ctx, rec, r.liveExpiration(rec)); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if err := r.client.ZRem(ctx, base.LeaseKey(rec.Queue), rec.ID).Err(); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	err := r.client.ZAdd(ctx, base.ReadyKey(rec.Queue, rec.Priority), redis.Z{
		Score:  float64(processAt.Unix()),
		Member: rec.ID,
	}).Err()
	if err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	return nil
}

// Fail finalizes the task in the terminal failed state, releases its
// lease, and bumps the failed counter. The task is never reinserted
// into a ready set.
func (r *RDB) Fail(ctx context.Context, rec *base.TaskRecord, errMsg string) error {
	var op errors.Op = "rdb.Fail"
	rec.Status = base.StatusFailed
	rec.LastFailedAt = r.clock.Now().Unix()
	rec.LastError = errMsg
	rec.LeaseExpiresAt = 0
	if err := r.setRecord(ctx, rec, r.terminalRetention); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if err := r.client.ZRem(ctx, base.LeaseKey(rec.Queue), rec.ID).Err(); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	if err := r.client.Incr(ctx, base.FailedTotalKey(rec.Queue)).Err(); err != nil {
		return errors.E(op, errors.Unavailable, err)
	}
	return nil
}

// GetRecord fetches the task record for the given queue and id.
func (r *RDB) GetRecord(ctx context.Context, qname, id string) (*base.TaskRecord, error) {
	var op errors.Op = "rdb.GetRecord"
	data, err := r.client.Get(ctx, base.TaskKey(qname, id)).Result()
	if err == redis.Nil {
		return nil, errors.E(op, errors.NotFound, errors.ErrTaskNotFound)
	}
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	rec, err := base.DecodeRecord([]byte(data))
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return rec, nil
}

// WriteResult stores handler output on the record, preserving the
// record's remaining TTL and lifecycle state.
func (r *RDB) WriteResult(ctx context.Context, qname, id string, data []byte) (int, error) {
	var op errors.Op = "rdb.WriteResult"
	rec, err := r.GetRecord(ctx, qname, id)
	if err != nil {
		return 0, err
	}
	rec.Result = data
	ttl, err := r.client.TTL(ctx, base.TaskKey(qname, id)).Result()
	if err != nil {
		return 0, errors.E(op, errors.Unavailable, err)
	}
	if ttl <= 0 {
		ttl = r.liveRetention
	}
	if err := r.setRecord(ctx, rec, ttl); err != nil {
		return 0, errors.E(op, errors.Unavailable, err)
	}
	return len(data), nil
}

// ListLeaseExpired returns claimed records across the given queues
// whose lease deadline is not after the cutoff. Stale lease entries
// whose record already expired are pruned along the way.
func (r *RDB) ListLeaseExpired(ctx context.Context, cutoff time.Time, qnames ...string) ([]*base.TaskRecord, error) {
	var op errors.Op = "rdb.ListLeaseExpired"
	var recs []*base.TaskRecord
	for _, qname := range qnames {
		leaseKey := base.LeaseKey(qname)
		ids, err := r.client.ZRangeByScore(ctx, leaseKey, &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff.Unix(), 10),
		}).Result()
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		for _, id := range ids {
			rec, err := r.GetRecord(ctx, qname, id)
			if errors.IsTaskNotFound(err) {
				if err := r.client.ZRem(ctx, leaseKey, id).Err(); err != nil {
					return nil, errors.E(op, errors.Unavailable, err)
				}
				continue
			}
			if err != nil {
				return nil, err
			}
			recs = append(recs, rec)
		}
	}
	return recs, nil
}

// CurrentStats returns a current state of the given queue: ready-set
// sizes per tier, record counts per status, and running totals.
//
// The per-status tally is an O(n) scan over stored records; fine for
// operational dashboards, not for hot-path decisions.
func (r *RDB) CurrentStats(ctx context.Context, qname string) (*base.QueueStats, error) {
	var op errors.Op = "rdb.CurrentStats"
	stats := &base.QueueStats{
		Queue: qname,
		Ready: make(map[base.Priority]int, len(base.PrioritiesHighFirst)),
	}
	for _, p := range base.PrioritiesHighFirst {
		n, err := r.client.ZCard(ctx, base.ReadyKey(qname, p)).Result()
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		stats.Ready[p] = int(n)
	}
	iter := r.client.Scan(ctx, 0, base.TaskKeyPrefix(qname)+"*", statsScanCount).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Result()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, errors.E(op, errors.Unavailable, err)
		}
		rec, err := base.DecodeRecord([]byte(data))
		if err != nil {
			continue
		}
		switch rec.Status {
		case base.StatusPending:
			stats.Pending++
		case base.StatusProcessing:
			stats.Processing++
		case base.StatusRetry:
			stats.Retry++
		case base.StatusCompleted:
			stats.Completed++
		case base.StatusFailed:
			stats.Failed++
		}
	}
	if err := iter.Err(); err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	processed, err := r.counterValue(ctx, base.ProcessedTotalKey(qname))
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	failed, err := r.counterValue(ctx, base.FailedTotalKey(qname))
	if err != nil {
		return nil, errors.E(op, errors.Unavailable, err)
	}
	stats.ProcessedTotal = processed
	stats.FailedTotal = failed
	return stats, nil
}

func (r *RDB) counterValue(ctx context.Context, key string) (int64, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return cast.ToInt64E(val)
}
