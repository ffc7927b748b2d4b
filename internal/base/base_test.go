// Copyright 2020 Kentaro Hibino. All rights reserved.
// Use of this source code is governed by a MIT license
// that can be found in the LICENSE file.

package base

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueKeys(t *testing.T) {
	tests := []struct {
		qname string
		id    string
		want  string
	}{
		{"default", "sample_task_id", "relayq:{default}:t:sample_task_id"},
		{"custom", "alpha", "relayq:{custom}:t:alpha"},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, TaskKey(tc.qname, tc.id))
	}
	assert.Equal(t, "relayq:{default}:ready:critical", ReadyKey("default", PriorityCritical))
	assert.Equal(t, "relayq:{default}:ready:low", ReadyKey("default", PriorityLow))
	assert.Equal(t, "relayq:{custom}:lease", LeaseKey("custom"))
	assert.Equal(t, "relayq:{default}:processed", ProcessedTotalKey("default"))
	assert.Equal(t, "relayq:{default}:failed", FailedTotalKey("default"))
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.NoError(t, ValidateQueueName("low-priority"))
	assert.Error(t, ValidateQueueName(""))
	assert.Error(t, ValidateQueueName("   "))
}

func TestPriorityRoundTrip(t *testing.T) {
	for _, p := range PrioritiesHighFirst {
		got, err := PriorityFromString(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := PriorityFromString("urgent")
	assert.Error(t, err)
}

func TestPriorityScanOrder(t *testing.T) {
	require.Len(t, PrioritiesHighFirst, 4)
	for i := 0; i < len(PrioritiesHighFirst)-1; i++ {
		assert.Greater(t, int(PrioritiesHighFirst[i]), int(PrioritiesHighFirst[i+1]))
	}
}

func TestStatusRoundTrip(t *testing.T) {
	statuses := []Status{StatusPending, StatusProcessing, StatusRetry, StatusCompleted, StatusFailed}
	for _, s := range statuses {
		got, err := StatusFromString(s.String())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
	_, err := StatusFromString("archived")
	assert.Error(t, err)
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
	assert.False(t, StatusRetry.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestEncodeDecodeRecord(t *testing.T) {
	rec := &TaskRecord{
		ID:           "task-1",
		Queue:        "default",
		Type:         "email:send",
		Payload:      json.RawMessage(`{"user_id":42}`),
		Priority:     PriorityHigh,
		Status:       StatusRetry,
		Attempts:     2,
		MaxAttempts:  5,
		CreatedAt:    1700000000,
		ProcessAfter: 1700000300,
		LastError:    "smtp timeout",
	}
	data, err := EncodeRecord(rec)
	require.NoError(t, err)
	got, err := DecodeRecord(data)
	require.NoError(t, err)
	assert.Equal(t, rec, got)
}

func TestEncodeRecordNil(t *testing.T) {
	_, err := EncodeRecord(nil)
	assert.Error(t, err)
}

// Enum fields must serialize as names so stored records and API
// responses stay readable, including priorities used as map keys.
func TestEnumJSONText(t *testing.T) {
	data, err := json.Marshal(map[Priority]int{PriorityCritical: 3})
	require.NoError(t, err)
	assert.JSONEq(t, `{"critical": 3}`, string(data))

	data, err = json.Marshal(struct {
		P Priority `json:"priority"`
		S Status   `json:"status"`
	}{PriorityLow, StatusProcessing})
	require.NoError(t, err)
	assert.JSONEq(t, `{"priority": "low", "status": "processing"}`, string(data))

	var out struct {
		P Priority `json:"priority"`
		S Status   `json:"status"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"priority":"high","status":"failed"}`), &out))
	assert.Equal(t, PriorityHigh, out.P)
	assert.Equal(t, StatusFailed, out.S)
}
