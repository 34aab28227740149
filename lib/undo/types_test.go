// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package undo

import (
	"encoding/json"
	"testing"
	"time"
)

func TestStepRecordJSONRoundTrip(t *testing.T) {
	t.Parallel()
	record := StepRecord{
		ID:        -4,
		Kind:      KindAmbient,
		Status:    StatusCancelled,
		StartTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Entries:   2,
	}
	data, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded StepRecord
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal %s: %v", data, err)
	}
	if decoded.Status != StatusCancelled || decoded.Kind != KindAmbient || decoded.ID != -4 {
		t.Errorf("decoded = %+v from %s", decoded, data)
	}

	var status StepStatus
	if err := status.UnmarshalText([]byte("paused")); err == nil {
		t.Error("UnmarshalText accepted an unknown status")
	}
}
