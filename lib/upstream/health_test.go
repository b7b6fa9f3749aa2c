// Copyright 2026 The Memgate Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"errors"
	"testing"
	"time"

	"github.com/memgate/memgate/lib/clock"
)

func TestHealth(t *testing.T) {
	t.Parallel()

	fakeClock := clock.Fake(epoch)
	health := NewHealth(fakeClock)
	if health.Report(0) != StatusHealthy {
		t.Fatal("fresh record is not healthy")
	}

	for range 3 {
		health.RecordFailure(errors.New("HTTP 503"))
	}
	if health.Report(0) != StatusDegraded {
		t.Error("three failures did not reach the default threshold")
	}
	snapshot := health.Snapshot()
	if snapshot.LastError != "HTTP 503" || snapshot.LastFailure == nil || !snapshot.LastFailure.Equal(epoch) {
		t.Errorf("snapshot = %+v", snapshot)
	}

	fakeClock.Advance(time.Minute)
	health.RecordSuccess(250 * time.Millisecond)
	snapshot = health.Snapshot()
	if snapshot.ConsecutiveFailures != 0 || snapshot.Attempts != 4 || snapshot.Failures != 3 || snapshot.LastLatencyMillis != 250 {
		t.Errorf("snapshot after success = %+v", snapshot)
	}
	if health.Report(0) != StatusHealthy {
		t.Error("success did not restore health")
	}

	*snapshot.LastSuccess = time.Time{}
	if again := health.Snapshot(); again.LastSuccess.IsZero() {
		t.Error("Snapshot aliases the record")
	}
}
