package common

import (
	"errors"
	"testing"
)

func TestCheckQuotaRequestLimit(t *testing.T) {
	q := Quota{MaxRequestsPerWindow: 10}
	prev := QuotaNow{WindowID: 1}

	next, err := CheckQuota(q, 1, prev, 10, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.ReqCount != 10 {
		t.Fatalf("unexpected request count: %d", next.ReqCount)
	}

	denied, err := CheckQuota(q, 1, next, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 2, next, 1, 0)
	if err != nil {
		t.Fatalf("unexpected error after window rollover: %v", err)
	}
	if rollover.WindowID != 2 || rollover.ReqCount != 1 {
		t.Fatalf("unexpected state after rollover: %+v", rollover)
	}
}

func TestCheckQuotaVolume(t *testing.T) {
	q := Quota{MaxVolumePerWindow: 1000}
	prev := QuotaNow{WindowID: 5}

	next, err := CheckQuota(q, 5, prev, 0, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.VolumeUsed != 1000 {
		t.Fatalf("unexpected volume used: %d", next.VolumeUsed)
	}

	denied, err := CheckQuota(q, 5, next, 0, 1)
	if !errors.Is(err, ErrQuotaVolumeExceeded) {
		t.Fatalf("expected ErrQuotaVolumeExceeded, got %v", err)
	}
	if denied != next {
		t.Fatalf("expected counters to remain unchanged on denial")
	}

	rollover, err := CheckQuota(q, 6, next, 0, 500)
	if err != nil {
		t.Fatalf("unexpected error after window rollover: %v", err)
	}
	if rollover.VolumeUsed != 500 {
		t.Fatalf("unexpected volume used after rollover: %d", rollover.VolumeUsed)
	}
}
