package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaVolumeExceeded   = errors.New("quota volume cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the current quota usage counters for an address.
type QuotaNow struct {
	ReqCount   uint32
	VolumeUsed uint64
	WindowID   uint64
}

// Quota defines the limits enforced for a module interaction per address.
// Requests throttle call frequency; the volume cap bounds the stable amount
// an address may move within one window.
type Quota struct {
	MaxRequestsPerWindow uint32
	MaxVolumePerWindow   uint64
	WindowSeconds        uint32
}

// CheckQuota verifies whether the additional request and volume usage fit
// within the configured quota. The returned QuotaNow reflects the updated
// counters when the quota is not exceeded.
func CheckQuota(q Quota, nowWindow uint64, prev QuotaNow, addReq uint32, addVolume uint64) (QuotaNow, error) {
	next := prev
	if prev.WindowID != nowWindow {
		next = QuotaNow{WindowID: nowWindow}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerWindow > 0 && next.ReqCount > q.MaxRequestsPerWindow {
		return prev, ErrQuotaRequestsExceeded
	}

	if addVolume > 0 {
		if next.VolumeUsed > math.MaxUint64-addVolume {
			return prev, ErrQuotaCounterOverflow
		}
		next.VolumeUsed += addVolume
	}
	if q.MaxVolumePerWindow > 0 && next.VolumeUsed > q.MaxVolumePerWindow {
		return prev, ErrQuotaVolumeExceeded
	}

	return next, nil
}
