package s3

import (
	"sync/atomic"
)

// BackendMetrics is a snapshot of S3 request counters.
type BackendMetrics struct {
	Requests        int64 `json:"requests"`
	Errors          int64 `json:"errors"`
	BytesUploaded   int64 `json:"bytes_uploaded"`
	BytesDownloaded int64 `json:"bytes_downloaded"`
	CargoshipPuts   int64 `json:"cargoship_puts"`
}

type counters struct {
	requests        atomic.Int64
	errors          atomic.Int64
	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	cargoshipPuts   atomic.Int64
}

func (c *counters) request(err error) {
	c.requests.Add(1)
	if err != nil {
		c.errors.Add(1)
	}
}

func (c *counters) snapshot() BackendMetrics {
	return BackendMetrics{
		Requests:        c.requests.Load(),
		Errors:          c.errors.Load(),
		BytesUploaded:   c.bytesUploaded.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
		CargoshipPuts:   c.cargoshipPuts.Load(),
	}
}
