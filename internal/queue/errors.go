package queue

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when a job or dead-letter item is not found
	ErrItemNotFound = errors.New("item not found")

	// ErrStaleDelivery is returned when settling a delivery whose entry was
	// already settled or reclaimed by another consumer
	ErrStaleDelivery = fmt.Errorf("%w: delivery no longer owns the job", ErrItemNotFound)

	// ErrMaxRetriesExceeded is recorded when a job exhausts its attempts
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrInvalidJob is returned when enqueuing a job without an ID
	ErrInvalidJob = errors.New("job id is required")
)
