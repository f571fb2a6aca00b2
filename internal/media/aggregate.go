package media

// RequestStatus is the computed aggregate of a request's item statuses.
type RequestStatus string

const (
	RequestPending    RequestStatus = "pending"
	RequestProcessing RequestStatus = "processing"
	RequestSearching  RequestStatus = "searching"
	RequestDelivered  RequestStatus = "delivered"
	RequestPartial    RequestStatus = "partial"
	RequestFailed     RequestStatus = "failed"
	RequestReview     RequestStatus = "review"
	RequestCancelled  RequestStatus = "cancelled"
)

// ComputeRequestStatus derives the aggregate status for a request from its
// items. The aggregate is recomputed on demand so item-level and
// request-level views cannot drift.
func ComputeRequestStatus(items []Item) RequestStatus {
	if len(items) == 0 {
		return RequestPending
	}

	var (
		delivered int
		failed    int
		cancelled int
		review    int
		searching int
		active    int
	)
	for _, item := range items {
		switch {
		case item.Status == StatusDelivered:
			delivered++
		case item.Status == StatusFailed:
			failed++
		case item.Status == StatusCancelled:
			cancelled++
		case item.Status == StatusReview:
			review++
		case item.Status == StatusSearching:
			searching++
		default:
			active++
		}
	}

	switch {
	case active > 0:
		return RequestProcessing
	case searching > 0:
		return RequestSearching
	case review > 0:
		return RequestReview
	case delivered == len(items):
		return RequestDelivered
	case delivered > 0:
		return RequestPartial
	case failed > 0:
		return RequestFailed
	case cancelled > 0:
		return RequestCancelled
	default:
		return RequestPending
	}
}
