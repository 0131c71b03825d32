package stream

import "github.com/jroosing/streamgate/internal/apierr"

// RangeSpec is the chunk-aligned fetch plan for an inclusive HTTP byte
// range [From, Until] against a file of the given size, computed per
// spec.md S4.4.
type RangeSpec struct {
	From      int64
	Until     int64
	Offset    int64 // chunk-aligned start offset for the first GetFile call
	FirstCut  int64 // bytes to skip in the first fetched chunk
	LastCut   int64 // bytes to keep in the last fetched chunk (1..chunkSize)
	PartCount int   // number of chunk-sized GetFile calls required
	Length    int64 // until - from + 1
}

// ComputeRange validates and computes the range arithmetic for a request.
// from and until are inclusive byte offsets; until has already had any
// "open-ended" Range header default (size-1) applied by the caller.
func ComputeRange(from, until, size, chunkSize int64) (RangeSpec, error) {
	if chunkSize <= 0 {
		return RangeSpec{}, apierr.ErrUnavailable
	}
	if from < 0 || until < from || until > size-1 {
		return RangeSpec{}, &apierr.RangeNotSatisfiableError{Size: size}
	}

	reqOffset := (from / chunkSize) * chunkSize
	firstCut := from - reqOffset
	lastCut := (until % chunkSize) + 1

	partCount := int(until/chunkSize - reqOffset/chunkSize + 1)

	return RangeSpec{
		From:      from,
		Until:     until,
		Offset:    reqOffset,
		FirstCut:  firstCut,
		LastCut:   lastCut,
		PartCount: partCount,
		Length:    until - from + 1,
	}, nil
}
