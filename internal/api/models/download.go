package models

// CachedHeaders is the snapshot stored under dl_{id}_init in the response
// cache: header values only, per spec.md S4.5 step 1/8 and S9's note that
// this caches headers with an empty body.
type CachedHeaders struct {
	Status             int
	ContentType        string
	ContentRange       string
	ContentLength      string
	ContentDisposition string
	AcceptRanges       string
	CacheControl       string
}

// ThumbNotice is returned from /thumb/{id} when thumbnail serving is
// disabled or not elaborated for the requested file.
type ThumbNotice struct {
	Thumbnail string `json:"thumbnail"`
}
