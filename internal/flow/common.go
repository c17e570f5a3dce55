package flow

import "time"

// Source tells where a resolved value came from.
type Source int

const (
	ServedCached   Source = iota // ServedCached is a fresh cache hit, no network call.
	ServedFresh                  // ServedFresh was fetched from the server during this call.
	ServedNegative               // ServedNegative is the default from a key-not-found marker.
	ServedDefault                // ServedDefault is the default after a failed fetch or download.
)

var SourceTextMap = map[Source]string{
	ServedCached:   "cached",
	ServedFresh:    "fresh",
	ServedNegative: "negative",
	ServedDefault:  "default",
}

func (s Source) String() string { return SourceTextMap[s] }

var timeNow = time.Now

func SetTimeNowFn(f func() time.Time) {
	timeNow = f
}

func RestoreTimeNow() {
	timeNow = time.Now
}
