package scheduler

import (
	"sort"

	"github.com/gekko3d/lumen/surfacecache/rt/cull"
)

// BucketFunc maps a request distance to its histogram bucket.
type BucketFunc func(distance float32) int

// SelectRequests returns the maxRequests nearest requests, nearest first.
//
// The histogram gives the bucket where the budget runs out. Requests in
// nearer buckets are admitted without sorting; only the cutoff bucket is
// sorted to pick the nearest of its members.
func SelectRequests(requests []cull.Request, histogram []int, maxRequests int, bucket BucketFunc) []cull.Request {
	if maxRequests <= 0 || len(requests) == 0 {
		return nil
	}

	total := 0
	for _, n := range histogram {
		total += n
	}
	if total <= maxRequests || len(histogram) == 0 {
		out := append([]cull.Request(nil), requests...)
		sortByDistance(out)
		if len(out) > maxRequests {
			out = out[:maxRequests]
		}
		return out
	}

	cutoff := len(histogram) - 1
	fromCutoff := maxRequests
	running := 0
	for b, n := range histogram {
		if running+n >= maxRequests {
			cutoff = b
			fromCutoff = maxRequests - running
			break
		}
		running += n
	}

	out := make([]cull.Request, 0, maxRequests)
	var partial []cull.Request
	for _, r := range requests {
		switch b := bucket(r.Distance); {
		case b < cutoff:
			out = append(out, r)
		case b == cutoff:
			partial = append(partial, r)
		}
	}
	sortByDistance(partial)
	out = append(out, partial[:min(fromCutoff, len(partial))]...)
	sortByDistance(out)
	if len(out) > maxRequests {
		out = out[:maxRequests]
	}
	return out
}

func sortByDistance(reqs []cull.Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		if reqs[i].Distance != reqs[j].Distance {
			return reqs[i].Distance < reqs[j].Distance
		}
		return reqs[i].CardIndex < reqs[j].CardIndex
	})
}
