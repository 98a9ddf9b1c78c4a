// Package consolidate merges raw detector output across overlapping camera
// views into a single deduplicated event timeline on the session clock.
package consolidate

import (
	"fmt"
	"sort"

	"github.com/example/matchcut/internal/state"
)

// Detection is one raw detector emission, already re-based onto the session
// clock via the alignment plan.
type Detection struct {
	Type       string
	CameraID   string
	StartMS    int64
	EndMS      int64
	Confidence float64
}

func (d Detection) midMS() int64 { return (d.StartMS + d.EndMS) / 2 }

// Consolidate buckets detections into fixed windows per event type. Two
// detections of the same type whose midpoints fall in the same or adjacent
// bucket merge into one event: confidence is the max observed, the span is
// the union of time ranges, and contributing cameras accumulate. Detections
// further apart never merge, so two genuine events of the same type stay
// distinct.
func Consolidate(sessionID string, detections []Detection, bucketMS int64) []state.EventRecord {
	if bucketMS <= 0 {
		bucketMS = 1000
	}
	byType := make(map[string][]Detection)
	for _, d := range detections {
		byType[d.Type] = append(byType[d.Type], d)
	}
	types := make([]string, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Strings(types)

	out := make([]state.EventRecord, 0, len(detections))
	for _, eventType := range types {
		group := byType[eventType]
		sort.Slice(group, func(i, j int) bool {
			if group[i].midMS() != group[j].midMS() {
				return group[i].midMS() < group[j].midMS()
			}
			return group[i].CameraID < group[j].CameraID
		})

		var cur *state.EventRecord
		lastBucket := int64(0)
		for _, d := range group {
			b := bucketOf(d.midMS(), bucketMS)
			if cur != nil && b-lastBucket <= 1 {
				if d.StartMS < cur.StartMS {
					cur.StartMS = d.StartMS
				}
				if d.EndMS > cur.EndMS {
					cur.EndMS = d.EndMS
				}
				if d.Confidence > cur.Confidence {
					cur.Confidence = d.Confidence
				}
				cur.Cameras = addCamera(cur.Cameras, d.CameraID)
			} else {
				if cur != nil {
					out = append(out, *cur)
				}
				cur = &state.EventRecord{
					SessionID:  sessionID,
					Type:       eventType,
					DedupKey:   fmt.Sprintf("%s@%d", eventType, b),
					StartMS:    d.StartMS,
					EndMS:      d.EndMS,
					Confidence: d.Confidence,
					Cameras:    []string{d.CameraID},
				}
			}
			lastBucket = b
		}
		if cur != nil {
			out = append(out, *cur)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartMS != out[j].StartMS {
			return out[i].StartMS < out[j].StartMS
		}
		return out[i].Type < out[j].Type
	})
	return out
}

func bucketOf(midMS, bucketMS int64) int64 {
	b := midMS / bucketMS
	if midMS < 0 && midMS%bucketMS != 0 {
		b--
	}
	return b
}

func addCamera(cameras []string, cameraID string) []string {
	for _, c := range cameras {
		if c == cameraID {
			return cameras
		}
	}
	cameras = append(cameras, cameraID)
	sort.Strings(cameras)
	return cameras
}
