package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// MaxImg2VidWorkers caps the split of one img2vid job. On a 3-worker
// fleet the cap keeps one worker free for short jobs, which beats a
// greedy split on aggregate throughput. Raising it changes the
// head-of-line-skip behavior; do not bump it casually.
const MaxImg2VidWorkers = 2

// imagesPerWorker is the chunk size threshold for img2vid splitting.
const imagesPerWorker = 15

// img2vidSingleWorkerMax is the largest images array a single worker
// takes on its own.
const img2vidSingleWorkerMax = 30

// ImageCount returns len(payload.images), or 0 when the field is
// absent or malformed. This is one of only two payload fields the
// core ever inspects.
func ImageCount(payload json.RawMessage) int {
	var probe struct {
		Images []json.RawMessage `json:"images"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return 0
	}
	return len(probe.Images)
}

// SizeReservation computes how many remote workers a job debits from
// the global counter. Local-pool jobs are unit-cost against their own
// semaphore and always size to 1.
func SizeReservation(operation string, payload json.RawMessage) int {
	if operation != OpImg2Vid {
		return 1
	}
	n := ImageCount(payload)
	if n <= img2vidSingleWorkerMax {
		return 1
	}
	needed := (n + imagesPerWorker - 1) / imagesPerWorker
	if needed > MaxImg2VidWorkers {
		needed = MaxImg2VidWorkers
	}
	return needed
}

// SplitSubmissions partitions a job payload into workers contiguous
// chunk payloads. Chunk k carries the original payload with "images"
// replaced by its slice and "start_index" set to the global offset;
// the executor uses start_index to number its outputs. For a
// single-worker job the original payload is forwarded untouched.
func SplitSubmissions(payload json.RawMessage, workers int) ([]json.RawMessage, error) {
	if workers <= 1 {
		return []json.RawMessage{payload}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("op=domain.SplitSubmissions: payload: %w", err)
	}
	var images []json.RawMessage
	if err := json.Unmarshal(fields["images"], &images); err != nil {
		return nil, fmt.Errorf("op=domain.SplitSubmissions: images: %w", err)
	}
	chunkSize := (len(images) + workers - 1) / workers
	chunks := make([]json.RawMessage, 0, workers)
	for start := 0; start < len(images); start += chunkSize {
		end := start + chunkSize
		if end > len(images) {
			end = len(images)
		}
		part := make(map[string]json.RawMessage, len(fields)+1)
		for k, v := range fields {
			part[k] = v
		}
		imgs, err := json.Marshal(images[start:end])
		if err != nil {
			return nil, fmt.Errorf("op=domain.SplitSubmissions: chunk: %w", err)
		}
		part["images"] = imgs
		part["start_index"] = json.RawMessage(strconv.Itoa(start))
		buf, err := json.Marshal(part)
		if err != nil {
			return nil, fmt.Errorf("op=domain.SplitSubmissions: chunk: %w", err)
		}
		chunks = append(chunks, buf)
	}
	return chunks, nil
}

var videoSuffixRe = regexp.MustCompile(`video_(\d+)\.mp4`)

// AggregateChunkOutputs merges the outputs of a multi-chunk img2vid
// job. All "videos" arrays are flattened and sorted ascending by the
// numeric suffix of each entry's filename (video_<k>.mp4). For a
// single chunk the executor output is returned verbatim.
func AggregateChunkOutputs(outputs []json.RawMessage) (json.RawMessage, error) {
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	type entry struct {
		raw json.RawMessage
		ord int
	}
	var all []entry
	for _, out := range outputs {
		var probe struct {
			Videos []json.RawMessage `json:"videos"`
		}
		if err := json.Unmarshal(out, &probe); err != nil {
			return nil, fmt.Errorf("op=domain.AggregateChunkOutputs: chunk output: %w", err)
		}
		for _, v := range probe.Videos {
			var meta struct {
				Filename string `json:"filename"`
			}
			ord := int(^uint(0) >> 1)
			if err := json.Unmarshal(v, &meta); err == nil {
				if m := videoSuffixRe.FindStringSubmatch(meta.Filename); m != nil {
					if n, err := strconv.Atoi(m[1]); err == nil {
						ord = n
					}
				}
			}
			all = append(all, entry{raw: v, ord: ord})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].ord < all[j].ord })
	videos := make([]json.RawMessage, len(all))
	for i, e := range all {
		videos[i] = e.raw
	}
	agg := struct {
		Code    int               `json:"code"`
		Message string            `json:"message"`
		Videos  []json.RawMessage `json:"videos"`
	}{
		Code:    200,
		Message: fmt.Sprintf("%d videos processed successfully", len(videos)),
		Videos:  videos,
	}
	buf, err := json.Marshal(agg)
	if err != nil {
		return nil, fmt.Errorf("op=domain.AggregateChunkOutputs: %w", err)
	}
	return buf, nil
}

// QueueGrace is added to the execution budget while a job has not yet
// begun executing on the remote side.
const QueueGrace = 60 * time.Minute

var executionBudgets = map[string]time.Duration{
	OpImg2Vid:          45 * time.Minute,
	OpConcatenate:      20 * time.Minute,
	OpConcatVideoAudio: 15 * time.Minute,
	OpTrilhaSonora:     15 * time.Minute,
	OpAddAudio:         10 * time.Minute,
	OpCaptionSegments:  10 * time.Minute,
	OpCaptionHighlight: 10 * time.Minute,
}

// defaultExecutionBudget applies to operations without a dedicated
// entry (e.g. transcribe).
const defaultExecutionBudget = 30 * time.Minute

// ExecutionBudget returns the pure-execution timeout for an operation.
// Queue time is covered separately by QueueGrace.
func ExecutionBudget(operation string) time.Duration {
	if d, ok := executionBudgets[operation]; ok {
		return d
	}
	return defaultExecutionBudget
}
