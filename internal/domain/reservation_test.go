package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"
)

func imagesPayload(n int) json.RawMessage {
	imgs := make([]string, n)
	for i := range imgs {
		imgs[i] = fmt.Sprintf("https://cdn.example.com/frames/%d.png", i)
	}
	buf, _ := json.Marshal(map[string]any{"images": imgs, "fps": 24})
	return buf
}

func TestSizeReservation(t *testing.T) {
	tests := []struct {
		name    string
		op      string
		payload json.RawMessage
		want    int
	}{
		{"non img2vid always one", OpConcatenate, imagesPayload(100), 1},
		{"img2vid small", OpImg2Vid, imagesPayload(10), 1},
		{"img2vid boundary thirty", OpImg2Vid, imagesPayload(30), 1},
		{"img2vid thirty one splits", OpImg2Vid, imagesPayload(31), 2},
		{"img2vid sixty capped at two", OpImg2Vid, imagesPayload(60), 2},
		{"img2vid huge stays capped", OpImg2Vid, imagesPayload(500), 2},
		{"img2vid missing images", OpImg2Vid, json.RawMessage(`{"fps":24}`), 1},
		{"img2vid malformed payload", OpImg2Vid, json.RawMessage(`not json`), 1},
		{"local variant unit cost", OpImg2Vid + LocalSuffix, imagesPayload(60), 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := SizeReservation(tc.op, tc.payload); got != tc.want {
				t.Fatalf("SizeReservation(%s) = %d, want %d", tc.op, got, tc.want)
			}
		})
	}
}

func TestSplitSubmissions_Sixty(t *testing.T) {
	payload := imagesPayload(60)
	chunks, err := SplitSubmissions(payload, 2)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	var total []string
	wantStarts := []int{0, 30}
	for i, chunk := range chunks {
		var got struct {
			Images     []string `json:"images"`
			StartIndex *int     `json:"start_index"`
			FPS        int      `json:"fps"`
		}
		if err := json.Unmarshal(chunk, &got); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if len(got.Images) != 30 {
			t.Fatalf("chunk %d: expected 30 images, got %d", i, len(got.Images))
		}
		if got.StartIndex == nil || *got.StartIndex != wantStarts[i] {
			t.Fatalf("chunk %d: start_index = %v, want %d", i, got.StartIndex, wantStarts[i])
		}
		if got.FPS != 24 {
			t.Fatalf("chunk %d: sibling field fps dropped", i)
		}
		total = append(total, got.Images...)
	}
	// Concatenation of chunk images must equal the original array in order.
	var orig struct {
		Images []string `json:"images"`
	}
	_ = json.Unmarshal(payload, &orig)
	if len(total) != len(orig.Images) {
		t.Fatalf("chunks cover %d images, original has %d", len(total), len(orig.Images))
	}
	for i := range total {
		if total[i] != orig.Images[i] {
			t.Fatalf("image %d reordered: %s != %s", i, total[i], orig.Images[i])
		}
	}
}

func TestSplitSubmissions_SingleWorkerPassthrough(t *testing.T) {
	payload := imagesPayload(10)
	chunks, err := SplitSubmissions(payload, 1)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != string(payload) {
		t.Fatalf("single-worker payload must be forwarded untouched")
	}
}

func TestSplitSubmissions_UnevenChunks(t *testing.T) {
	chunks, err := SplitSubmissions(imagesPayload(31), 2)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(chunks))
	}
	var first, second struct {
		Images     []string `json:"images"`
		StartIndex int      `json:"start_index"`
	}
	_ = json.Unmarshal(chunks[0], &first)
	_ = json.Unmarshal(chunks[1], &second)
	if len(first.Images) != 16 || len(second.Images) != 15 {
		t.Fatalf("ceil split expected 16/15, got %d/%d", len(first.Images), len(second.Images))
	}
	if second.StartIndex != 16 {
		t.Fatalf("second chunk start_index = %d, want 16", second.StartIndex)
	}
}

func chunkOutput(filenames ...string) json.RawMessage {
	videos := make([]map[string]string, len(filenames))
	for i, f := range filenames {
		videos[i] = map[string]string{"filename": f, "url": "s3://bucket/" + f}
	}
	buf, _ := json.Marshal(map[string]any{"code": 200, "videos": videos})
	return buf
}

func TestAggregateChunkOutputs_SortsByNumericSuffix(t *testing.T) {
	out, err := AggregateChunkOutputs([]json.RawMessage{
		chunkOutput("video_30.mp4", "video_31.mp4", "video_2.mp4"),
		chunkOutput("video_0.mp4", "video_10.mp4", "video_1.mp4"),
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	var got struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Videos  []struct {
			Filename string `json:"filename"`
		} `json:"videos"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Code != 200 {
		t.Fatalf("code = %d, want 200", got.Code)
	}
	if got.Message != "6 videos processed successfully" {
		t.Fatalf("message = %q", got.Message)
	}
	want := []string{"video_0.mp4", "video_1.mp4", "video_2.mp4", "video_10.mp4", "video_30.mp4", "video_31.mp4"}
	for i, v := range got.Videos {
		if v.Filename != want[i] {
			t.Fatalf("videos[%d] = %s, want %s", i, v.Filename, want[i])
		}
	}
}

func TestAggregateChunkOutputs_SingleChunkVerbatim(t *testing.T) {
	raw := json.RawMessage(`{"code":200,"custom":"shape","videos":[]}`)
	out, err := AggregateChunkOutputs([]json.RawMessage{raw})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if string(out) != string(raw) {
		t.Fatalf("single-chunk output must pass through verbatim")
	}
}

func TestExecutionBudget(t *testing.T) {
	tests := []struct {
		op   string
		want time.Duration
	}{
		{OpImg2Vid, 45 * time.Minute},
		{OpConcatenate, 20 * time.Minute},
		{OpConcatVideoAudio, 15 * time.Minute},
		{OpTrilhaSonora, 15 * time.Minute},
		{OpAddAudio, 10 * time.Minute},
		{OpCaptionSegments, 10 * time.Minute},
		{OpCaptionHighlight, 10 * time.Minute},
		{OpTranscribe, 30 * time.Minute},
		{"somethingelse", 30 * time.Minute},
	}
	for _, tc := range tests {
		if got := ExecutionBudget(tc.op); got != tc.want {
			t.Fatalf("ExecutionBudget(%s) = %v, want %v", tc.op, got, tc.want)
		}
	}
}

func TestOperationRouting(t *testing.T) {
	if !IsLocalOperation("caption_segments" + LocalSuffix) {
		t.Fatal("suffixed op must route local")
	}
	if IsLocalOperation(OpImg2Vid) {
		t.Fatal("bare op must route remote")
	}
	for _, op := range []string{OpImg2Vid, OpTranscribe, OpTrilhaSonora + LocalSuffix} {
		if !KnownOperation(op) {
			t.Fatalf("operation %s should be known", op)
		}
	}
	if KnownOperation("resize") || KnownOperation(strings.ToUpper(OpImg2Vid)) {
		t.Fatal("unknown operations must be rejected")
	}
	if Processor(OpImg2Vid) != "GPU" || Processor(OpImg2Vid+LocalSuffix) != "VPS" {
		t.Fatal("processor tag mismatch")
	}
}
