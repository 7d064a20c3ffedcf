package vision

import (
	"fmt"
	"image"
	"sort"

	ort "github.com/yalue/onnxruntime_go"
)

// The detector model is an SSD-style face detector with a fixed 320x240
// input, emitting per-prior class scores and corner-form boxes already
// normalized to [0,1] (the version-RFB/"ultraface" family).
const (
	detInputWidth  = 320
	detInputHeight = 240
	detPriors      = 4420

	// candidateFloor discards obvious background before NMS; the caller's
	// detect threshold is applied on top of the surviving confidences.
	candidateFloor = 0.25
	nmsIoU         = 0.45
)

type onnxDetector struct {
	pool *sessionPool
}

func newONNXDetector(path string, poolSize int) (*onnxDetector, error) {
	pool, err := newSessionPool(path, []string{"input"}, []string{"scores", "boxes"}, poolSize)
	if err != nil {
		return nil, err
	}
	return &onnxDetector{pool: pool}, nil
}

func (d *onnxDetector) Detect(img image.Image) ([]Detection, error) {
	data := planarTensor(img, detInputWidth, detInputHeight, 127.0, 128.0)

	input, err := ort.NewTensor(ort.NewShape(1, 3, detInputHeight, detInputWidth), data)
	if err != nil {
		return nil, fmt.Errorf("detector input: %w", err)
	}
	defer input.Destroy()

	scores, err := ort.NewEmptyTensor[float32](ort.NewShape(1, detPriors, 2))
	if err != nil {
		return nil, fmt.Errorf("detector scores: %w", err)
	}
	defer scores.Destroy()

	boxes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, detPriors, 4))
	if err != nil {
		return nil, fmt.Errorf("detector boxes: %w", err)
	}
	defer boxes.Destroy()

	sess := d.pool.acquire()
	err = sess.Run([]ort.Value{input}, []ort.Value{scores, boxes})
	d.pool.release(sess)
	if err != nil {
		return nil, fmt.Errorf("detector run: %w", err)
	}

	return decodeDetections(scores.GetData(), boxes.GetData()), nil
}

func decodeDetections(scores, boxes []float32) []Detection {
	var cands []Detection
	n := len(scores) / 2
	if m := len(boxes) / 4; m < n {
		n = m
	}
	for i := 0; i < n; i++ {
		conf := float64(scores[i*2+1])
		if conf < candidateFloor {
			continue
		}
		x0 := clamp01(float64(boxes[i*4]))
		y0 := clamp01(float64(boxes[i*4+1]))
		x1 := clamp01(float64(boxes[i*4+2]))
		y1 := clamp01(float64(boxes[i*4+3]))
		if x1 <= x0 || y1 <= y0 {
			continue
		}
		cands = append(cands, Detection{X: x0, Y: y0, W: x1 - x0, H: y1 - y0, Confidence: conf})
	}
	return nonMaxSuppress(cands, nmsIoU)
}

// nonMaxSuppress keeps the highest-confidence box of each overlapping group.
func nonMaxSuppress(dets []Detection, iouLimit float64) []Detection {
	sort.Slice(dets, func(i, j int) bool { return dets[i].Confidence > dets[j].Confidence })

	var kept []Detection
	for _, d := range dets {
		overlaps := false
		for _, k := range kept {
			if IoU(d, k) > iouLimit {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, d)
		}
	}
	return kept
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func (d *onnxDetector) close() {
	d.pool.close()
}
