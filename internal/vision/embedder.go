package vision

import (
	"fmt"
	"image"
	"math"

	ort "github.com/yalue/onnxruntime_go"
)

// The embedder is a MobileFaceNet-style network: 112x112 aligned crop in,
// one D-dimensional vector out.
const (
	embInputSize = 112
	cropMargin   = 0.2
)

type onnxEmbedder struct {
	pool *sessionPool
	dim  int
}

func newONNXEmbedder(path string, dim, poolSize int) (*onnxEmbedder, error) {
	pool, err := newSessionPool(path, []string{"input"}, []string{"embedding"}, poolSize)
	if err != nil {
		return nil, err
	}
	return &onnxEmbedder{pool: pool, dim: dim}, nil
}

func (e *onnxEmbedder) Dimension() int { return e.dim }

// Embed extracts one vector per detection, batched per frame: the session is
// held once for the whole slice so a crowded frame does not thrash the pool.
func (e *onnxEmbedder) Embed(img image.Image, boxes []Detection) ([][]float32, error) {
	if len(boxes) == 0 {
		return nil, nil
	}

	sess := e.pool.acquire()
	defer e.pool.release(sess)

	out := make([][]float32, 0, len(boxes))
	for _, box := range boxes {
		vec, err := e.embedOne(sess, img, box)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (e *onnxEmbedder) embedOne(sess *ort.DynamicAdvancedSession, img image.Image, box Detection) ([]float32, error) {
	crop := cropRegion(img, box, cropMargin)
	data := planarTensor(crop, embInputSize, embInputSize, 127.5, 128.0)

	input, err := ort.NewTensor(ort.NewShape(1, 3, embInputSize, embInputSize), data)
	if err != nil {
		return nil, fmt.Errorf("embedder input: %w", err)
	}
	defer input.Destroy()

	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(e.dim)))
	if err != nil {
		return nil, fmt.Errorf("embedder output: %w", err)
	}
	defer output.Destroy()

	if err := sess.Run([]ort.Value{input}, []ort.Value{output}); err != nil {
		return nil, fmt.Errorf("embedder run: %w", err)
	}

	vec := make([]float32, e.dim)
	copy(vec, output.GetData())
	Normalize(vec)
	return vec, nil
}

// Normalize scales vec to unit length in place. Zero vectors stay zero.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

func (e *onnxEmbedder) close() {
	e.pool.close()
}
