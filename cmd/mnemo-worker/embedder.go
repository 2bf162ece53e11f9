package main

import (
	"hash/fnv"
	"math"
)

// embeddingDimensions is small on purpose: this worker has no real model
// wired in, and the store's natural-key upsert makes the vector's
// content irrelevant to correctness. A real deployment points Embedder
// at whatever model it runs instead.
const embeddingDimensions = 32

// embedTexts is the default embed.Embedder: a deterministic hash
// projection of each text into a fixed-size unit vector. It stands in
// for the opaque embedding model the spec never requires a concrete
// implementation for.
func embedTexts(texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		vectors[i] = hashVector(text)
	}
	return vectors, nil
}

func hashVector(text string) []float32 {
	vec := make([]float32, embeddingDimensions)
	h := fnv.New64a()
	for d := 0; d < embeddingDimensions; d++ {
		h.Reset()
		_, _ = h.Write([]byte(text))
		_, _ = h.Write([]byte{byte(d)})
		sum := h.Sum64()
		vec[d] = float32(sum%10000) / 10000.0
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	if sumSquares == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSquares))
	for i := range vec {
		vec[i] /= norm
	}
}
