package simplestream

import "fmt"

// DefaultChunkSize is the fixed backend read size.
const DefaultChunkSize int64 = 1024 * 1024

// ChunkPlan is the offset, size and trim schedule that satisfies a byte range
// from fixed-size backend reads.
type ChunkPlan struct {
	ChunkSize int64
	FirstByte int64
	LastByte  int64

	// AlignedOffset is the offset of the first chunk fetched
	AlignedOffset int64
	// LeadingTrim is the number of bytes dropped from the front of the first chunk
	LeadingTrim int64
	// TrailingKeep is the number of bytes kept from the front of the last chunk
	TrailingKeep int64
	// ChunkCount is the number of aligned chunks the range touches
	ChunkCount int64
}

// NewChunkPlan builds the plan for the inclusive range [firstByte, lastByte].
func NewChunkPlan(firstByte, lastByte, chunkSize int64) (ChunkPlan, error) {
	if chunkSize <= 0 {
		return ChunkPlan{}, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if firstByte < 0 || lastByte < firstByte {
		return ChunkPlan{}, fmt.Errorf("invalid range %d-%d", firstByte, lastByte)
	}
	aligned := (firstByte / chunkSize) * chunkSize
	return ChunkPlan{
		ChunkSize:     chunkSize,
		FirstByte:     firstByte,
		LastByte:      lastByte,
		AlignedOffset: aligned,
		LeadingTrim:   firstByte - aligned,
		TrailingKeep:  lastByte%chunkSize + 1,
		ChunkCount:    lastByte/chunkSize - firstByte/chunkSize + 1,
	}, nil
}

// PlanForRange is NewChunkPlan over a RangeRequest.
func PlanForRange(r RangeRequest, chunkSize int64) (ChunkPlan, error) {
	return NewChunkPlan(r.FirstByte, r.LastByte, chunkSize)
}

// Len returns the exact number of bytes the plan yields.
func (p ChunkPlan) Len() int64 {
	return p.LastByte - p.FirstByte + 1
}

// Offset returns the backend offset of the 1-based chunk index.
func (p ChunkPlan) Offset(index int64) int64 {
	return p.AlignedOffset + (index-1)*p.ChunkSize
}

// Trim slices a fetched chunk according to its 1-based position in the plan.
// Bounds are clamped to the chunk so a short final read never panics.
func (p ChunkPlan) Trim(index int64, chunk []byte) []byte {
	start, end := int64(0), int64(len(chunk))
	if index == 1 {
		start = p.LeadingTrim
	}
	if index == p.ChunkCount {
		end = p.TrailingKeep
	}
	if end > int64(len(chunk)) {
		end = int64(len(chunk))
	}
	if start > end {
		start = end
	}
	return chunk[start:end]
}
