// Package markdown splits Markdown documents into overlapping chunks that
// preserve structural context.
package markdown

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	DefaultChunkSize = 1000
	DefaultOverlap   = 200

	// maxChunksPerFile bounds chunk_index to 16 bits of the chunk ID.
	maxChunksPerFile = 0x10000
)

// Header is one entry of the heading stack enclosing a chunk.
type Header struct {
	Level int    `json:"level"`
	Title string `json:"title"`
}

// Chunk is an immutable slice of one source file. Index is dense from 0
// within the file; ID is derived from (FilePath, Index) via ChunkID.
type Chunk struct {
	ID       uint64   `json:"id"`
	FilePath string   `json:"file_path"`
	Index    int      `json:"index"`
	Text     string   `json:"text"`
	Headers  []Header `json:"headers,omitempty"`
}

// ChunkID derives the stable chunk ID: the big-endian value of the first
// four bytes of sha256(filePath) shifted left 16 bits, ORed with the chunk
// index. Same (path, index) always yields the same ID, and the result fits
// a signed 64-bit integer.
func ChunkID(filePath string, index int) uint64 {
	sum := sha256.Sum256([]byte(filePath))
	prefix := uint64(binary.BigEndian.Uint32(sum[:4]))
	return prefix<<16 | uint64(index&0xFFFF)
}

// Splitter cuts Markdown into chunks of roughly chunkSize characters with
// overlap characters carried over between adjacent chunks. Boundaries fall
// on block edges (headings, fenced code, blank-line separated blocks); a
// fenced code block is only split when it alone exceeds the chunk size.
type Splitter struct {
	chunkSize int
	overlap   int
	parser    goldmark.Markdown
}

// NewSplitter creates a Splitter. Non-positive arguments select the
// defaults; the overlap is clamped below the chunk size so splitting
// always makes forward progress.
func NewSplitter(chunkSize, overlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if overlap <= 0 {
		overlap = DefaultOverlap
	}
	if overlap >= chunkSize {
		overlap = chunkSize - 1
	}
	return &Splitter{
		chunkSize: chunkSize,
		overlap:   overlap,
		parser:    goldmark.New(),
	}
}

// Split partitions content into chunks with IDs assigned per ChunkID.
// FilePath should be absolute so IDs are stable across runs.
func (s *Splitter) Split(filePath, content string) ([]Chunk, error) {
	source := []byte(content)
	blocks := s.blocks(source)

	var (
		chunks  []Chunk
		cur     strings.Builder
		headers []Header
		stack   []Header
	)

	finalize := func() {
		txt := strings.TrimSpace(cur.String())
		cur.Reset()
		if txt == "" {
			return
		}
		chunks = append(chunks, Chunk{
			FilePath: filePath,
			Index:    len(chunks),
			Text:     txt,
			Headers:  headers,
		})
	}

	for _, b := range blocks {
		if b.heading != nil {
			stack = pushHeader(stack, *b.heading)
		}

		if len(b.text) > s.chunkSize {
			finalize()
			pieces := s.hardSplit(b.text)
			for _, p := range pieces {
				headers = cloneHeaders(stack)
				cur.WriteString(p)
				finalize()
			}
			continue
		}

		if cur.Len() > 0 && cur.Len()+len(b.text) > s.chunkSize {
			prev := cur.String()
			finalize()
			headers = cloneHeaders(stack)
			cur.WriteString(s.overlapTail(prev))
		}
		if cur.Len() == 0 {
			headers = cloneHeaders(stack)
		}
		cur.WriteString(b.text)
	}
	finalize()

	if len(chunks) > maxChunksPerFile {
		return nil, fmt.Errorf("file %s produced %d chunks, exceeding the per-file limit of %d",
			filePath, len(chunks), maxChunksPerFile)
	}
	for i := range chunks {
		chunks[i].ID = ChunkID(filePath, chunks[i].Index)
	}
	return chunks, nil
}

// block is one top-level source region: its raw text (including trailing
// blank lines up to the next block) and the heading it declares, if any.
// Fenced code stays whole because it is a single block; it is only cut by
// the oversize path in Split.
type block struct {
	text    string
	heading *Header
}

func (s *Splitter) blocks(source []byte) []block {
	if len(source) == 0 {
		return nil
	}
	doc := s.parser.Parser().Parse(text.NewReader(source))

	type region struct {
		start   int
		heading *Header
	}
	var regions []region

	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		start := firstSegmentStart(n)
		if start < 0 {
			continue
		}
		start = lineStart(source, start)

		r := region{start: start}
		switch v := n.(type) {
		case *ast.Heading:
			r.heading = &Header{Level: v.Level, Title: headingTitle(v, source)}
		case *ast.FencedCodeBlock:
			// Lines() covers only the interior, so back up onto the
			// opening fence line.
			if v.Info != nil {
				r.start = lineStart(source, v.Info.Segment.Start)
			} else {
				r.start = prevLineStart(source, start)
			}
		}
		if len(regions) > 0 && r.start < regions[len(regions)-1].start {
			r.start = regions[len(regions)-1].start
		}
		regions = append(regions, r)
	}

	if len(regions) == 0 {
		return nil
	}
	regions[0].start = 0

	blocks := make([]block, 0, len(regions))
	for i, r := range regions {
		end := len(source)
		if i+1 < len(regions) {
			end = regions[i+1].start
		}
		blocks = append(blocks, block{
			text:    string(source[r.start:end]),
			heading: r.heading,
		})
	}
	return blocks
}

// hardSplit cuts an oversized block into chunkSize pieces with overlap,
// preferring line boundaries for both the cut and the carried-over tail.
func (s *Splitter) hardSplit(txt string) []string {
	var pieces []string
	start := 0
	for start < len(txt) {
		end := start + s.chunkSize
		if end >= len(txt) {
			pieces = append(pieces, txt[start:])
			break
		}
		if cut := strings.LastIndexByte(txt[start:end], '\n'); cut > 0 {
			end = start + cut + 1
		}
		pieces = append(pieces, txt[start:end])

		next := end - s.overlap
		if next <= start {
			next = end
		} else if idx := strings.IndexByte(txt[next:end], '\n'); idx >= 0 && next+idx+1 < end {
			next += idx + 1
		}
		start = next
	}
	return pieces
}

// overlapTail returns the suffix of the previous chunk carried into the
// next one: at most overlap characters, starting at a line start when one
// exists inside the window.
func (s *Splitter) overlapTail(prev string) string {
	if s.overlap <= 0 || prev == "" {
		return ""
	}
	start := len(prev) - s.overlap
	if start <= 0 {
		return prev
	}
	if idx := strings.IndexByte(prev[start:], '\n'); idx >= 0 && start+idx+1 < len(prev) {
		start += idx + 1
	}
	return prev[start:]
}

func pushHeader(stack []Header, h Header) []Header {
	for len(stack) > 0 && stack[len(stack)-1].Level >= h.Level {
		stack = stack[:len(stack)-1]
	}
	return append(stack, h)
}

func cloneHeaders(stack []Header) []Header {
	if len(stack) == 0 {
		return nil
	}
	out := make([]Header, len(stack))
	copy(out, stack)
	return out
}

func headingTitle(n ast.Node, source []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := c.(*ast.Text); ok {
				sb.Write(t.Segment.Value(source))
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(sb.String())
}

// firstSegmentStart finds the earliest source offset backing a node,
// descending into children for container blocks like lists.
func firstSegmentStart(n ast.Node) int {
	if lines := n.Lines(); lines != nil && lines.Len() > 0 {
		return lines.At(0).Start
	}
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		if start := firstSegmentStart(c); start >= 0 {
			return start
		}
	}
	return -1
}

func lineStart(source []byte, offset int) int {
	for offset > 0 && source[offset-1] != '\n' {
		offset--
	}
	return offset
}

func prevLineStart(source []byte, offset int) int {
	if offset <= 0 {
		return 0
	}
	return lineStart(source, offset-1)
}
