package processor

import (
	"fmt"
	"iter"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/xhad/lexqa/internal/models"
	"github.com/xhad/lexqa/internal/types"
)

type ProcessorConfig struct {
	ChunkSize    int
	ChunkOverlap int
	// BoundaryTolerance is how far back (in runes) a chunk end may move to land on a
	// paragraph, sentence or word boundary. Zero means hard cuts.
	BoundaryTolerance int
}

type Processor struct {
	config ProcessorConfig
}

// NewWithConfig validates config and returns a chunker.
func NewWithConfig(config ProcessorConfig) (*Processor, error) {
	if config.ChunkSize <= 0 {
		return nil, fmt.Errorf("%w: chunk_size must be positive, got %d", types.ErrInvalidConfig, config.ChunkSize)
	}
	if config.ChunkOverlap < 0 || config.ChunkOverlap >= config.ChunkSize {
		return nil, fmt.Errorf("%w: chunk_overlap must be in [0, chunk_size), got %d with chunk_size %d",
			types.ErrInvalidConfig, config.ChunkOverlap, config.ChunkSize)
	}
	if config.BoundaryTolerance < 0 {
		config.BoundaryTolerance = 0
	}
	// the snapped end must stay past start+overlap so the window always advances
	if maxTol := config.ChunkSize - config.ChunkOverlap - 1; config.BoundaryTolerance > maxTol {
		config.BoundaryTolerance = maxTol
	}

	return &Processor{config: config}, nil
}

func (p *Processor) Config() ProcessorConfig {
	return p.config
}

// Normalize cleans raw document text. Chunk offsets refer to the normalised text.
func Normalize(text string) string {
	text = sanitizeUTF8(text)
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.FieldsFunc(line, isInlineSpace), " ")
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text)
}

var blankLines = regexp.MustCompile(`\n{3,}`)

func isInlineSpace(r rune) bool {
	return r != '\n' && unicode.IsSpace(r)
}

// Chunks normalises doc.Text and returns the sequence of its chunks.
// The sequence is lazy and can be ranged over any number of times.
func (p *Processor) Chunks(doc models.Document) (iter.Seq[models.Chunk], error) {
	text := Normalize(doc.Text)
	if text == "" {
		return nil, fmt.Errorf("%w: document text is empty", types.ErrInvalidRequest)
	}
	runes := []rune(text)

	return func(yield func(models.Chunk) bool) {
		for i, span := range p.spans(runes) {
			content := string(runes[span[0]:span[1]])
			meta := doc.Metadata.Clone()
			meta[models.MetaChunkIndex] = i
			meta[models.MetaStartOffset] = span[0]
			meta[models.MetaEndOffset] = span[1]
			if sections := StatuteSections(content); len(sections) > 0 {
				meta[models.MetaSections] = sections
			}

			chunk := models.Chunk{
				Index:       i,
				Content:     content,
				StartOffset: span[0],
				EndOffset:   span[1],
				Metadata:    meta,
			}
			if !yield(chunk) {
				return
			}
		}
	}, nil
}

// Process is Chunks collected into a slice.
func (p *Processor) Process(doc models.Document) ([]models.Chunk, error) {
	seq, err := p.Chunks(doc)
	if err != nil {
		return nil, err
	}

	var chunks []models.Chunk
	for chunk := range seq {
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

// spans returns [start, end) rune ranges. Consecutive spans overlap by exactly
// ChunkOverlap runes and the last span ends at len(runes).
func (p *Processor) spans(runes []rune) iter.Seq2[int, [2]int] {
	size, overlap := p.config.ChunkSize, p.config.ChunkOverlap

	return func(yield func(int, [2]int) bool) {
		n := len(runes)
		start := 0
		for i := 0; ; i++ {
			end := start + size
			if end >= n {
				yield(i, [2]int{start, n})
				return
			}
			end = p.snap(runes, start, end)
			if !yield(i, [2]int{start, end}) {
				return
			}
			start = end - overlap
		}
	}
}

// snap moves end back to the best natural boundary within the tolerance window.
func (p *Processor) snap(runes []rune, start, end int) int {
	tol := p.config.BoundaryTolerance
	if tol == 0 {
		return end
	}
	low := end - tol
	if floor := start + p.config.ChunkOverlap + 1; low < floor {
		low = floor
	}

	best, bestRank := end, 0
	for i := end; i >= low; i-- {
		rank := boundaryRank(runes, i)
		if rank > bestRank {
			best, bestRank = i, rank
			if rank == rankParagraph {
				break
			}
		}
	}
	return best
}

const (
	rankWord = iota + 1
	rankSentence
	rankParagraph
)

// boundaryRank scores cutting just before runes[i].
func boundaryRank(runes []rune, i int) int {
	if i <= 0 || i >= len(runes) {
		return 0
	}
	prev := runes[i-1]
	switch {
	case i >= 2 && prev == '\n' && runes[i-2] == '\n':
		return rankParagraph
	case unicode.IsSpace(prev) && i >= 2 && strings.ContainsRune(".!?;:", runes[i-2]):
		return rankSentence
	case unicode.IsSpace(prev):
		return rankWord
	}
	return 0
}

var (
	sectionRef     = regexp.MustCompile(`(?i)\b(?:sections?|secs?\.|ss\.|s\.)\s*(\d+[A-Z]?(?:\s*(?:,|and|or|to|-|–)\s*\d+[A-Z]?)*)`)
	sectionNumber  = regexp.MustCompile(`(?i)\d+[A-Z]?`)
	sectionHeading = regexp.MustCompile(`(?m)^[ \t]*(\d{1,3}[A-Z]?)\.\s`)
)

// SectionNumbers returns the distinct section numbers referenced in text, in order
// of appearance. Lists and ranges such as "Sections 45 and 46" or "ss. 18-19"
// yield every number named.
func SectionNumbers(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range sectionRef.FindAllStringSubmatch(text, -1) {
		for _, num := range sectionNumber.FindAllString(m[1], -1) {
			out = appendSection(out, seen, num)
		}
	}
	return out
}

// StatuteSections returns the sections a passage of the statute contains: the
// numbers of section headings such as "3. Definition of domestic violence.—" at
// the start of a line, followed by the sections it refers to.
func StatuteSections(text string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range sectionHeading.FindAllStringSubmatch(text, -1) {
		out = appendSection(out, seen, m[1])
	}
	for _, num := range SectionNumbers(text) {
		out = appendSection(out, seen, num)
	}
	return out
}

func appendSection(out []string, seen map[string]bool, num string) []string {
	num = strings.ToUpper(num)
	if seen[num] {
		return out
	}
	seen[num] = true
	return append(out, num)
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "")
}
