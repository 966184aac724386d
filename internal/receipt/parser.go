// Package receipt turns recognized receipt text into candidate bill items.
package receipt

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	pricePattern    = regexp.MustCompile(`\$?(\d+\.\d{2})`)
	quantityPattern = regexp.MustCompile(`(?i)^(\d+)\s*x\s*`)

	errMissingRecognizer = errors.New("receipt: recognizer is required")
)

// Candidate is one line item read off a receipt, before validation by the allocator.
type Candidate struct {
	Name     string
	Price    decimal.Decimal
	Quantity int
}

// Parse extracts candidates from receipt text, one per line carrying a price.
// The first amount on a line is its unit price, the text before it the name, and an
// optional leading "N x" the quantity.
func Parse(text string) []Candidate {
	var candidates []Candidate
	for _, line := range strings.Split(text, "\n") {
		if candidate, ok := parseLine(line); ok {
			candidates = append(candidates, candidate)
		}
	}
	return candidates
}

func parseLine(line string) (Candidate, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Candidate{}, false
	}
	location := pricePattern.FindStringSubmatchIndex(line)
	if location == nil {
		return Candidate{}, false
	}
	price, err := decimal.NewFromString(line[location[2]:location[3]])
	if err != nil || !price.IsPositive() {
		return Candidate{}, false
	}

	name := strings.TrimSpace(line[:location[0]])
	quantity := 1
	if match := quantityPattern.FindStringSubmatch(name); match != nil {
		if parsed, err := strconv.Atoi(match[1]); err == nil && parsed > 0 {
			quantity = parsed
			name = strings.TrimSpace(name[len(match[0]):])
		}
	}
	if name == "" {
		return Candidate{}, false
	}
	return Candidate{Name: name, Price: price, Quantity: quantity}, true
}

// Recognizer converts a receipt image into text.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (string, error)
}

// Extractor runs recognition and parsing.
type Extractor struct {
	recognizer Recognizer
	logger     *zap.Logger
}

func NewExtractor(recognizer Recognizer, logger *zap.Logger) (*Extractor, error) {
	if recognizer == nil {
		return nil, errMissingRecognizer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{recognizer: recognizer, logger: logger}, nil
}

// ExtractCandidateItems recognizes the image and returns the parsed candidates.
func (e *Extractor) ExtractCandidateItems(ctx context.Context, image []byte) ([]Candidate, error) {
	text, err := e.recognizer.Recognize(ctx, image)
	if err != nil {
		e.logger.Warn("receipt recognition failed", zap.Int("image_bytes", len(image)), zap.Error(err))
		return nil, err
	}
	candidates := Parse(text)
	e.logger.Debug("receipt parsed", zap.Int("candidates", len(candidates)))
	return candidates, nil
}
