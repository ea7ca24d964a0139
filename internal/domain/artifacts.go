package domain

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Structured Processor artifacts. The schema is authoritative: unknown
// fields are rejected at ingress and enum values are validated strictly.

// ArtifactMeta stamps each artifact with the schema version it conforms to.
type ArtifactMeta struct {
	Version     string `json:"version" validate:"required"`
	GeneratedAt string `json:"generated_at" validate:"required"`
}

// PainPoint is a single extracted pain point.
type PainPoint struct {
	Point    string `json:"point" validate:"required"`
	Severity string `json:"severity" validate:"required,oneof=low medium high"`
	Category string `json:"category" validate:"required"`
}

// PainPoints is the pain-point artifact attached to a processed post.
type PainPoints struct {
	Points []PainPoint  `json:"points" validate:"required,min=1,dive"`
	Meta   ArtifactMeta `json:"meta" validate:"required"`
}

// ProductIdea is a single extracted product idea.
type ProductIdea struct {
	Idea        string `json:"idea" validate:"required"`
	Feasibility string `json:"feasibility" validate:"required,oneof=low medium high"`
	MarketSize  string `json:"market_size" validate:"required,oneof=small medium large"`
}

// ProductIdeas is the product-idea artifact attached to a processed post.
type ProductIdeas struct {
	Ideas []ProductIdea `json:"ideas" validate:"required,min=1,dive"`
	Meta  ArtifactMeta  `json:"meta" validate:"required"`
}

var artifactValidate = validator.New()

// DecodePainPoints parses and validates a pain-points document, rejecting
// unknown fields.
func DecodePainPoints(data []byte) (PainPoints, error) {
	var pp PainPoints
	if err := decodeStrict(data, &pp); err != nil {
		return PainPoints{}, fmt.Errorf("op=artifacts.decode_pain_points: %w: %v", ErrValidation, err)
	}
	if err := artifactValidate.Struct(pp); err != nil {
		return PainPoints{}, fmt.Errorf("op=artifacts.validate_pain_points: %w: %v", ErrValidation, err)
	}
	return pp, nil
}

// DecodeProductIdeas parses and validates a product-ideas document,
// rejecting unknown fields.
func DecodeProductIdeas(data []byte) (ProductIdeas, error) {
	var pi ProductIdeas
	if err := decodeStrict(data, &pi); err != nil {
		return ProductIdeas{}, fmt.Errorf("op=artifacts.decode_product_ideas: %w: %v", ErrValidation, err)
	}
	if err := artifactValidate.Struct(pi); err != nil {
		return ProductIdeas{}, fmt.Errorf("op=artifacts.validate_product_ideas: %w: %v", ErrValidation, err)
	}
	return pi, nil
}

// ValidateTags enforces the processed-post tag cardinality of 3 to 5.
func ValidateTags(tags []string) error {
	if len(tags) < 3 || len(tags) > 5 {
		return fmt.Errorf("op=artifacts.validate_tags: %w: got %d tags, want 3-5", ErrValidation, len(tags))
	}
	for _, t := range tags {
		if t == "" {
			return fmt.Errorf("op=artifacts.validate_tags: %w: empty tag", ErrValidation)
		}
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}
