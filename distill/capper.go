package distill

import (
	"encoding/json"
	"fmt"
)

// Payload-cap warning codes. The clean variant marks responses that were
// already reduced to clean content before capping.
const (
	WarnPayloadTruncated      = "JSON_PAYLOAD_TRUNCATED"
	WarnCleanPayloadTruncated = "CLEAN_JSON_PAYLOAD_TRUNCATED"
)

// Capping knobs: links keep a floor so truncated responses still let an
// agent navigate, and code blocks clip rather than vanish.
const (
	capLinksFloor    = 10
	capCodeClipChars = 1500
)

// Cap serialises rec as JSON, shrinking the record until the payload fits
// maxChars. Fields drop in annotation-value order: images first, then
// links beyond a floor, then code block bodies clip, then clean content,
// and finally the embedded state blobs. rec is mutated; Truncated,
// ActualChars, MaxCharsLimit, and the warning record what happened.
// maxChars <= 0 means no cap.
func Cap(rec *Record, maxChars int, warning string) ([]byte, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("distill: marshal record: %w", err)
	}
	if maxChars <= 0 || len(payload) <= maxChars {
		return payload, nil
	}

	if warning == "" {
		warning = WarnPayloadTruncated
	}
	rec.Truncated = true
	rec.ActualChars = len(rec.CleanContent)
	limit := maxChars
	rec.MaxCharsLimit = &limit
	rec.AddWarning(warning)

	steps := []func() bool{
		func() bool {
			if len(rec.Images) == 0 {
				return false
			}
			rec.Images = nil
			return true
		},
		func() bool {
			if len(rec.Links) <= capLinksFloor {
				return false
			}
			rec.Links = rec.Links[:capLinksFloor]
			return true
		},
		func() bool {
			clipped := false
			for i := range rec.CodeBlocks {
				if len(rec.CodeBlocks[i].Code) > capCodeClipChars {
					rec.CodeBlocks[i].Code = truncateUTF8(rec.CodeBlocks[i].Code, capCodeClipChars)
					clipped = true
				}
			}
			return clipped
		},
	}
	for _, step := range steps {
		if !step() {
			continue
		}
		if payload, err = json.Marshal(rec); err != nil {
			return nil, fmt.Errorf("distill: marshal record: %w", err)
		}
		if len(payload) <= maxChars {
			return payload, nil
		}
	}

	// Clip clean content by the overshoot. Removing N content bytes
	// removes at least N payload bytes (escaping only inflates), so this
	// converges; the loop guards the estimate.
	for range [8]struct{}{} {
		if len(payload) <= maxChars || rec.CleanContent == "" {
			break
		}
		over := len(payload) - maxChars
		keep := len(rec.CleanContent) - over
		if keep < 0 {
			keep = 0
		}
		rec.CleanContent = truncateUTF8(rec.CleanContent, keep)
		if payload, err = json.Marshal(rec); err != nil {
			return nil, fmt.Errorf("distill: marshal record: %w", err)
		}
	}
	if len(payload) <= maxChars {
		return payload, nil
	}

	// Embedded blobs are the only things left that can dominate.
	rec.EmbeddedSources = nil
	if payload, err = json.Marshal(rec); err != nil {
		return nil, fmt.Errorf("distill: marshal record: %w", err)
	}
	if len(payload) <= maxChars {
		return payload, nil
	}
	if rec.EmbeddedStateJSON != "" {
		over := len(payload) - maxChars
		keep := len(rec.EmbeddedStateJSON) - over
		if keep < 0 {
			keep = 0
		}
		rec.EmbeddedStateJSON = truncateUTF8(rec.EmbeddedStateJSON, keep)
		if payload, err = json.Marshal(rec); err != nil {
			return nil, fmt.Errorf("distill: marshal record: %w", err)
		}
	}
	return payload, nil
}
