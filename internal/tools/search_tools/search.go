package search_tools

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/teemow/health-record-mcp/internal/record"
)

// Truncation limits applied when a result exceeds the response budget.
const (
	truncatedResources   = 5
	truncatedAttachments = 10
)

// ErrInvalidPattern is returned when the query is not a valid regular expression.
var ErrInvalidPattern = errors.New("invalid pattern")

// MatchedResource is a structured resource whose serialized form matched.
type MatchedResource struct {
	ResourceType string          `json:"resource_type"`
	ResourceID   string          `json:"resource_id"`
	Resource     json.RawMessage `json:"resource"`
}

// MatchedAttachment is an attachment whose extracted text matched.
type MatchedAttachment struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Path         string `json:"path"`
	ContentType  string `json:"content_type,omitempty"`
	Plaintext    string `json:"plaintext,omitempty"`
}

// Result is the search tool's response body.
type Result struct {
	Warning                  string              `json:"warning,omitempty"`
	MatchedResources         []MatchedResource   `json:"matched_resources"`
	MatchedAttachments       []MatchedAttachment `json:"matched_attachments"`
	ResourcesSearchedCount   int                 `json:"resources_searched_count"`
	ResourcesMatchedCount    int                 `json:"resources_matched_count"`
	AttachmentsSearchedCount int                 `json:"attachments_searched_count"`
	AttachmentsMatchedCount  int                 `json:"attachments_matched_count"`
}

// scope is the set of records and attachments one search covers.
type scope struct {
	// types lists the resource types to search; nil means every type.
	types []string
	// skipResources disables structured-record search.
	skipResources bool
	// owners restricts attachments to those owned by these types; nil means
	// every attachment.
	owners map[string]bool
}

// resolveScope applies the scoping rules, in priority order:
// only "Attachment" searches attachment text alone; no types searches
// everything; named types without "Attachment" search those types and their
// own attachments; named types with "Attachment" search those types and all
// attachments.
func resolveScope(resourceTypes []string) scope {
	var named []string
	wantAttachments := false
	seen := make(map[string]bool)
	for _, t := range resourceTypes {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		if t == record.AttachmentType {
			wantAttachments = true
			continue
		}
		named = append(named, t)
	}

	switch {
	case len(named) == 0 && wantAttachments:
		return scope{skipResources: true}
	case len(named) == 0:
		return scope{}
	case !wantAttachments:
		owners := make(map[string]bool, len(named))
		for _, t := range named {
			owners[t] = true
		}
		return scope{types: named, owners: owners}
	default:
		return scope{types: named}
	}
}

// Search matches query, compiled as a case-insensitive regular expression,
// against the record within the scope named by resourceTypes.
func Search(rec *record.Record, query string, resourceTypes []string) (*Result, error) {
	re, err := regexp.Compile("(?i)" + query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}

	sc := resolveScope(resourceTypes)
	res := &Result{
		MatchedResources:   []MatchedResource{},
		MatchedAttachments: []MatchedAttachment{},
	}

	if !sc.skipResources {
		types := sc.types
		if types == nil {
			types = rec.Types()
		}
		seen := make(map[[2]string]bool)
		for _, t := range types {
			for _, r := range rec.Resources(t) {
				key := [2]string{r.Type, r.ID}
				if seen[key] {
					continue
				}
				seen[key] = true
				res.ResourcesSearchedCount++
				if re.MatchString(r.JSON) {
					res.MatchedResources = append(res.MatchedResources, MatchedResource{
						ResourceType: r.Type,
						ResourceID:   r.ID,
						Resource:     json.RawMessage(r.JSON),
					})
				}
			}
		}
	}

	seen := make(map[[3]string]bool)
	for _, a := range rec.Attachments() {
		if sc.owners != nil && !sc.owners[a.ResourceType] {
			continue
		}
		key := [3]string{a.ResourceType, a.ResourceID, a.Path}
		if seen[key] {
			continue
		}
		seen[key] = true
		res.AttachmentsSearchedCount++
		if !a.HasPlaintext || !re.MatchString(a.Plaintext) {
			continue
		}
		res.MatchedAttachments = append(res.MatchedAttachments, MatchedAttachment{
			ResourceType: a.ResourceType,
			ResourceID:   a.ResourceID,
			Path:         a.Path,
			ContentType:  a.ContentType,
			Plaintext:    a.Plaintext,
		})
	}

	res.ResourcesMatchedCount = len(res.MatchedResources)
	res.AttachmentsMatchedCount = len(res.MatchedAttachments)
	return res, nil
}

// Encode serializes res within maxBytes. An oversized result is first cut to
// the leading matches with attachment text elided, then replaced by a single
// error object.
func Encode(res *Result, maxBytes int) ([]byte, error) {
	out, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	if len(out) <= maxBytes {
		return out, nil
	}
	fullSize := len(out)

	cut := *res
	if len(cut.MatchedResources) > truncatedResources {
		cut.MatchedResources = cut.MatchedResources[:truncatedResources]
	}
	if len(cut.MatchedAttachments) > truncatedAttachments {
		cut.MatchedAttachments = cut.MatchedAttachments[:truncatedAttachments]
	}
	attachments := make([]MatchedAttachment, len(cut.MatchedAttachments))
	for i, a := range cut.MatchedAttachments {
		a.Plaintext = ""
		attachments[i] = a
	}
	cut.MatchedAttachments = attachments
	cut.Warning = fmt.Sprintf(
		"Result of %s exceeded the %s response limit. Showing the first %d of %d matched resources and %d of %d matched attachments without their text. Narrow the query or resource_types.",
		humanize.IBytes(uint64(fullSize)), humanize.IBytes(uint64(maxBytes)),
		len(cut.MatchedResources), res.ResourcesMatchedCount,
		len(cut.MatchedAttachments), res.AttachmentsMatchedCount,
	)

	out, err = json.Marshal(cut)
	if err != nil {
		return nil, err
	}
	if len(out) <= maxBytes {
		return out, nil
	}

	return json.Marshal(map[string]string{
		"error": fmt.Sprintf("Search results too large (%s) even after truncation. Use a more specific query.",
			humanize.IBytes(uint64(fullSize))),
	})
}

// parseResourceTypes accepts an array of names or a comma-separated string.
func parseResourceTypes(v any) []string {
	var out []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	switch val := v.(type) {
	case string:
		for _, part := range strings.Split(val, ",") {
			add(part)
		}
	case []string:
		for _, s := range val {
			add(s)
		}
	case []any:
		for _, item := range val {
			if s, ok := item.(string); ok {
				add(s)
			}
		}
	}
	return out
}
