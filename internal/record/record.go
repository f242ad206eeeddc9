// Package record models the patient record delivered by the browser-side
// retriever: FHIR resources grouped by type, plus processed attachments.
package record

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sort"

	"github.com/tidwall/gjson"
)

// AttachmentType is the pseudo resource type used to address attachments in
// search scoping.
const AttachmentType = "Attachment"

// ErrInvalidRecord is returned when a payload does not have the minimum shape.
var ErrInvalidRecord = errors.New("invalid record")

// Resource is one FHIR resource in its original serialized form.
type Resource struct {
	Type string
	ID   string
	JSON string
}

// Attachment is binary or textual content owned by a resource.
type Attachment struct {
	ResourceType string
	ResourceID   string
	Path         string
	ContentType  string
	// Plaintext is the extracted text; HasPlaintext distinguishes empty text
	// from no extraction at all.
	Plaintext    string
	HasPlaintext bool
	Raw          []byte
	// JSON is the attachment's original form.
	JSON string
}

// Record is an immutable, validated record.
type Record struct {
	types       []string
	resources   map[string][]Resource
	attachments []Attachment
	raw         []byte
}

// Types returns resource type names in sorted order.
func (r *Record) Types() []string {
	out := make([]string, len(r.types))
	copy(out, r.types)
	return out
}

// Resources returns the resources of one type.
func (r *Record) Resources(resourceType string) []Resource {
	return r.resources[resourceType]
}

// Attachments returns all attachments.
func (r *Record) Attachments() []Attachment {
	return r.attachments
}

// ResourceCount is the total number of resources across all types.
func (r *Record) ResourceCount() int {
	n := 0
	for _, list := range r.resources {
		n += len(list)
	}
	return n
}

// Raw returns the payload the record was parsed from.
func (r *Record) Raw() []byte {
	return r.raw
}

// Parse validates a retriever payload and builds a Record.
//
// The payload must be an object with a "fhir" object mapping type names to
// arrays of resource objects, each carrying an "id". "attachments" is optional
// and, when present, must be an array of objects naming their owning resource.
func Parse(data []byte) (*Record, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrInvalidRecord)
	}

	fhir := root.Get("fhir")
	if !fhir.IsObject() {
		return nil, fmt.Errorf("%w: missing \"fhir\" object", ErrInvalidRecord)
	}

	rec := &Record{
		resources: make(map[string][]Resource),
		raw:       data,
	}

	var parseErr error
	fhir.ForEach(func(key, value gjson.Result) bool {
		resourceType := key.String()
		if !value.IsArray() {
			parseErr = fmt.Errorf("%w: fhir.%s must be an array", ErrInvalidRecord, resourceType)
			return false
		}
		list := make([]Resource, 0, len(value.Array()))
		for i, res := range value.Array() {
			if !res.IsObject() {
				parseErr = fmt.Errorf("%w: fhir.%s[%d] must be an object", ErrInvalidRecord, resourceType, i)
				return false
			}
			id := res.Get("id")
			if id.Type != gjson.String || id.Str == "" {
				parseErr = fmt.Errorf("%w: fhir.%s[%d] has no id", ErrInvalidRecord, resourceType, i)
				return false
			}
			list = append(list, Resource{Type: resourceType, ID: id.Str, JSON: res.Raw})
		}
		rec.resources[resourceType] = list
		rec.types = append(rec.types, resourceType)
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	sort.Strings(rec.types)

	attachments := root.Get("attachments")
	switch {
	case !attachments.Exists(), attachments.Type == gjson.Null:
	case !attachments.IsArray():
		return nil, fmt.Errorf("%w: \"attachments\" must be an array", ErrInvalidRecord)
	default:
		for i, a := range attachments.Array() {
			att, err := parseAttachment(a)
			if err != nil {
				return nil, fmt.Errorf("%w: attachments[%d]: %s", ErrInvalidRecord, i, err.Error())
			}
			rec.attachments = append(rec.attachments, att)
		}
	}

	return rec, nil
}

func parseAttachment(a gjson.Result) (Attachment, error) {
	if !a.IsObject() {
		return Attachment{}, errors.New("must be an object")
	}
	att := Attachment{
		ResourceType: a.Get("resourceType").String(),
		ResourceID:   a.Get("resourceId").String(),
		Path:         a.Get("path").String(),
		ContentType:  a.Get("contentType").String(),
		JSON:         a.Raw,
	}
	if att.ResourceType == "" || att.ResourceID == "" {
		return Attachment{}, errors.New("resourceType and resourceId are required")
	}
	if pt := a.Get("contentPlaintext"); pt.Type == gjson.String {
		att.Plaintext = pt.Str
		att.HasPlaintext = true
	}
	if b64 := a.Get("contentBase64"); b64.Type == gjson.String && b64.Str != "" {
		raw, err := base64.StdEncoding.DecodeString(b64.Str)
		if err != nil {
			return Attachment{}, fmt.Errorf("contentBase64: %w", err)
		}
		att.Raw = raw
	}
	if orig := a.Get("json"); orig.Exists() && orig.Type != gjson.Null {
		att.JSON = orig.Raw
	}
	return att, nil
}
