// Package codec converts between the structured working model and its
// human-editable YAML text form.
package codec

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/yaml"
)

// ParseError reports that a text buffer could not be parsed back into a
// structured object. It is a purely local failure and is never submitted
// to the API server.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("unable to parse resource text: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Serialize renders an object as YAML. Any valid unstructured tree is
// serializable, so a failure here indicates a corrupted model and is
// returned as-is rather than wrapped into a ParseError.
func Serialize(obj *unstructured.Unstructured) (string, error) {
	if obj == nil {
		return "", nil
	}
	data, err := yaml.Marshal(obj.Object)
	if err != nil {
		return "", fmt.Errorf("failed to serialize object: %w", err)
	}
	return string(data), nil
}

// Parse converts a YAML (or JSON, which is a YAML subset) text buffer into
// an unstructured object. Returns a *ParseError when the text is not valid.
//
// Decoding goes through Unstructured's own JSON path so integers come back
// as int64, matching what the API server client produces. A plain
// yaml.Unmarshal into map[string]any would yield float64 and make every
// text round trip look like an edit.
func Parse(text string) (*unstructured.Unstructured, error) {
	data, err := yaml.YAMLToJSON([]byte(text))
	if err != nil {
		return nil, &ParseError{Err: err}
	}
	if string(data) == "null" {
		return nil, &ParseError{Err: fmt.Errorf("document is empty")}
	}
	obj := &unstructured.Unstructured{}
	if err := obj.UnmarshalJSON(data); err != nil {
		return nil, &ParseError{Err: err}
	}
	return obj, nil
}
