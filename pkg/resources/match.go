package resources

import (
	"encoding/json"
	"strings"
)

// contains reports whether doc contains pattern the way Postgres jsonb @>
// does: objects by key subset, arrays by element subset, scalars by
// equality.
func contains(doc, pattern interface{}) bool {
	switch p := pattern.(type) {
	case map[string]interface{}:
		d, ok := doc.(map[string]interface{})
		if !ok {
			return false
		}
		for k, pv := range p {
			dv, ok := d[k]
			if !ok || !contains(dv, pv) {
				return false
			}
		}
		return true
	case []interface{}:
		d, ok := doc.([]interface{})
		if !ok {
			return false
		}
		for _, pv := range p {
			found := false
			for _, dv := range d {
				if contains(dv, pv) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
		return true
	default:
		return doc == pattern
	}
}

// containsText reports whether any string value in doc contains term,
// ignoring case
func containsText(doc interface{}, term string) bool {
	switch d := doc.(type) {
	case string:
		return strings.Contains(strings.ToLower(d), term)
	case map[string]interface{}:
		for _, v := range d {
			if containsText(v, term) {
				return true
			}
		}
	case []interface{}:
		for _, v := range d {
			if containsText(v, term) {
				return true
			}
		}
	}
	return false
}

func decodeJSON(data string) (interface{}, bool) {
	var doc interface{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, false
	}
	return doc, true
}

func isJSONObject(data string) bool {
	doc, ok := decodeJSON(data)
	if !ok {
		return false
	}
	_, ok = doc.(map[string]interface{})
	return ok
}

// uniqueValue renders property prop of a JSON object payload the way
// Postgres ->> does. Missing and null values are not constrained.
func uniqueValue(data, prop string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return "", false
	}
	raw, ok := obj[prop]
	if !ok || string(raw) == "null" {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	return string(raw), true
}

func labelsMatch(labels, want map[string]string) bool {
	for k, v := range want {
		if got, ok := labels[k]; !ok || got != v {
			return false
		}
	}
	return true
}
