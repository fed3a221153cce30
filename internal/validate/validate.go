// Package validate provides stock content validators for site parsers to
// register with the gateway. Each returns a fetch.Validator.
package validate

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/Harvey-AU/stealth-bee/internal/fetch"
	"github.com/PuerkitoBio/goquery"
	"github.com/tidwall/gjson"
)

// MinSize rejects bodies shorter than n bytes.
func MinSize(n int) fetch.Validator {
	return func(body []byte) (bool, string) {
		if len(body) < n {
			return false, fmt.Sprintf("body too small: %d < %d bytes", len(body), n)
		}
		return true, ""
	}
}

// Selectors requires every CSS selector to match at least one element.
func Selectors(selectors ...string) fetch.Validator {
	return func(body []byte) (bool, string) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return false, "unparseable html"
		}
		for _, sel := range selectors {
			if doc.Find(sel).Length() == 0 {
				return false, "missing " + sel
			}
		}
		return true, ""
	}
}

// MinMatches requires selector to match at least n elements, for listing
// pages where a handful of results means a soft block.
func MinMatches(selector string, n int) fetch.Validator {
	return func(body []byte) (bool, string) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
		if err != nil {
			return false, "unparseable html"
		}
		if got := doc.Find(selector).Length(); got < n {
			return false, fmt.Sprintf("%s matched %d of %d", selector, got, n)
		}
		return true, ""
	}
}

// ForbiddenText rejects bodies containing any phrase, case-insensitively.
func ForbiddenText(phrases ...string) fetch.Validator {
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return func(body []byte) (bool, string) {
		text := strings.ToLower(string(body))
		for i, p := range lowered {
			if strings.Contains(text, p) {
				return false, "contains " + phrases[i]
			}
		}
		return true, ""
	}
}

// JSONPaths requires a valid JSON body in which every gjson path exists.
func JSONPaths(paths ...string) fetch.Validator {
	return func(body []byte) (bool, string) {
		if !gjson.ValidBytes(body) {
			return false, "invalid json"
		}
		for _, p := range paths {
			if !gjson.GetBytes(body, p).Exists() {
				return false, "missing " + p
			}
		}
		return true, ""
	}
}

// NonEmptyArray requires the gjson path to hold an array with at least one element.
func NonEmptyArray(path string) fetch.Validator {
	return func(body []byte) (bool, string) {
		r := gjson.GetBytes(body, path)
		if !r.IsArray() || len(r.Array()) == 0 {
			return false, "empty " + path
		}
		return true, ""
	}
}

// All passes only when every validator passes, reporting the first rejection.
func All(validators ...fetch.Validator) fetch.Validator {
	return func(body []byte) (bool, string) {
		for _, v := range validators {
			if v == nil {
				continue
			}
			if ok, signal := v(body); !ok {
				return false, signal
			}
		}
		return true, ""
	}
}
