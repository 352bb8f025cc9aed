package inappdb

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DefaultLanguage is stored when a language input has an unrecognized shape.
const DefaultLanguage = "english"

// LanguageInputKind discriminates the accepted shapes of a language value.
type LanguageInputKind int

const (
	// LanguageUnknown is any shape that is neither a code nor a row list.
	LanguageUnknown LanguageInputKind = iota
	// LanguageCode is a bare language string.
	LanguageCode
	// LanguageRows is a list of rows whose first element carries a language field.
	LanguageRows
)

// LanguageInput is the single conversion point for language payloads. Construct it with
// LanguageFromCode, LanguageFromRows, or ParseLanguageInput.
type LanguageInput struct {
	kind LanguageInputKind
	code string
	rows []UserLanguage
}

// LanguageFromCode wraps a bare language string.
func LanguageFromCode(code string) LanguageInput {
	return LanguageInput{kind: LanguageCode, code: code}
}

// LanguageFromRows wraps a legacy row list.
func LanguageFromRows(rows []UserLanguage) LanguageInput {
	return LanguageInput{kind: LanguageRows, rows: rows}
}

// ParseLanguageInput decodes a raw JSON language value: a string, an array of objects
// with a "language" field, or anything else (unknown).
func ParseLanguageInput(raw json.RawMessage) LanguageInput {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return LanguageInput{}
	}
	switch trimmed[0] {
	case '"':
		var code string
		if err := json.Unmarshal(trimmed, &code); err == nil {
			return LanguageFromCode(code)
		}
	case '[':
		var rows []UserLanguage
		if err := json.Unmarshal(trimmed, &rows); err == nil {
			return LanguageFromRows(rows)
		}
	}
	return LanguageInput{}
}

// Kind reports which shape the input carries.
func (in LanguageInput) Kind() LanguageInputKind {
	return in.kind
}

// Normalize returns the bare language code, falling back to DefaultLanguage.
func (in LanguageInput) Normalize() string {
	var code string
	switch in.kind {
	case LanguageCode:
		code = in.code
	case LanguageRows:
		if len(in.rows) > 0 {
			code = in.rows[0].Language
		}
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return DefaultLanguage
	}
	return code
}
