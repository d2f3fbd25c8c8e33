package attr

import (
	"fmt"
	"time"
)

// Resolution is the cross/down resolution pair used by
// printer-resolution / sheet-resolution style attributes.
type Resolution struct {
	Cross, Down int32
	Units       int32 // 3 = dots/inch, 4 = dots/cm, per RFC 8011
}

// Range is an inclusive integer range, used by e.g. copies-supported.
type Range struct {
	Lower, Upper int32
}

// LangString is a text or name value carrying an explicit language tag.
type LangString struct {
	Lang, Text string
}

// Value is a sum type over every attribute-syntax representation the
// scheduler needs. Exactly one field is meaningful for a given Tag;
// callers use the constructors below rather than populating Value
// directly, and the Int/Bool/... accessors rather than reading fields.
type Value struct {
	Tag        Tag
	Integer    int32
	Boolean    bool
	String     string
	DateTime   time.Time
	Resolution Resolution
	Range      Range
	Lang       LangString
	Collection []Attribute
}

// Attribute is a named Value (or multi-valued Value list) within a Group.
type Attribute struct {
	Name   string
	Values []Value
}

func Integer(v int32) Value     { return Value{Tag: TagInteger, Integer: v} }
func Boolean(v bool) Value      { return Value{Tag: TagBoolean, Boolean: v} }
func Enum(v int32) Value        { return Value{Tag: TagEnum, Integer: v} }
func OctetString(v string) Value { return Value{Tag: TagString, String: v} }
func Keyword(v string) Value    { return Value{Tag: TagKeyword, String: v} }
func URI(v string) Value        { return Value{Tag: TagURI, String: v} }
func Charset(v string) Value    { return Value{Tag: TagCharset, String: v} }
func NaturalLanguage(v string) Value { return Value{Tag: TagLanguage, String: v} }
func MimeType(v string) Value   { return Value{Tag: TagMimeType, String: v} }
func NoValue() Value            { return Value{Tag: TagNoValue} }

func DateTime(v time.Time) Value { return Value{Tag: TagDateTime, DateTime: v} }

func ResolutionValue(cross, down, units int32) Value {
	return Value{Tag: TagResolution, Resolution: Resolution{Cross: cross, Down: down, Units: units}}
}

func RangeValue(lower, upper int32) Value {
	return Value{Tag: TagRange, Range: Range{Lower: lower, Upper: upper}}
}

func TextWithLang(lang, text string) Value {
	return Value{Tag: TagTextLang, Lang: LangString{Lang: lang, Text: text}}
}

func NameWithLang(lang, text string) Value {
	return Value{Tag: TagNameLang, Lang: LangString{Lang: lang, Text: text}}
}

// Name constructs a plain (language-less) name value; the scheduler
// stores these as TagNameLang values whose text sits in Lang.Text with
// an empty Lang.Lang, so a single accessor (Str) serves both name and
// text attributes.
func Name(v string) Value { return Value{Tag: TagNameLang, Lang: LangString{Text: v}} }
func Text(v string) Value { return Value{Tag: TagTextLang, Lang: LangString{Text: v}} }

func Collection(attrs ...Attribute) Value {
	return Value{Tag: TagCollection, Collection: attrs}
}

// Int returns the integer/enum payload of v, or an error if v does not
// carry one.
func (v Value) Int() (int32, error) {
	switch v.Tag {
	case TagInteger, TagEnum:
		return v.Integer, nil
	}
	return 0, fmt.Errorf("attr: value has tag %s, want integer or enum", v.Tag)
}

// Bool returns the boolean payload of v.
func (v Value) Bool() (bool, error) {
	if v.Tag != TagBoolean {
		return false, fmt.Errorf("attr: value has tag %s, want boolean", v.Tag)
	}
	return v.Boolean, nil
}

// Str returns the string-shaped payload of v regardless of which
// string-like tag it carries (keyword, uri, charset, mimeType,
// octetString, or the text of a name/text-with-language value).
func (v Value) Str() (string, error) {
	switch v.Tag {
	case TagString, TagKeyword, TagURI, TagCharset, TagLanguage, TagMimeType:
		return v.String, nil
	case TagNameLang, TagTextLang:
		return v.Lang.Text, nil
	}
	return "", fmt.Errorf("attr: value has tag %s, want a string-like tag", v.Tag)
}

// Time returns the date-time payload of v.
func (v Value) Time() (time.Time, error) {
	if v.Tag != TagDateTime {
		return time.Time{}, fmt.Errorf("attr: value has tag %s, want dateTime", v.Tag)
	}
	return v.DateTime, nil
}
