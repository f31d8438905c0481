// Package filter converts the open-ended workflow filter documents into native
// query parameters for the external item API.
//
// A persisted filter is a {filterBy, attribute} pair. Parse turns each pair into
// one variant of the Filter tagged union; kinds this package does not know are
// kept as Unknown so they can be reported instead of silently vanishing.
package filter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Kind 过滤器类型（filterBy 的取值）
type Kind string

const (
	KindCreatedOn  Kind = "Created On"
	KindDueDate    Kind = "Due Date"
	KindStatus     Kind = "Status"
	KindIssueTypes Kind = "Issue Types"
	KindRootCause  Kind = "Root Cause Categories"
	KindAssignedTo Kind = "Assigned To User"
)

// Raw 持久化形式的过滤条件
type Raw struct {
	FilterBy  string    `json:"filterBy"`
	Attribute Attribute `json:"attribute"`
}

// Attribute 兼容字符串、数字及其数组
type Attribute []string

// UnmarshalJSON 接受 "x"、["x","y"]、1、[1,2]
func (a *Attribute) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	if data[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, err := scalar(item)
			if err != nil {
				return err
			}
			out = append(out, s)
		}
		*a = out
		return nil
	}
	s, err := scalar(data)
	if err != nil {
		return err
	}
	*a = Attribute{s}
	return nil
}

// MarshalJSON 单值时还原为字符串
func (a Attribute) MarshalJSON() ([]byte, error) {
	if len(a) == 1 {
		return json.Marshal(a[0])
	}
	return json.Marshal([]string(a))
}

func scalar(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String(), nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("filter: unsupported attribute value %s", string(data))
}

// Filter 过滤条件的标签联合：DateRange、Categorical、Unknown
type Filter interface {
	Kind() Kind
	isFilter()
}

// DateRange 符号化日期范围，调用时相对 now 计算
type DateRange struct {
	Field Kind
	Key   string
}

func (f DateRange) Kind() Kind { return f.Field }
func (DateRange) isFilter() {}

// Categorical 多值 ID 过滤
type Categorical struct {
	Field  Kind
	Values []string
}

func (f Categorical) Kind() Kind { return f.Field }
func (Categorical) isFilter() {}

// Unknown 不支持的过滤条件，原样保留以便上报
type Unknown struct {
	Raw    Raw
	Reason string
}

func (f Unknown) Kind() Kind { return Kind(f.Raw.FilterBy) }
func (Unknown) isFilter() {}

// Parse 将持久化条件转为标签联合，保持原有顺序
func Parse(raws []Raw) []Filter {
	out := make([]Filter, 0, len(raws))
	for _, raw := range raws {
		out = append(out, parseOne(raw))
	}
	return out
}

// ParseJSON 解析 workflow.filters 文档
func ParseJSON(data []byte) ([]Filter, error) {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil, nil
	}
	var raws []Raw
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("filter: decode filters: %w", err)
	}
	return Parse(raws), nil
}

func parseOne(raw Raw) Filter {
	kind := Kind(strings.TrimSpace(raw.FilterBy))
	switch kind {
	case KindCreatedOn, KindDueDate:
		if len(raw.Attribute) != 1 || strings.TrimSpace(raw.Attribute[0]) == "" {
			return Unknown{Raw: raw, Reason: "date filter needs exactly one range key"}
		}
		return DateRange{Field: kind, Key: strings.TrimSpace(raw.Attribute[0])}
	case KindStatus, KindIssueTypes, KindRootCause, KindAssignedTo:
		values := make([]string, 0, len(raw.Attribute))
		for _, v := range raw.Attribute {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return Unknown{Raw: raw, Reason: "empty attribute"}
		}
		return Categorical{Field: kind, Values: values}
	default:
		return Unknown{Raw: raw, Reason: "unsupported filterBy"}
	}
}
