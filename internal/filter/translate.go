package filter

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// 原生查询参数名
var paramNames = map[Kind]string{
	KindCreatedOn:  "filter[createdAt]",
	KindDueDate:    "filter[dueDate]",
	KindStatus:     "filter[status]",
	KindIssueTypes: "filter[issueTypeId]",
	KindRootCause:  "filter[rootCauseId]",
	KindAssignedTo: "filter[assignedTo]",
}

// ParamName 返回 Kind 对应的查询参数名
func ParamName(kind Kind) (string, bool) {
	name, ok := paramNames[kind]
	return name, ok
}

// Result 翻译结果：平铺的查询参数 + 未能翻译的条件
type Result struct {
	Params  url.Values
	Unknown []Unknown
}

// Translate 将过滤条件翻译为外部 API 查询参数，日期区间相对 now 计算
// 不会返回错误：无法翻译的条件进入 Result.Unknown
func Translate(filters []Filter, now time.Time) Result {
	res := Result{Params: url.Values{}}
	categorical := make(map[string][]string)

	for _, f := range filters {
		switch v := f.(type) {
		case DateRange:
			r, err := ResolveRange(v.Field, v.Key, now)
			if err != nil {
				res.Unknown = append(res.Unknown, Unknown{
					Raw:    Raw{FilterBy: string(v.Field), Attribute: Attribute{v.Key}},
					Reason: err.Error(),
				})
				continue
			}
			// 同类日期条件后者覆盖前者
			res.Params.Set(paramNames[v.Field], r.String())
		case Categorical:
			name := paramNames[v.Field]
			categorical[name] = appendUnique(categorical[name], v.Values...)
		case Unknown:
			res.Unknown = append(res.Unknown, v)
		}
	}

	for name, values := range categorical {
		res.Params.Set(name, strings.Join(values, ","))
	}
	return res
}

// WithDueWindow 追加通知类工作流的截止日窗口
func (r Result) WithDueWindow(window Range) Result {
	r.Params.Set(paramNames[KindDueDate], window.String())
	return r
}

// UnknownKinds 未知条件的 filterBy 列表（去重排序），用于上报
func (r Result) UnknownKinds() []string {
	seen := make(map[string]struct{}, len(r.Unknown))
	out := make([]string, 0, len(r.Unknown))
	for _, u := range r.Unknown {
		if _, ok := seen[u.Raw.FilterBy]; ok {
			continue
		}
		seen[u.Raw.FilterBy] = struct{}{}
		out = append(out, u.Raw.FilterBy)
	}
	sort.Strings(out)
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		dup := false
		for _, existing := range dst {
			if existing == v {
				dup = true
				break
			}
		}
		if !dup {
			dst = append(dst, v)
		}
	}
	return dst
}
