package filter

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout 外部 API 的日期格式
const DateLayout = "2006-01-02"

// Range 闭区间 [From, To]，按自然日
type Range struct {
	From time.Time
	To   time.Time
}

// String 输出外部 API 的区间写法 from..to
func (r Range) String() string {
	return r.From.Format(DateLayout) + ".." + r.To.Format(DateLayout)
}

// 创建时间类符号（向过去看）
var createdRanges = map[string]func(day time.Time) Range{
	"today":        func(d time.Time) Range { return Range{d, d} },
	"yesterday":    func(d time.Time) Range { return Range{d.AddDate(0, 0, -1), d.AddDate(0, 0, -1)} },
	"last_7_days":  func(d time.Time) Range { return Range{d.AddDate(0, 0, -6), d} },
	"last_14_days": func(d time.Time) Range { return Range{d.AddDate(0, 0, -13), d} },
	"last_30_days": func(d time.Time) Range { return Range{d.AddDate(0, 0, -29), d} },
	"this_week":    func(d time.Time) Range { return Range{startOfWeek(d), d} },
	"this_month":   func(d time.Time) Range { return Range{startOfMonth(d), d} },
	"last_month": func(d time.Time) Range {
		first := startOfMonth(d).AddDate(0, -1, 0)
		return Range{first, startOfMonth(d).AddDate(0, 0, -1)}
	},
}

// 截止日期类符号（逾期向过去，到期向未来）
var dueRanges = map[string]func(day time.Time) Range{
	"overdue_7":        func(d time.Time) Range { return Range{d.AddDate(0, 0, -7), d.AddDate(0, 0, -1)} },
	"overdue_14":       func(d time.Time) Range { return Range{d.AddDate(0, 0, -14), d.AddDate(0, 0, -1)} },
	"overdue_30":       func(d time.Time) Range { return Range{d.AddDate(0, 0, -30), d.AddDate(0, 0, -1)} },
	"due_today":        func(d time.Time) Range { return Range{d, d} },
	"due_tomorrow":     func(d time.Time) Range { return Range{d.AddDate(0, 0, 1), d.AddDate(0, 0, 1)} },
	"due_next_7_days":  func(d time.Time) Range { return Range{d, d.AddDate(0, 0, 7)} },
	"due_next_14_days": func(d time.Time) Range { return Range{d, d.AddDate(0, 0, 14)} },
	"due_next_30_days": func(d time.Time) Range { return Range{d, d.AddDate(0, 0, 30)} },
}

// ResolveRange 将符号化键解析为相对 now 的日期区间
// 也接受显式区间 "2024-01-01..2024-01-31"
func ResolveRange(kind Kind, key string, now time.Time) (Range, error) {
	day := startOfDay(now)
	key = strings.ToLower(strings.TrimSpace(key))

	var table map[string]func(time.Time) Range
	switch kind {
	case KindCreatedOn:
		table = createdRanges
	case KindDueDate:
		table = dueRanges
	default:
		return Range{}, fmt.Errorf("filter: %q is not a date filter", kind)
	}

	if fn, ok := table[key]; ok {
		return fn(day), nil
	}
	if r, ok := parseExplicit(key, now.Location()); ok {
		return r, nil
	}
	return Range{}, fmt.Errorf("filter: unknown range key %q for %q", key, kind)
}

// DayWindow 指定偏移天数的单日区间，通知类工作流的 due_in 使用
func DayWindow(now time.Time, offsetDays int) Range {
	d := startOfDay(now).AddDate(0, 0, offsetDays)
	return Range{d, d}
}

func parseExplicit(key string, loc *time.Location) (Range, bool) {
	from, to, ok := strings.Cut(key, "..")
	if !ok {
		return Range{}, false
	}
	f, err := time.ParseInLocation(DateLayout, from, loc)
	if err != nil {
		return Range{}, false
	}
	t, err := time.ParseInLocation(DateLayout, to, loc)
	if err != nil || t.Before(f) {
		return Range{}, false
	}
	return Range{f, t}, true
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// startOfWeek 以周一为一周开始
func startOfWeek(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func startOfMonth(day time.Time) time.Time {
	y, m, _ := day.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, day.Location())
}
