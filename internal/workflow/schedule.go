package workflow

import "time"

// Weekday 星期代码
type Weekday string

const (
	Monday    Weekday = "mon"
	Tuesday   Weekday = "tue"
	Wednesday Weekday = "wed"
	Thursday  Weekday = "thu"
	Friday    Weekday = "fri"
	Saturday  Weekday = "sat"
	Sunday    Weekday = "sun"
)

// AllWeekdays 周一到周日
var AllWeekdays = []Weekday{Monday, Tuesday, Wednesday, Thursday, Friday, Saturday, Sunday}

var fromTime = map[time.Weekday]Weekday{
	time.Monday:    Monday,
	time.Tuesday:   Tuesday,
	time.Wednesday: Wednesday,
	time.Thursday:  Thursday,
	time.Friday:    Friday,
	time.Saturday:  Saturday,
	time.Sunday:    Sunday,
}

// WeekdayOf 时间对应的星期代码（按 t 自身时区）
func WeekdayOf(t time.Time) Weekday {
	return fromTime[t.Weekday()]
}

// Valid 是否为已知代码
func (d Weekday) Valid() bool {
	for _, w := range AllWeekdays {
		if w == d {
			return true
		}
	}
	return false
}

// DueIn 通知类工作流相对截止日的偏移
type DueIn string

const (
	DueToday       DueIn = "due_today"
	DueOneBefore   DueIn = "1_day_before"
	DueThreeBefore DueIn = "3_days_before"
	DueSevenBefore DueIn = "7_days_before"
	DueOneAfter    DueIn = "1_day_after"
	DueThreeAfter  DueIn = "3_days_after"
)

// 截止日 = 今天 + offset
var dueOffsets = map[DueIn]int{
	DueToday:       0,
	DueOneBefore:   1,
	DueThreeBefore: 3,
	DueSevenBefore: 7,
	DueOneAfter:    -1,
	DueThreeAfter:  -3,
}

// Offset 截止日相对今天的天数
func (d DueIn) Offset() (int, bool) {
	off, ok := dueOffsets[d]
	return off, ok
}

// ScheduleDays 工作流会被执行的星期集合
// 通知类工作流每天检查，由 due_in 决定当天命中的截止日
func (w *Workflow) ScheduleDays() []Weekday {
	if w.Type == TypeNotification {
		return AllWeekdays
	}
	return w.Frequency
}

// RunsOn 今天是否在调度集合内
func (w *Workflow) RunsOn(day Weekday) bool {
	for _, d := range w.ScheduleDays() {
		if d == day {
			return true
		}
	}
	return false
}
