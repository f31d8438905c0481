package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger 计算下一次触发时间
type Trigger interface {
	Next(after time.Time) time.Time
}

var specParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// CronTrigger 标准五段 cron 表达式或 @daily / @every 5m 等描述符
type CronTrigger struct {
	spec     string
	schedule cron.Schedule
	loc      *time.Location
}

// NewCronTrigger 解析表达式；loc 决定 "0 6 * * *" 中的 6 点是哪个时区的 6 点
func NewCronTrigger(spec string, loc *time.Location) (*CronTrigger, error) {
	if loc == nil {
		loc = time.UTC
	}
	schedule, err := specParser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("scheduler: invalid spec %q: %w", spec, err)
	}
	return &CronTrigger{spec: spec, schedule: schedule, loc: loc}, nil
}

// Next 下一次触发时间
func (c *CronTrigger) Next(after time.Time) time.Time {
	return c.schedule.Next(after.In(c.loc))
}

func (c *CronTrigger) String() string {
	return c.spec
}

// IntervalTrigger 固定间隔触发
type IntervalTrigger struct {
	Every time.Duration
}

// Next 下一次触发时间
func (i IntervalTrigger) Next(after time.Time) time.Time {
	return after.Add(i.Every)
}
