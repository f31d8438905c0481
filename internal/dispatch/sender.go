package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/aggregate"
	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/notification"
)

// ErrNoPhone 收件人没有手机号，跳过 whatsapp 渠道
var ErrNoPhone = errors.New("dispatch: recipient has no phone number")

// Sender 单渠道发送器
// 返回 ErrNoPhone / ErrReportNotFound 表示该渠道跳过，其它错误视为投递失败
type Sender interface {
	Channel() string
	Send(ctx context.Context, rec *aggregate.EscalationAggregate) error
}

// IsSkip 渠道前置条件不满足，不算失败
func IsSkip(err error) bool {
	return errors.Is(err, ErrNoPhone) || errors.Is(err, ErrReportNotFound)
}

// TemplateSender WhatsApp 模板消息能力
type TemplateSender interface {
	SendTemplate(ctx context.Context, msg *notification.TemplateMessage) (string, error)
}

// WhatsAppSender 以模板消息推送各模块条目数
type WhatsAppSender struct {
	client       TemplateSender
	deepLinkBase string
}

// NewWhatsAppSender 创建 WhatsApp 发送器
func NewWhatsAppSender(client TemplateSender, deepLinkBase string) *WhatsAppSender {
	return &WhatsAppSender{client: client, deepLinkBase: deepLinkBase}
}

func (s *WhatsAppSender) Channel() string { return "whatsapp" }

// Send 模板参数顺序：issues 数、forms 数、reviews 数、租户名、日期；按钮参数为深链路径
func (s *WhatsAppSender) Send(ctx context.Context, rec *aggregate.EscalationAggregate) error {
	if rec.Phone == nil || strings.TrimSpace(*rec.Phone) == "" {
		return ErrNoPhone
	}
	issues, forms, reviews := rec.Totals()
	_, err := s.client.SendTemplate(ctx, &notification.TemplateMessage{
		To: *rec.Phone,
		BodyParams: []string{
			strconv.Itoa(issues),
			strconv.Itoa(forms),
			strconv.Itoa(reviews),
			rec.Tenant,
			rec.Date,
		},
		ButtonParam: DeepLink(s.deepLinkBase, rec),
	})
	return err
}

// DeepLink 汇总详情页的相对路径，作为模板 URL 按钮的后缀
// 域名由消息模板本身提供；base 写成完整 URL 时只取其路径部分
func DeepLink(base string, rec *aggregate.EscalationAggregate) string {
	user := rec.ExternalUserID
	if user == "" {
		user = rec.Email
	}
	if u, err := url.Parse(base); err == nil && (u.Scheme != "" || u.Host != "") {
		base = u.Path
	}
	p := path.Join("/", base, url.PathEscape(rec.Tenant), rec.Date, url.PathEscape(user))
	return strings.TrimPrefix(p, "/")
}

// Mailer 邮件发送能力
type Mailer interface {
	Send(ctx context.Context, msg *notification.EmailMessage) error
}

// EmailSender 发送 HTML 汇总并附带外部生成的 PDF 报表
type EmailSender struct {
	mailer  Mailer
	reports ReportSource
	tmpl    *template.Template
}

// NewEmailSender 创建邮件发送器
func NewEmailSender(mailer Mailer, reports ReportSource) *EmailSender {
	return &EmailSender{
		mailer:  mailer,
		reports: reports,
		tmpl:    template.Must(template.New("digest").Parse(digestTemplate)),
	}
}

func (s *EmailSender) Channel() string { return "email" }

type projectRow struct {
	ProjectID string
	Issues    int
	Forms     int
	Reviews   int
}

func (s *EmailSender) Send(ctx context.Context, rec *aggregate.EscalationAggregate) error {
	report, err := s.reports.Open(ctx, rec.ExternalUserID, rec.Tenant, rec.Date)
	if err != nil {
		return err
	}

	rows := make([]projectRow, 0, len(rec.Aggregate))
	for pid, items := range rec.Aggregate {
		i, f, r := items.Counts()
		rows = append(rows, projectRow{ProjectID: pid, Issues: i, Forms: f, Reviews: r})
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].ProjectID < rows[b].ProjectID })

	var body bytes.Buffer
	err = s.tmpl.Execute(&body, map[string]any{
		"Tenant":       rec.Tenant,
		"Date":         rec.Date,
		"TemplateType": rec.TemplateType,
		"Projects":     rows,
	})
	if err != nil {
		return fmt.Errorf("渲染邮件模板失败: %w", err)
	}

	return s.mailer.Send(ctx, &notification.EmailMessage{
		To:          []string{rec.Email},
		Subject:     fmt.Sprintf("[%s] %s digest for %s", rec.Tenant, subjectKind(rec.TemplateType), rec.Date),
		HTMLBody:    body.String(),
		Attachments: []notification.Attachment{*report},
	})
}

func subjectKind(templateType string) string {
	if templateType == "notification" {
		return "Due date"
	}
	return "Escalation"
}

const digestTemplate = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; padding: 20px;">
  <h2>{{.Tenant}} · {{.Date}}</h2>
  <p>The attached report lists the items that need your attention.</p>
  <table cellpadding="6" style="border-collapse: collapse;">
    <tr><th align="left">Project</th><th>Issues</th><th>Forms</th><th>Reviews</th></tr>
    {{range .Projects}}<tr><td>{{.ProjectID}}</td><td align="center">{{.Issues}}</td><td align="center">{{.Forms}}</td><td align="center">{{.Reviews}}</td></tr>
    {{end}}
  </table>
</body>
</html>`
