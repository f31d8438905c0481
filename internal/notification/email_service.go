package notification

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/5D-VDC-Services-LLP/accaddons-sub000/internal/config"

	"go.uber.org/zap"
)

// Attachment 邮件附件
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// EmailMessage 待发送的邮件
type EmailMessage struct {
	To          []string
	Subject     string
	HTMLBody    string
	Attachments []Attachment
}

// Transport 底层投递函数，测试中可替换
type Transport func(ctx context.Context, from string, to []string, msg []byte) error

// EmailService SMTP 邮件服务（同步发送，失败由调用方处理）
type EmailService struct {
	config    config.EmailConfig
	transport Transport
	timeout   time.Duration
	log       *zap.Logger
}

// NewEmailService 创建邮件服务
func NewEmailService(cfg config.EmailConfig, log *zap.Logger) *EmailService {
	s := &EmailService{
		config:  cfg,
		timeout: 30 * time.Second,
		log:     log.Named("email"),
	}
	s.transport = s.sendSMTP
	return s
}

// WithTransport 替换投递方式
func (s *EmailService) WithTransport(t Transport) *EmailService {
	s.transport = t
	return s
}

// Send 构建 MIME 消息并发送
func (s *EmailService) Send(ctx context.Context, msg *EmailMessage) error {
	if len(msg.To) == 0 {
		return fmt.Errorf("收件人不能为空")
	}
	raw, err := BuildMIME(s.config.FromName, s.config.FromAddress, msg)
	if err != nil {
		return err
	}
	if err := s.transport(ctx, s.config.FromAddress, msg.To, raw); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	s.log.Debug("邮件已发送", zap.Strings("to", msg.To), zap.Int("attachments", len(msg.Attachments)))
	return nil
}

// BuildMIME 生成 multipart/mixed 消息：HTML 正文 + base64 附件
func BuildMIME(fromName, fromAddress string, msg *EmailMessage) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	from := fromAddress
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", fromName), fromAddress)
	}

	var header bytes.Buffer
	header.WriteString(fmt.Sprintf("From: %s\r\n", from))
	header.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ", ")))
	header.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject)))
	header.WriteString(fmt.Sprintf("Date: %s\r\n", time.Now().Format(time.RFC1123Z)))
	header.WriteString("MIME-Version: 1.0\r\n")
	header.WriteString(fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary()))
	header.WriteString("\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(body, []byte(msg.HTMLBody)); err != nil {
		return nil, err
	}

	for _, a := range msg.Attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("%s; name=%q", ct, a.Filename)},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", a.Filename)},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	return append(header.Bytes(), buf.Bytes()...), nil
}

// writeBase64 按 76 列折行
func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := w.Write([]byte(enc[:76] + "\r\n")); err != nil {
			return err
		}
		enc = enc[76:]
	}
	_, err := w.Write([]byte(enc + "\r\n"))
	return err
}

// sendSMTP UseTLS 时直接建立 TLS 连接，否则在服务端支持时升级 STARTTLS
func (s *EmailService) sendSMTP(ctx context.Context, from string, to []string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.config.SMTPHost, s.config.SMTPPort)
	tlsConfig := &tls.Config{ServerName: s.config.SMTPHost}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if s.config.UseTLS {
		conn, err = (&tls.Dialer{Config: tlsConfig}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("连接SMTP服务器失败: %w", err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		return fmt.Errorf("创建SMTP客户端失败: %w", err)
	}
	defer client.Close()

	if !s.config.UseTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("STARTTLS失败: %w", err)
			}
		}
	}

	if s.config.Username != "" {
		auth := smtp.PlainAuth("", s.config.Username, s.config.Password, s.config.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("SMTP认证失败: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("设置发件人失败: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("设置收件人失败: %w", err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("获取数据写入器失败: %w", err)
	}
	if _, err = w.Write(msg); err != nil {
		return fmt.Errorf("写入邮件内容失败: %w", err)
	}
	if err = w.Close(); err != nil {
		return fmt.Errorf("关闭数据写入器失败: %w", err)
	}
	return client.Quit()
}
